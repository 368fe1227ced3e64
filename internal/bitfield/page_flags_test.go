package bitfield

import "testing"

func TestPackRegionFlags(t *testing.T) {
	tests := []struct {
		name     string
		flags    RegionFlags
		expected uint64
	}{
		{"all false", RegionFlags{}, 0x0},
		{"commit only", RegionFlags{Commit: true}, 0x1},
		{"readwrite only", RegionFlags{ReadWrite: true}, 0x2},
		{"commit+user", RegionFlags{Commit: true, User: true}, 0x9},
		{"all set", RegionFlags{Commit: true, ReadWrite: true, AtOrOver: true, User: true}, 0xF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed, err := Pack(tt.flags, &Config{NumBits: 32})
			if err != nil {
				t.Fatalf("Pack() error = %v", err)
			}
			if packed != tt.expected {
				t.Errorf("Pack() = 0x%x, want 0x%x", packed, tt.expected)
			}
		})
	}
}

func TestUnpackRegionFlagsRoundTrip(t *testing.T) {
	cases := []RegionFlags{
		{},
		{Commit: true},
		{ReadWrite: true, User: true},
		{Commit: true, ReadWrite: true, AtOrOver: true, User: true, Reserved: 0xABCDE},
	}

	for i, original := range cases {
		packed, err := Pack(original, &Config{NumBits: 32})
		if err != nil {
			t.Fatalf("case %d: Pack() error = %v", i, err)
		}

		var unpacked RegionFlags
		if err := Unpack(packed, &unpacked); err != nil {
			t.Fatalf("case %d: Unpack() error = %v", i, err)
		}

		if unpacked.Commit != original.Commit || unpacked.ReadWrite != original.ReadWrite ||
			unpacked.AtOrOver != original.AtOrOver || unpacked.User != original.User {
			t.Errorf("case %d: round trip mismatch: got %+v, want %+v", i, unpacked, original)
		}
	}
}

func TestPackEpkHeaderFlags(t *testing.T) {
	packed, err := Pack(EpkHeaderFlags{HasSignature: true}, &Config{NumBits: 32})
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if packed != 0x2 {
		t.Errorf("Pack() = 0x%x, want 0x2", packed)
	}
}
