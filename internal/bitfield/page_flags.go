package bitfield

// RegionFlags represents the flag set carried by a memory Region
// (spec.md §3.2): COMMIT, READWRITE, AT_OR_OVER, USER.
type RegionFlags struct {
	Commit     bool   `bitfield:",1"`
	ReadWrite  bool   `bitfield:",1"`
	AtOrOver   bool   `bitfield:",1"`
	User       bool   `bitfield:",1"`
	Reserved   uint32 `bitfield:",28"`
}

// EpkHeaderFlags mirrors the EPK package header flag word (spec.md §3.7).
type EpkHeaderFlags struct {
	CompressedBlocks bool   `bitfield:",1"`
	HasSignature     bool   `bitfield:",1"`
	EncryptedContent bool   `bitfield:",1"`
	Reserved         uint32 `bitfield:",29"`
}

// EpkEntryFlags mirrors an EPK TOC entry flag word (spec.md §3.7).
type EpkEntryFlags struct {
	HasInlineData    bool   `bitfield:",1"`
	HasBlocks        bool   `bitfield:",1"`
	HasAliasTarget   bool   `bitfield:",1"`
	Reserved         uint32 `bitfield:",29"`
}
