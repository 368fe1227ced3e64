package epk_test

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exos-project/exos/internal/fs"
	"github.com/exos-project/exos/internal/fs/epk"
)

const (
	testMagic       uint32 = 0x314B5045
	testHeaderSize         = 128
	tocEntryMinSize         = 96
)

type tocEntrySpec struct {
	nodeType    epk.NodeType
	flags       epk.EntryFlags
	permissions uint32
	modifiedAt  uint32
	fileSize    uint32
	inlineOff   uint32
	inlineSize  uint32
	blockStart  uint32
	blockCount  uint32
	path        string
	alias       string
}

func encodeTOCEntry(e tocEntrySpec) []byte {
	entrySize := uint32(tocEntryMinSize + len(e.path) + len(e.alias))
	rec := make([]byte, entrySize)
	binary.LittleEndian.PutUint32(rec[0:4], entrySize)
	rec[4] = byte(e.nodeType)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(e.flags))
	binary.LittleEndian.PutUint16(rec[12:14], uint16(len(e.path)))
	binary.LittleEndian.PutUint16(rec[14:16], uint16(len(e.alias)))
	binary.LittleEndian.PutUint32(rec[16:20], e.permissions)
	binary.LittleEndian.PutUint32(rec[20:24], e.modifiedAt)
	binary.LittleEndian.PutUint32(rec[24:28], e.fileSize)
	binary.LittleEndian.PutUint32(rec[28:32], e.inlineOff)
	binary.LittleEndian.PutUint32(rec[32:36], e.inlineSize)
	binary.LittleEndian.PutUint32(rec[36:40], e.blockStart)
	binary.LittleEndian.PutUint32(rec[40:44], e.blockCount)
	copy(rec[tocEntryMinSize:], e.path)
	copy(rec[tocEntryMinSize+len(e.path):], e.alias)
	return rec
}

// buildPackage assembles a complete EPK image in memory from the given
// TOC entries and inline data payload, wiring up the header's regions by
// hand the way tools/source/package/epk_pack.c would.
func buildPackage(t *testing.T, entries []tocEntrySpec, inlineData []byte, sign bool) ([]byte, ed25519.PublicKey) {
	t.Helper()

	var tocBody bytes.Buffer
	countBuf := make([]byte, 8)
	binary.LittleEndian.PutUint32(countBuf[0:4], uint32(len(entries)))
	tocBody.Write(countBuf)
	for _, e := range entries {
		tocBody.Write(encodeTOCEntry(e))
	}

	tocOffset := uint32(testHeaderSize)
	tocSize := uint32(tocBody.Len())
	blockTableOffset := tocOffset + tocSize
	blockTableSize := uint32(0)
	manifestOffset := blockTableOffset + 1
	manifestSize := uint32(0)
	signatureOffset := manifestOffset

	var sigBody []byte
	var pub ed25519.PublicKey
	var packageHash [32]byte

	// First pass: compute the package hash over the image with the
	// signature region (if any) excised and the hash field zeroed, per
	// internal/fs/epk's verifyPackageHash contract.
	prefixSize := signatureOffset
	inlineOffset := signatureOffset // signature region, if present, is inserted before inline data below.

	buildImage := func(sigSize uint32, hash [32]byte) []byte {
		inlineOff := signatureOffset + sigSize
		total := inlineOff + uint32(len(inlineData))
		buf := make([]byte, total)

		binary.LittleEndian.PutUint32(buf[0:4], testMagic)
		binary.LittleEndian.PutUint16(buf[4:6], 1)
		binary.LittleEndian.PutUint16(buf[6:8], 0)
		flags := uint32(0)
		if sigSize > 0 {
			flags |= 1 << 1
		}
		binary.LittleEndian.PutUint32(buf[8:12], flags)
		binary.LittleEndian.PutUint32(buf[12:16], testHeaderSize)
		binary.LittleEndian.PutUint32(buf[16:20], tocOffset)
		binary.LittleEndian.PutUint32(buf[20:24], tocSize)
		binary.LittleEndian.PutUint32(buf[24:28], blockTableOffset)
		binary.LittleEndian.PutUint32(buf[28:32], blockTableSize)
		binary.LittleEndian.PutUint32(buf[32:36], manifestOffset)
		binary.LittleEndian.PutUint32(buf[36:40], manifestSize)
		binary.LittleEndian.PutUint32(buf[40:44], signatureOffset)
		binary.LittleEndian.PutUint32(buf[44:48], sigSize)
		copy(buf[48:80], hash[:])

		copy(buf[tocOffset:], tocBody.Bytes())
		if sigSize > 0 {
			copy(buf[signatureOffset:], sigBody)
		}
		copy(buf[inlineOff:], inlineData)
		return buf
	}

	hashOf := func(buf []byte, sigSize uint32) [32]byte {
		h := sha256.New()
		prefix := make([]byte, signatureOffset)
		copy(prefix, buf[:signatureOffset])
		for i := 48; i < 80; i++ {
			prefix[i] = 0
		}
		h.Write(prefix)
		h.Write(buf[signatureOffset+sigSize:])
		var out [32]byte
		copy(out[:], h.Sum(nil))
		return out
	}

	if sign {
		var priv ed25519.PrivateKey
		pub, priv, _ = ed25519.GenerateKey(nil)
		sigBody = make([]byte, 12+ed25519.PublicKeySize+ed25519.SignatureSize)
		binary.LittleEndian.PutUint32(sigBody[0:4], 0x53474953)
		binary.LittleEndian.PutUint32(sigBody[4:8], 1)
		binary.LittleEndian.PutUint32(sigBody[8:12], 1) // ED25519
		copy(sigBody[12:12+ed25519.PublicKeySize], pub)

		zero := buildImage(uint32(len(sigBody)), [32]byte{})
		packageHash = hashOf(zero, uint32(len(sigBody)))
		sig := ed25519.Sign(priv, packageHash[:])
		copy(sigBody[12+ed25519.PublicKeySize:], sig)
	} else {
		zero := buildImage(0, [32]byte{})
		_ = prefixSize
		_ = inlineOffset
		packageHash = hashOf(zero, 0)
	}

	sigSize := uint32(0)
	if sign {
		sigSize = uint32(len(sigBody))
	}
	final := buildImage(sigSize, packageHash)
	return final, pub
}

func TestValidatePackageBufferAcceptsWellFormedPackage(t *testing.T) {
	inline := []byte("hello epk")
	entries := []tocEntrySpec{
		{nodeType: epk.NodeFolder, path: "sub"},
		{
			nodeType:   epk.NodeFile,
			flags:      epk.EntryHasInlineData,
			fileSize:   uint32(len(inline)),
			inlineOff:  testHeaderSize, // patched below
			inlineSize: uint32(len(inline)),
			path:       "sub/file.txt",
		},
		{
			nodeType: epk.NodeFolderAlias,
			flags:    epk.EntryHasAliasTarget,
			path:     "alias",
			alias:    "sub",
		},
	}

	// The inline offset can only be known once the header layout is
	// fixed; buildPackage always appends inline data at the tail, so
	// patch it in after a first dry run determines the layout.
	buf, _ := buildPackage(t, entries, inline, false)
	header := buf[:testHeaderSize]
	tocOffset := binary.LittleEndian.Uint32(header[16:20])
	blockTableOffset := binary.LittleEndian.Uint32(header[24:28])
	signatureOffset := binary.LittleEndian.Uint32(header[40:44])
	signatureSize := binary.LittleEndian.Uint32(header[44:48])
	inlineOffset := signatureOffset + signatureSize
	entries[1].inlineOff = inlineOffset
	_ = tocOffset
	_ = blockTableOffset
	buf, _ = buildPackage(t, entries, inline, false)

	pkg, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{VerifyHash: true})
	require.NoError(t, err)
	require.Len(t, pkg.Entries, 3)
}

func TestValidatePackageBufferRejectsBadMagic(t *testing.T) {
	buf, _ := buildPackage(t, []tocEntrySpec{{nodeType: epk.NodeFolder, path: "sub"}}, nil, false)
	buf[0] ^= 0xFF
	_, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{})
	require.Error(t, err)
	require.Equal(t, epk.StatusInvalidMagic, epk.StatusOf(err))
}

// TestValidatePackageBufferRejectionStatuses mirrors spec.md S5: three
// distinct malformations of the same well-formed package must surface
// three distinct, distinguishable Status codes rather than one generic
// failure.
func TestValidatePackageBufferRejectionStatuses(t *testing.T) {
	t.Run("reserved header byte set", func(t *testing.T) {
		buf, _ := buildPackage(t, []tocEntrySpec{{nodeType: epk.NodeFolder, path: "sub"}}, nil, false)
		buf[80] = 1
		_, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{})
		require.Error(t, err)
		require.Equal(t, epk.StatusInvalidEntryFormat, epk.StatusOf(err))
	})

	t.Run("signature offset precedes manifest offset", func(t *testing.T) {
		buf, _ := buildPackage(t, []tocEntrySpec{{nodeType: epk.NodeFolder, path: "sub"}}, nil, false)
		manifestOffset := binary.LittleEndian.Uint32(buf[32:36])
		binary.LittleEndian.PutUint32(buf[40:44], manifestOffset-1)
		_, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{})
		require.Error(t, err)
		require.Equal(t, epk.StatusInvalidSectionOrder, epk.StatusOf(err))
	})

	t.Run("zero path length", func(t *testing.T) {
		buf, _ := buildPackage(t, []tocEntrySpec{{nodeType: epk.NodeFolder, path: "x"}}, nil, false)
		// The TOC entry immediately follows the 8-byte TOC header; path_length
		// lives at bytes [12:14) of the 96-byte fixed record.
		binary.LittleEndian.PutUint16(buf[testHeaderSize+8+12:testHeaderSize+8+14], 0)
		_, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{})
		require.Error(t, err)
		require.Equal(t, epk.StatusInvalidEntryFormat, epk.StatusOf(err))
	})
}

func TestValidatePackageBufferRejectsHashMismatch(t *testing.T) {
	buf, _ := buildPackage(t, []tocEntrySpec{{nodeType: epk.NodeFolder, path: "sub"}}, nil, false)
	buf[48] ^= 0xFF
	_, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{VerifyHash: true})
	require.Error(t, err)
}

func TestValidatePackageBufferFolderRejectsSizeFields(t *testing.T) {
	entries := []tocEntrySpec{{nodeType: epk.NodeFolder, path: "bad", fileSize: 1}}
	buf, _ := buildPackage(t, entries, nil, false)
	_, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{})
	require.Error(t, err)
}

func TestValidatePackageBufferVerifiesSignature(t *testing.T) {
	entries := []tocEntrySpec{{nodeType: epk.NodeFolder, path: "sub"}}
	buf, _ := buildPackage(t, entries, nil, true)
	_, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{VerifyHash: true, VerifySignature: true, RequireSignature: true})
	require.NoError(t, err)
}

func TestValidatePackageBufferSignatureTamperFails(t *testing.T) {
	entries := []tocEntrySpec{{nodeType: epk.NodeFolder, path: "sub"}}
	buf, _ := buildPackage(t, entries, nil, true)
	buf[len(buf)-1] ^= 0xFF
	_, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{VerifySignature: true})
	require.Error(t, err)
}

func buildValidPackage(t *testing.T) []byte {
	t.Helper()
	inline := []byte("nested contents")
	entries := []tocEntrySpec{
		{nodeType: epk.NodeFolder, path: "docs"},
		{
			nodeType:   epk.NodeFile,
			flags:      epk.EntryHasInlineData,
			fileSize:   uint32(len(inline)),
			inlineSize: uint32(len(inline)),
			path:       "docs/readme.txt",
		},
		{
			nodeType: epk.NodeFolderAlias,
			flags:    epk.EntryHasAliasTarget,
			path:     "shortcut",
			alias:    "docs",
		},
	}
	buf, _ := buildPackage(t, entries, inline, false)
	header := buf[:testHeaderSize]
	signatureOffset := binary.LittleEndian.Uint32(header[40:44])
	signatureSize := binary.LittleEndian.Uint32(header[44:48])
	entries[1].inlineOff = signatureOffset + signatureSize
	buf, _ = buildPackage(t, entries, inline, false)
	return buf
}

func TestPackageFSReadsInlineFile(t *testing.T) {
	buf := buildValidPackage(t)
	pkg, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{VerifyHash: true})
	require.NoError(t, err)

	driver, err := epk.NewDriver(pkg)
	require.NoError(t, err)
	require.True(t, driver.FileExists("/docs/readme.txt"))

	f, err := driver.OpenFile("/docs/readme.txt", fs.FlagRead)
	require.NoError(t, err)
	out := make([]byte, 64)
	n, err := f.Read(out)
	require.NoError(t, err)
	require.Equal(t, "nested contents", string(out[:n]))
}

func TestPackageFSResolvesFolderAlias(t *testing.T) {
	buf := buildValidPackage(t)
	pkg, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{})
	require.NoError(t, err)
	driver, err := epk.NewDriver(pkg)
	require.NoError(t, err)

	require.True(t, driver.FileExists("/shortcut/readme.txt"))
}

func TestPackageFSIsReadOnly(t *testing.T) {
	buf := buildValidPackage(t)
	pkg, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{})
	require.NoError(t, err)
	driver, err := epk.NewDriver(pkg)
	require.NoError(t, err)

	_, err = driver.OpenFile("/docs/readme.txt", fs.FlagWrite)
	require.Error(t, err)
	require.Error(t, driver.CreateFolder("/docs/new"))
}
