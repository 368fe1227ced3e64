package loader_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exos-project/exos/internal/loader"
)

func writeChunk(buf *bytes.Buffer, id string, payload []byte) {
	buf.WriteString(id)
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
	buf.Write(size[:])
	buf.Write(payload)
}

func buildImage(t *testing.T, codeBase uint32, patchAddress uint32) []byte {
	t.Helper()
	return buildImageWithData(t, codeBase, codeBase, patchAddress, loader.SourceCode, loader.DestCode)
}

// buildImageWithData builds an EXOS image whose INIT chunk declares distinct
// code and data bases, with a single FXUP entry using the given source/dest
// flags so both SourceCode/SourceData and DestCode/DestData paths can be
// exercised against non-identical bases.
func buildImageWithData(t *testing.T, codeBase, dataBase, patchAddress uint32, source loader.SourceFlag, dest loader.DestFlag) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("EXOS")
	binary.Write(&buf, binary.LittleEndian, struct {
		Type, VersionMajor, VersionMinor uint16
		ByteOrder, Machine               uint16
		Reserved                         [4]uint32
	}{})

	var initPayload bytes.Buffer
	binary.Write(&initPayload, binary.LittleEndian, struct {
		EntryPoint     uint32
		CodeBase       uint32
		DataBase       uint32
		HeapRequested  uint32
		StackRequested uint32
	}{EntryPoint: codeBase + 4, CodeBase: codeBase, DataBase: dataBase, HeapRequested: 65536, StackRequested: 4096})
	writeChunk(&buf, "INIT", initPayload.Bytes())

	code := make([]byte, 16)
	binary.LittleEndian.PutUint32(code[4:8], codeBase+0x1000) // a code-relative pointer to patch
	writeChunk(&buf, "CODE", code)

	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[4:8], dataBase+0x2000) // a data-relative pointer to patch
	writeChunk(&buf, "DATA", data)

	var fxup bytes.Buffer
	binary.Write(&fxup, binary.LittleEndian, uint32(1))
	binary.Write(&fxup, binary.LittleEndian, struct {
		SectionFlags uint32
		Address      uint32
	}{SectionFlags: uint32(source) | uint32(dest)<<2, Address: patchAddress})
	writeChunk(&buf, "FXUP", fxup.Bytes())

	// This chunk must never be read: FXUP terminates parsing.
	writeChunk(&buf, "NOTE", []byte("should be ignored"))

	return buf.Bytes()
}

func TestProbeDetectsEXOSSignature(t *testing.T) {
	img := buildImage(t, 0x00400000, 0x00400004)
	kind, err := loader.Probe(bytes.NewReader(img))
	require.NoError(t, err)
	require.Equal(t, "EXOS", kind)
}

func TestProbeRejectsGarbage(t *testing.T) {
	_, err := loader.Probe(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.Error(t, err)
}

func TestLoadEXOSAppliesRelocation(t *testing.T) {
	origBase := uint32(0x00400000)
	img := buildImage(t, origBase, origBase+4)

	loaded, err := loader.LoadEXOS(bytes.NewReader(img), 0x00500000, 0x00600000)
	require.NoError(t, err)

	patched := binary.LittleEndian.Uint32(loaded.Code[4:8])
	require.Equal(t, origBase+0x1000+(0x00500000-origBase), patched)
	require.Equal(t, uint32(0x00500000), loaded.Info.CodeBase)
}

// TestLoadEXOSAppliesDataRelocation covers a FXUP entry whose source and
// dest are both SourceData/DestData, with a code base distinct from the data
// base: the patch offset and delta must both be computed against
// origDataBase, not origCodeBase.
func TestLoadEXOSAppliesDataRelocation(t *testing.T) {
	origCodeBase := uint32(0x00400000)
	origDataBase := uint32(0x10000000)
	img := buildImageWithData(t, origCodeBase, origDataBase, origDataBase+4, loader.SourceData, loader.DestData)

	loaded, err := loader.LoadEXOS(bytes.NewReader(img), 0x00500000, 0x20000000)
	require.NoError(t, err)

	patched := binary.LittleEndian.Uint32(loaded.Data[4:8])
	require.Equal(t, origDataBase+0x2000+(0x20000000-origDataBase), patched)
	require.Equal(t, uint32(0x20000000), loaded.Info.DataBase)

	// The code buffer must be untouched since the FXUP entry targeted data.
	unpatched := binary.LittleEndian.Uint32(loaded.Code[4:8])
	require.Equal(t, origCodeBase+0x1000, unpatched)
}

func TestPeekReportsOriginalDataBase(t *testing.T) {
	origCodeBase := uint32(0x00400000)
	origDataBase := uint32(0x10000000)
	img := buildImageWithData(t, origCodeBase, origDataBase, origDataBase+4, loader.SourceData, loader.DestData)

	info, err := loader.Peek(bytes.NewReader(img))
	require.NoError(t, err)
	require.Equal(t, origCodeBase, info.CodeBase)
	require.Equal(t, origDataBase, info.DataBase)
}

func TestLoadEXOSRejectsDuplicateCode(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("EXOS")
	binary.Write(&buf, binary.LittleEndian, struct {
		Type, VersionMajor, VersionMinor uint16
		ByteOrder, Machine               uint16
		Reserved                         [4]uint32
	}{})
	writeChunk(&buf, "CODE", []byte{1, 2, 3, 4})
	writeChunk(&buf, "CODE", []byte{5, 6, 7, 8})

	_, err := loader.LoadEXOS(bytes.NewReader(buf.Bytes()), 0, 0)
	require.Error(t, err)
}

func TestLoadELFNotImplemented(t *testing.T) {
	_, err := loader.LoadELF(bytes.NewReader(nil))
	require.Error(t, err)
}
