package epk

import (
	"encoding/binary"

	"github.com/exos-project/exos/internal/kernelerr"
)

// ValidateOptions controls the optional security checks of spec.md
// §4.12 step 8.
type ValidateOptions struct {
	VerifyHash       bool
	VerifySignature  bool
	RequireSignature bool
}

// ValidatePackageBuffer implements epk_validate_package_buffer
// (spec.md §4.12). It never returns kernelerr.NoMemory: its storage is
// allocated with make, which reports no allocation failure to the
// caller.
func ValidatePackageBuffer(buf []byte, opts ValidateOptions) (*Package, error) {
	if len(buf) < headerSize {
		return nil, newStatusError(StatusInvalidHeaderSize, "epk: package smaller than header")
	}

	header, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}
	size := uint64(len(buf))

	for _, r := range []region{header.TOC, header.BlockTable, header.Manifest, header.Signature} {
		end, ok := r.end()
		if !ok || end > size {
			return nil, newStatusError(StatusInvalidBounds, "epk: region overflows package")
		}
	}

	if !(header.TOC.Offset >= headerSize &&
		uint64(header.TOC.Offset) <= uint64(header.BlockTable.Offset) &&
		header.BlockTable.Offset < header.Manifest.Offset &&
		header.Manifest.Offset <= header.Signature.Offset &&
		uint64(header.Signature.Offset) <= size) {
		return nil, newStatusError(StatusInvalidSectionOrder, "epk: section ordering violated")
	}

	hasSignatureFlag := header.Flags&FlagHasSignature != 0
	if hasSignatureFlag != (header.Signature.Size != 0) {
		return nil, newStatusError(StatusInvalidEntryFormat, "epk: HAS_SIGNATURE flag inconsistent with signature size")
	}

	entries, err := parseTOC(buf, header.TOC)
	if err != nil {
		return nil, err
	}

	blocks, err := parseBlockTable(buf, header.BlockTable, size)
	if err != nil {
		return nil, err
	}

	if err := crossCheckEntries(entries, blocks, size); err != nil {
		return nil, err
	}

	pkg := &Package{Header: header, Entries: entries, Blocks: blocks, buf: buf}

	if opts.RequireSignature && !hasSignatureFlag {
		return nil, kernelerr.New(kernelerr.Permission, "epk: signature required but absent")
	}
	if opts.VerifyHash {
		if err := verifyPackageHash(buf, header); err != nil {
			return nil, err
		}
	}
	if opts.VerifySignature && hasSignatureFlag {
		if err := verifySignature(buf, header); err != nil {
			return nil, err
		}
	}

	return pkg, nil
}

const tocEntryMinSize = 96

func parseTOC(buf []byte, toc region) ([]Entry, error) {
	if toc.Size < 8 {
		return nil, newStatusError(StatusInvalidTableFormat, "epk: TOC too small")
	}
	tocBuf := buf[toc.Offset : toc.Offset+toc.Size]

	entryCount := binary.LittleEndian.Uint32(tocBuf[0:4])
	reserved := binary.LittleEndian.Uint32(tocBuf[4:8])
	if reserved != 0 {
		return nil, newStatusError(StatusInvalidTableFormat, "epk: TOC header reserved field not zero")
	}

	entries := make([]Entry, 0, entryCount)
	offset := uint32(8)
	for i := uint32(0); i < entryCount; i++ {
		if offset+tocEntryMinSize > toc.Size {
			return nil, newStatusError(StatusInvalidEntryFormat, "epk: TOC entry overruns table")
		}
		rec := tocBuf[offset:]

		entrySize := binary.LittleEndian.Uint32(rec[0:4])
		if entrySize < tocEntryMinSize || offset+entrySize > toc.Size {
			return nil, newStatusError(StatusInvalidEntryFormat, "epk: TOC entry size invalid")
		}

		nodeType := NodeType(rec[4])
		flags := EntryFlags(binary.LittleEndian.Uint32(rec[8:12]))
		if flags&^knownEntryFlagsMask != 0 {
			return nil, newStatusError(StatusUnsupportedFlags, "epk: unknown entry flags")
		}
		pathLength := binary.LittleEndian.Uint16(rec[12:14])
		aliasLength := binary.LittleEndian.Uint16(rec[14:16])
		permissions := binary.LittleEndian.Uint32(rec[16:20])
		modifiedTime := binary.LittleEndian.Uint32(rec[20:24])
		fileSize := binary.LittleEndian.Uint32(rec[24:28])
		inline := region{binary.LittleEndian.Uint32(rec[28:32]), binary.LittleEndian.Uint32(rec[32:36])}
		blockIndexStart := binary.LittleEndian.Uint32(rec[36:40])
		blockCount := binary.LittleEndian.Uint32(rec[40:44])
		var fileHash [32]byte
		copy(fileHash[:], rec[44:76])

		if pathLength == 0 {
			return nil, newStatusError(StatusInvalidEntryFormat, "epk: zero-length path")
		}
		if uint32(tocEntryMinSize)+uint32(pathLength)+uint32(aliasLength) != entrySize {
			return nil, newStatusError(StatusInvalidEntryFormat, "epk: path+alias length mismatch with entry_size")
		}

		namesOffset := tocEntryMinSize
		path := string(rec[namesOffset : namesOffset+int(pathLength)])
		aliasTarget := string(rec[namesOffset+int(pathLength) : namesOffset+int(pathLength)+int(aliasLength)])

		if err := validateNodeTypeConstraints(nodeType, flags, fileSize, blockCount, inline.Size, aliasLength); err != nil {
			return nil, err
		}

		entries = append(entries, Entry{
			NodeType:        nodeType,
			Flags:           flags,
			Permissions:     permissions,
			ModifiedTime:    modifiedTime,
			FileSize:        fileSize,
			InlineData:      inline,
			BlockIndexStart: blockIndexStart,
			BlockCount:      blockCount,
			FileHash:        fileHash,
			Path:            path,
			AliasTarget:     aliasTarget,
		})

		offset += entrySize
	}

	return entries, nil
}

// validateNodeTypeConstraints enforces spec.md §4.12 step 5's table.
func validateNodeTypeConstraints(nodeType NodeType, flags EntryFlags, fileSize, blockCount, inlineSize uint32, aliasLen uint16) error {
	switch nodeType {
	case NodeFolder:
		if flags&(EntryHasInlineData|EntryHasBlocks|EntryHasAliasTarget) != 0 {
			return newStatusError(StatusInvalidEntryFormat, "epk: FOLDER entry carries forbidden flags")
		}
		if fileSize != 0 || blockCount != 0 || inlineSize != 0 || aliasLen != 0 {
			return newStatusError(StatusInvalidEntryFormat, "epk: FOLDER entry has non-zero size fields")
		}

	case NodeFile:
		hasInline := flags&EntryHasInlineData != 0
		hasBlocks := flags&EntryHasBlocks != 0
		if hasInline == hasBlocks {
			return newStatusError(StatusInvalidEntryFormat, "epk: FILE entry must set exactly one of INLINE, BLOCKS")
		}
		if flags&EntryHasAliasTarget != 0 {
			return newStatusError(StatusInvalidEntryFormat, "epk: FILE entry carries forbidden ALIAS flag")
		}
		if hasInline && inlineSize == 0 {
			return newStatusError(StatusInvalidEntryFormat, "epk: INLINE FILE entry has zero inline size")
		}
		if hasBlocks && blockCount == 0 {
			return newStatusError(StatusInvalidEntryFormat, "epk: BLOCKS FILE entry has zero block count")
		}
		if aliasLen != 0 {
			return newStatusError(StatusInvalidEntryFormat, "epk: FILE entry has non-zero alias length")
		}

	case NodeFolderAlias:
		if flags&EntryHasAliasTarget == 0 {
			return newStatusError(StatusInvalidEntryFormat, "epk: FOLDER_ALIAS entry missing ALIAS flag")
		}
		if flags&(EntryHasInlineData|EntryHasBlocks) != 0 {
			return newStatusError(StatusInvalidEntryFormat, "epk: FOLDER_ALIAS entry carries forbidden flags")
		}
		if fileSize != 0 || blockCount != 0 || inlineSize != 0 {
			return newStatusError(StatusInvalidEntryFormat, "epk: FOLDER_ALIAS entry has non-zero size fields")
		}
		if aliasLen == 0 {
			return newStatusError(StatusInvalidEntryFormat, "epk: FOLDER_ALIAS entry has zero alias length")
		}

	default:
		return newStatusError(StatusInvalidEntryFormat, "epk: unknown node type")
	}
	return nil
}

const blockEntrySize = 48

func parseBlockTable(buf []byte, bt region, packageSize uint64) ([]BlockEntry, error) {
	if bt.Size%blockEntrySize != 0 {
		return nil, newStatusError(StatusInvalidTableFormat, "epk: block_table_size not a multiple of 48")
	}
	count := bt.Size / blockEntrySize
	blocks := make([]BlockEntry, 0, count)

	btBuf := buf[bt.Offset : bt.Offset+bt.Size]
	for i := uint32(0); i < count; i++ {
		rec := btBuf[i*blockEntrySize:]
		compressed := region{binary.LittleEndian.Uint32(rec[0:4]), binary.LittleEndian.Uint32(rec[4:8])}
		uncompressedSize := binary.LittleEndian.Uint32(rec[8:12])
		method := CompressionMethod(binary.LittleEndian.Uint32(rec[12:16]))
		reserved0 := binary.LittleEndian.Uint32(rec[16:20])
		reserved1 := binary.LittleEndian.Uint32(rec[20:24])
		var chunkHash [32]byte
		copy(chunkHash[:], rec[24:48])

		if reserved0 != 0 || reserved1 != 0 {
			return nil, newStatusError(StatusInvalidEntryFormat, "epk: block entry reserved fields not zero")
		}
		if method != MethodNone && method != MethodZlib {
			return nil, newStatusError(StatusInvalidEntryFormat, "epk: unknown block compression method")
		}
		if compressed.Size == 0 || uncompressedSize == 0 {
			return nil, newStatusError(StatusInvalidEntryFormat, "epk: block entry has zero size")
		}
		end, ok := compressed.end()
		if !ok || end > packageSize {
			return nil, newStatusError(StatusInvalidBounds, "epk: block entry exceeds package size")
		}

		blocks = append(blocks, BlockEntry{
			Compressed:       compressed,
			UncompressedSize: uncompressedSize,
			Method:           method,
			ChunkHash:        chunkHash,
		})
	}
	return blocks, nil
}

// crossCheckEntries implements spec.md §4.12 step 7.
func crossCheckEntries(entries []Entry, blocks []BlockEntry, packageSize uint64) error {
	for _, e := range entries {
		if e.Flags&EntryHasBlocks != 0 {
			if uint64(e.BlockIndexStart)+uint64(e.BlockCount) > uint64(len(blocks)) {
				return newStatusError(StatusInvalidEntryFormat, "epk: FILE block range exceeds block table")
			}
		}
		if e.Flags&EntryHasInlineData != 0 {
			end, ok := e.InlineData.end()
			if !ok || end > packageSize {
				return newStatusError(StatusInvalidBounds, "epk: FILE inline data exceeds package size")
			}
		}
	}
	return nil
}
