package epk

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"

	"github.com/exos-project/exos/internal/kernelerr"
)

// BuildEntry is one file, folder, or folder-alias node to place in a new
// package, mirroring the TOC record epk_pack.c's ScanDirectory/WriteToc
// pair assembles (original_source/tools/source/package/epk_pack.c).
// Only the inline-data path is supported: block-compressed packing is a
// DESIGN.md-documented limitation of this release's packer.
type BuildEntry struct {
	NodeType     NodeType
	Path         string
	AliasTarget  string // NodeFolderAlias only
	Permissions  uint32
	ModifiedTime uint32
	Data         []byte // NodeFile only, stored inline
}

// BuildOptions controls signing. A nil PrivateKey produces an unsigned
// package (HeaderFlags without FlagHasSignature).
type BuildOptions struct {
	PrivateKey ed25519.PrivateKey
}

const detachedSignatureHeaderSize = 12

// Build serializes entries into a complete, self-consistent EPK image:
// header, TOC (inline data only), an empty block table, an empty
// manifest, an optional detached Ed25519 signature, and the inline file
// payloads, in that order -- the same section order ValidatePackageBuffer
// expects (spec.md §4.12 step 8: "hash covers everything except the
// excised signature region").
func Build(entries []BuildEntry, opts BuildOptions) ([]byte, error) {
	tocBody, inlinePayloads, err := encodeTOC(entries)
	if err != nil {
		return nil, err
	}

	tocOffset := uint32(headerSize)
	tocSize := uint32(len(tocBody))
	blockTableOffset := tocOffset + tocSize
	// ValidatePackageBuffer requires BlockTable.Offset < Manifest.Offset
	// strictly, even when the block table is empty, so a one-byte pad
	// separates the two when both regions carry zero size.
	manifestOffset := blockTableOffset + 1
	signatureOffset := manifestOffset // empty manifest, Manifest.Offset <= Signature.Offset is allowed

	signing := opts.PrivateKey != nil
	var signatureSize uint32
	if signing {
		signatureSize = detachedSignatureHeaderSize + ed25519.PublicKeySize + ed25519.SignatureSize
	}
	inlineDataOffset := signatureOffset + signatureSize

	totalSize := inlineDataOffset
	for i := range inlinePayloads {
		inlinePayloads[i].placedOffset = totalSize
		totalSize += uint32(len(inlinePayloads[i].data))
	}

	buf := make([]byte, totalSize)
	copy(buf[tocOffset:], tocBody)
	for _, p := range inlinePayloads {
		copy(buf[p.placedOffset:], p.data)
		binary.LittleEndian.PutUint32(buf[tocOffset+p.entryOffset+28:], p.placedOffset)
	}

	header := Header{
		Magic:        magic,
		VersionMajor: versionMajor,
		VersionMinor: versionMinor,
		HeaderSize:   headerSize,
		TOC:          region{tocOffset, tocSize},
		BlockTable:   region{blockTableOffset, 0},
		Manifest:     region{manifestOffset, 0},
		Signature:    region{signatureOffset, signatureSize},
	}
	if signing {
		header.Flags |= FlagHasSignature
	}
	encodeHeader(header, buf)

	hash := packageHashOf(buf, header)
	header.PackageHash = hash
	encodeHeader(header, buf)

	if signing {
		sig := ed25519.Sign(opts.PrivateKey, hash[:])
		pub := opts.PrivateKey.Public().(ed25519.PublicKey)
		sigBuf := buf[signatureOffset : signatureOffset+signatureSize]
		binary.LittleEndian.PutUint32(sigBuf[0:4], detachedSignatureMagic)
		binary.LittleEndian.PutUint32(sigBuf[4:8], signatureVersion)
		binary.LittleEndian.PutUint32(sigBuf[8:12], uint32(AlgorithmEd25519))
		copy(sigBuf[12:12+ed25519.PublicKeySize], pub)
		copy(sigBuf[12+ed25519.PublicKeySize:], sig)
	}

	return buf, nil
}

// packageHashOf replicates verifyPackageHash's prefix+tail algorithm so
// Build and ValidatePackageBuffer agree on what gets hashed.
func packageHashOf(buf []byte, header Header) [32]byte {
	h := sha256.New()
	prefix := make([]byte, header.Signature.Offset)
	copy(prefix, buf[:header.Signature.Offset])
	for i := 48; i < 80 && i < len(prefix); i++ {
		prefix[i] = 0
	}
	h.Write(prefix)
	tailStart := uint64(header.Signature.Offset) + uint64(header.Signature.Size)
	if tailStart < uint64(len(buf)) {
		h.Write(buf[tailStart:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func encodeHeader(h Header, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.VersionMajor)
	binary.LittleEndian.PutUint16(buf[6:8], h.VersionMinor)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Flags))
	binary.LittleEndian.PutUint32(buf[12:16], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.TOC.Offset)
	binary.LittleEndian.PutUint32(buf[20:24], h.TOC.Size)
	binary.LittleEndian.PutUint32(buf[24:28], h.BlockTable.Offset)
	binary.LittleEndian.PutUint32(buf[28:32], h.BlockTable.Size)
	binary.LittleEndian.PutUint32(buf[32:36], h.Manifest.Offset)
	binary.LittleEndian.PutUint32(buf[36:40], h.Manifest.Size)
	binary.LittleEndian.PutUint32(buf[40:44], h.Signature.Offset)
	binary.LittleEndian.PutUint32(buf[44:48], h.Signature.Size)
	copy(buf[48:80], h.PackageHash[:])
	// buf[80:128] (reserved + name table, unused by this release) stays zero.
}

type inlinePayload struct {
	entryOffset  uint32 // byte offset of this entry's record within the TOC body
	placedOffset uint32 // absolute offset once laid out after the signature region
	data         []byte
}

// encodeTOC lays out every entry's 96-byte fixed record plus its
// variable-length path/alias suffix, matching parseTOC's expectations.
func encodeTOC(entries []BuildEntry) ([]byte, []inlinePayload, error) {
	var body []byte
	body = append(body, make([]byte, 8)...) // entry_count, reserved
	binary.LittleEndian.PutUint32(body[0:4], uint32(len(entries)))

	var payloads []inlinePayload

	for _, e := range entries {
		if e.Path == "" {
			return nil, nil, kernelerr.New(kernelerr.InvalidArgument, "epk: build entry with empty path")
		}
		pathBytes := []byte(e.Path)
		aliasBytes := []byte(e.AliasTarget)
		entrySize := uint32(tocEntryMinSize) + uint32(len(pathBytes)) + uint32(len(aliasBytes))

		rec := make([]byte, entrySize)
		binary.LittleEndian.PutUint32(rec[0:4], entrySize)
		rec[4] = byte(e.NodeType)

		var flags EntryFlags
		var fileSize uint32
		switch e.NodeType {
		case NodeFile:
			flags = EntryHasInlineData
			fileSize = uint32(len(e.Data))
		case NodeFolderAlias:
			flags = EntryHasAliasTarget
		case NodeFolder:
			// no flags
		default:
			return nil, nil, kernelerr.New(kernelerr.InvalidArgument, "epk: unknown build entry node type")
		}
		binary.LittleEndian.PutUint32(rec[8:12], uint32(flags))
		binary.LittleEndian.PutUint16(rec[12:14], uint16(len(pathBytes)))
		binary.LittleEndian.PutUint16(rec[14:16], uint16(len(aliasBytes)))
		binary.LittleEndian.PutUint32(rec[16:20], e.Permissions)
		binary.LittleEndian.PutUint32(rec[20:24], e.ModifiedTime)
		binary.LittleEndian.PutUint32(rec[24:28], fileSize)
		// rec[28:32] (inline offset) is patched in once the payload is
		// placed; rec[32:36] (inline size) is set here.
		if e.NodeType == NodeFile {
			binary.LittleEndian.PutUint32(rec[32:36], uint32(len(e.Data)))
		}
		copy(rec[96:96+len(pathBytes)], pathBytes)
		copy(rec[96+len(pathBytes):], aliasBytes)

		entryOffset := uint32(len(body))
		body = append(body, rec...)

		if e.NodeType == NodeFile {
			payloads = append(payloads, inlinePayload{entryOffset: entryOffset, data: e.Data})
		}
	}

	return body, payloads, nil
}
