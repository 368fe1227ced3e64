// Package loader implements C10: the EXOS chunked executable format and
// its FXUP relocation fixups, grounded on
// original_source/kernel/source/Executable.c and
// original_source/kernel/include/Executable.h.
package loader

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/exos-project/exos/internal/kernelerr"
)

// Chunk ids, big-endian in the file (spec.md §4.10).
var (
	chunkINIT = [4]byte{'I', 'N', 'I', 'T'}
	chunkCODE = [4]byte{'C', 'O', 'D', 'E'}
	chunkDATA = [4]byte{'D', 'A', 'T', 'A'}
	chunkFXUP = [4]byte{'F', 'X', 'U', 'P'}
)

var ignorableChunks = map[[4]byte]bool{
	{'N', 'O', 'T', 'E'}: true, {'T', 'I', 'M', 'E'}: true, {'S', 'E', 'C', 'U'}: true,
	{'V', 'E', 'R', 'S'}: true, {'M', 'E', 'N', 'U'}: true, {'D', 'L', 'O', 'G'}: true,
	{'I', 'C', 'O', 'N'}: true, {'B', 'T', 'M', 'P'}: true, {'W', 'A', 'V', 'E'}: true,
	{'D', 'B', 'U', 'G'}: true, {'U', 'S', 'E', 'R'}: true, {'E', 'X', 'P', 'T'}: true,
	{'I', 'M', 'P', 'T'}: true, {'R', 'S', 'R', 'C'}: true, {'S', 'T', 'A', 'K'}: true,
}

var exosSignature = [4]byte{'E', 'X', 'O', 'S'}

const elfSignature = 0x464C457F

// SourceFlag and DestFlag identify which section an FXUP entry patches
// and which base it relocates relative to (spec.md §4.10).
type SourceFlag uint32

const (
	SourceCode SourceFlag = 1 << 0
	SourceData SourceFlag = 1 << 1
)

type DestFlag uint32

const (
	DestCode DestFlag = 1 << 0
	DestData DestFlag = 1 << 1
)

// FixupEntry is one FXUP relocation (spec.md §4.10).
type FixupEntry struct {
	SectionFlags uint32
	Address      uint32
}

func (e FixupEntry) source() SourceFlag { return SourceFlag(e.SectionFlags & 0x3) }
func (e FixupEntry) dest() DestFlag     { return DestFlag((e.SectionFlags >> 2) & 0x3) }

// InitParameters mirrors the INIT chunk's execution parameters
// (original_source/kernel/include/ExecutableEXOS.h's EXOSCHUNK_INIT,
// trimmed to the fields this loader actually needs: CodeSize/DataSize
// come from the CODE/DATA chunks themselves, and the Minimum variants
// are unused by any spec.md operation).
type InitParameters struct {
	EntryPoint     uint32
	CodeBase       uint32
	DataBase       uint32
	HeapRequested  uint32
	StackRequested uint32
}

// ExecutableInfo is what internal/proc's create_process needs from the
// loader before it can reserve process address space (spec.md §4.9 step
// 1).
type ExecutableInfo struct {
	EntryPoint     uint32
	CodeBase       uint32
	CodeSize       uint32
	DataBase       uint32
	DataSize       uint32
	HeapRequested  uint32
	StackRequested uint32
}

// LoadedImage is the result of LoadExecutable: relocated code and data
// ready to be copied into a process's address space.
type LoadedImage struct {
	Info   ExecutableInfo
	Code   []byte
	Data   []byte
	Relocs []FixupEntry

	// origCodeBase/origDataBase retain the file's own declared bases so
	// Peek can report them after LoadEXOS overwrites Info.CodeBase/DataBase
	// with the caller's placement.
	origCodeBase uint32
	origDataBase uint32
}

type chunkHeader struct {
	ID   [4]byte
	Size uint32
}

// Probe reads the 4-byte signature at the start of r and reports which
// loader should handle the image (spec.md §4.10: "loader chooses by
// 4-byte signature").
func Probe(r io.Reader) (string, error) {
	var sig [4]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return "", kernelerr.Wrap(err, kernelerr.IO, "loader: reading signature")
	}
	if sig == exosSignature {
		return "EXOS", nil
	}
	if binary.LittleEndian.Uint32(sig[:]) == elfSignature {
		return "ELF", nil
	}
	return "", kernelerr.New(kernelerr.InvalidArgument, "loader: unrecognized executable signature")
}

// LoadELF always fails: ELF is a recognized signature with no
// implementation in this release (spec.md §4.10: "ELF slot returns
// 'not implemented'").
func LoadELF(r io.Reader) (*LoadedImage, error) {
	return nil, kernelerr.New(kernelerr.NotImplemented, "loader: ELF format not implemented")
}

// Peek reads just enough of an EXOS image (the INIT/CODE/DATA chunks) to
// report ExecutableInfo in its original, unrelocated form -- the "read
// header" half of spec.md §4.9 create_process step 1, before the caller
// has reserved process address space and knows the real placement to
// pass to LoadEXOS.
func Peek(r io.Reader) (ExecutableInfo, error) {
	img, err := LoadEXOS(r, 0, 0)
	if err != nil {
		return ExecutableInfo{}, err
	}
	// LoadEXOS always overwrites Info.CodeBase/DataBase with the
	// newCodeBase/newDataBase it was given; since Peek passes 0 for both,
	// undo that so callers see the file's own declared bases.
	img.Info.CodeBase = img.origCodeBase
	img.Info.DataBase = img.origDataBase
	return img.Info, nil
}

// LoadEXOS parses an EXOS chunked image, applying FXUP relocations using
// newCodeBase/newDataBase as the image's final placement (spec.md
// §4.10).
func LoadEXOS(r io.Reader, newCodeBase, newDataBase uint32) (*LoadedImage, error) {
	var sig [4]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return nil, kernelerr.Wrap(err, kernelerr.IO, "loader: reading signature")
	}
	if sig != exosSignature {
		return nil, kernelerr.New(kernelerr.InvalidArgument, "loader: bad EXOS signature")
	}

	var header struct {
		Type, VersionMajor, VersionMinor uint16
		ByteOrder, Machine               uint16
		Reserved                         [4]uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, kernelerr.Wrap(err, kernelerr.IO, "loader: reading header")
	}

	img := &LoadedImage{}
	var haveCode, haveData, haveInit bool
	var origCodeBase, origDataBase uint32

	for {
		var ch chunkHeader
		if err := binary.Read(r, binary.BigEndian, &ch.ID); err != nil {
			if err == io.EOF {
				break
			}
			return nil, kernelerr.Wrap(err, kernelerr.IO, "loader: reading chunk id")
		}
		if err := binary.Read(r, binary.LittleEndian, &ch.Size); err != nil {
			return nil, kernelerr.Wrap(err, kernelerr.IO, "loader: reading chunk size")
		}

		payload := make([]byte, ch.Size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, kernelerr.Wrap(err, kernelerr.IO, "loader: truncated chunk")
		}

		switch ch.ID {
		case chunkINIT:
			if haveInit {
				return nil, kernelerr.New(kernelerr.InvalidArgument, "loader: duplicate INIT chunk")
			}
			haveInit = true
			var p InitParameters
			if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &p); err != nil {
				return nil, kernelerr.Wrap(err, kernelerr.IO, "loader: reading INIT chunk")
			}
			img.Info.EntryPoint = p.EntryPoint
			img.Info.CodeBase = p.CodeBase
			img.Info.DataBase = p.DataBase
			origCodeBase = p.CodeBase
			origDataBase = p.DataBase
			img.Info.HeapRequested = p.HeapRequested
			img.Info.StackRequested = p.StackRequested

		case chunkCODE:
			if haveCode {
				return nil, kernelerr.New(kernelerr.InvalidArgument, "loader: duplicate CODE chunk")
			}
			haveCode = true
			img.Code = payload
			img.Info.CodeSize = ch.Size

		case chunkDATA:
			if haveData {
				return nil, kernelerr.New(kernelerr.InvalidArgument, "loader: duplicate DATA chunk")
			}
			haveData = true
			img.Data = payload
			img.Info.DataSize = ch.Size

		case chunkFXUP:
			relocs, err := parseFixups(payload)
			if err != nil {
				return nil, err
			}
			img.Relocs = relocs
			img.origCodeBase = origCodeBase
			img.origDataBase = origDataBase
			// FXUP terminates parsing (spec.md §4.10).
			applyFixups(img, relocs, origCodeBase, origDataBase, newCodeBase, newDataBase)
			img.Info.CodeBase = newCodeBase
			img.Info.DataBase = newDataBase
			return img, nil

		default:
			if !ignorableChunks[ch.ID] {
				// Unknown but not in the documented ignorable set: still
				// ignored, matching "ignorable tags" being a non-exhaustive
				// forward-compatibility allowance rather than a strict list.
				continue
			}
		}
	}

	img.origCodeBase = origCodeBase
	img.origDataBase = origDataBase
	img.Info.CodeBase = newCodeBase
	img.Info.DataBase = newDataBase
	return img, nil
}

func parseFixups(payload []byte) ([]FixupEntry, error) {
	r := bytes.NewReader(payload)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, kernelerr.Wrap(err, kernelerr.IO, "loader: reading FXUP count")
	}
	entries := make([]FixupEntry, count)
	for i := range entries {
		if err := binary.Read(r, binary.LittleEndian, &entries[i]); err != nil {
			return nil, kernelerr.Wrap(err, kernelerr.IO, "loader: reading FXUP entry")
		}
	}
	return entries, nil
}

// applyFixups patches each relocation's 32-bit word in place, adding the
// delta between the new and original base of whichever section the
// entry's destination flag names (spec.md §4.10).
func applyFixups(img *LoadedImage, entries []FixupEntry, origCodeBase, origDataBase, newCodeBase, newDataBase uint32) {
	for _, e := range entries {
		var buf []byte
		var patchOffset uint32
		switch e.source() {
		case SourceCode:
			buf = img.Code
			patchOffset = e.Address - origCodeBase
		case SourceData:
			buf = img.Data
			patchOffset = e.Address - origDataBase
		default:
			continue
		}
		if buf == nil || int(patchOffset)+4 > len(buf) {
			continue
		}

		var delta uint32
		switch e.dest() {
		case DestCode:
			delta = newCodeBase - origCodeBase
		case DestData:
			delta = newDataBase - origDataBase
		default:
			continue
		}

		current := binary.LittleEndian.Uint32(buf[patchOffset : patchOffset+4])
		binary.LittleEndian.PutUint32(buf[patchOffset:patchOffset+4], current+delta)
	}
}
