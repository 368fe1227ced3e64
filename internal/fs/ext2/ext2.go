// Package ext2 implements C11: the classic Ext2 on-disk layout with
// direct/indirect block trees, grounded on
// original_source/kernel/drivers/FileSystem/EXT2Driver.c and
// original_source/kernel/include/FileSystem.h.
package ext2

import (
	"encoding/binary"

	"github.com/exos-project/exos/internal/fs"
	"github.com/exos-project/exos/internal/kernelerr"
)

const (
	sectorSize   = 512
	magicEXT2    = 0xEF53
	superblockLBA = 2 // byte offset 1024 / 512

	// Inode.Block indices for indirection levels (spec.md §4.11).
	directBlocks  = 12
	singleIndirect = 12
	doubleIndirect = 13
	tripleIndirect = 15 - 1 // 14
)

const (
	ModeTypeDirectory uint16 = 0x4000
	ModeTypeRegular   uint16 = 0x8000

	permDirectory = 0x1ED // rwxr-xr-x
	permFile      = 0x1A4 // rw-r--r--
)

const (
	EntryTypeRegular   uint8 = 1
	EntryTypeDirectory uint8 = 2
)

// Superblock is the classic Ext2 superblock, trimmed to the fields this
// driver needs.
type Superblock struct {
	InodesCount      uint32
	BlocksCount      uint32
	FreeBlocksCount  uint32
	FreeInodesCount  uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	BlocksPerGroup   uint32
	InodesPerGroup   uint32
	Magic            uint16
	InodeSize        uint16
	FirstInode       uint32
}

func (sb *Superblock) blockSize() uint32 { return 1024 << sb.LogBlockSize }

func (sb *Superblock) groupCount() uint32 {
	return (sb.BlocksCount + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
}

// GroupDescriptor is one block group's bookkeeping record.
type GroupDescriptor struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
}

// Inode is the on-disk inode record, trimmed to this driver's needs.
type Inode struct {
	Mode        uint16
	LinksCount  uint16
	Size        uint32
	Blocks      uint32 // count of 512-byte sectors, ext2 convention
	Block       [15]uint32
	ModifiedTime uint32
}

func (i *Inode) IsDirectory() bool { return i.Mode&ModeTypeDirectory != 0 }

// DirEntry is one directory record.
type DirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
}

func encodeDirEntry(e DirEntry) []byte {
	buf := make([]byte, e.RecLen)
	binary.LittleEndian.PutUint32(buf[0:4], e.Inode)
	binary.LittleEndian.PutUint16(buf[4:6], e.RecLen)
	buf[6] = e.NameLen
	buf[7] = e.FileType
	copy(buf[8:8+len(e.Name)], e.Name)
	return buf
}

func decodeDirEntry(buf []byte) DirEntry {
	nameLen := buf[6]
	return DirEntry{
		Inode:    binary.LittleEndian.Uint32(buf[0:4]),
		RecLen:   binary.LittleEndian.Uint16(buf[4:6]),
		NameLen:  nameLen,
		FileType: buf[7],
		Name:     string(buf[8 : 8+int(nameLen)]),
	}
}

func align4(n int) int { return (n + 3) &^ 3 }

func dirEntryMinSize(nameLen int) int { return 8 + align4(nameLen) }

var errCorrupt = func(why string) error {
	return kernelerr.New(kernelerr.IO, "ext2: corrupt filesystem: "+why)
}

var _ fs.Driver = (*Driver)(nil)
