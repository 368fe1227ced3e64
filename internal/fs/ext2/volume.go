package ext2

import (
	"encoding/binary"
	"sync"

	"github.com/exos-project/exos/internal/fs"
	"github.com/exos-project/exos/internal/kernelerr"
)

// Volume owns the superblock, group descriptor table, and raw
// sector/block I/O over a fs.StorageUnit. Every mutation holds mu, the
// simulated stand-in for the global `filesystem` mutex spec.md §5
// names.
type Volume struct {
	mu sync.Mutex

	storage fs.StorageUnit
	super   Superblock
	groups  []GroupDescriptor
}

// OpenVolume reads the superblock and group descriptor table from
// storage.
func OpenVolume(storage fs.StorageUnit) (*Volume, error) {
	v := &Volume{storage: storage}
	if err := v.readSuperblock(); err != nil {
		return nil, err
	}
	if err := v.readGroupDescriptors(); err != nil {
		return nil, err
	}
	return v, nil
}

// FormatVolume writes a fresh, single-group Ext2 filesystem to storage
// and returns an opened Volume over it -- used by tests; cmd/exosctl's
// ext2 tooling only opens existing images with OpenVolume.
func FormatVolume(storage fs.StorageUnit, blockSize uint32, totalBlocks uint32) (*Volume, error) {
	logBlockSize := uint32(0)
	for (1024 << logBlockSize) < blockSize {
		logBlockSize++
	}

	inodesCount := totalBlocks / 4
	if inodesCount == 0 {
		inodesCount = 16
	}

	v := &Volume{
		storage: storage,
		super: Superblock{
			InodesCount:     inodesCount,
			BlocksCount:     totalBlocks,
			FreeBlocksCount: totalBlocks,
			FreeInodesCount: inodesCount,
			FirstDataBlock:  1,
			LogBlockSize:    logBlockSize,
			BlocksPerGroup:  totalBlocks,
			InodesPerGroup:  inodesCount,
			Magic:           magicEXT2,
			InodeSize:       128,
			FirstInode:      11,
		},
	}

	bitmapBlock := v.super.FirstDataBlock + 1 // FirstDataBlock itself holds the group descriptor table
	inodeBitmapBlock := bitmapBlock + 1
	inodeTableBlock := inodeBitmapBlock + 1
	inodeTableBlocks := (inodesCount*uint32(v.super.InodeSize) + v.super.blockSize() - 1) / v.super.blockSize()

	v.groups = []GroupDescriptor{{
		BlockBitmap:     bitmapBlock,
		InodeBitmap:     inodeBitmapBlock,
		InodeTable:      inodeTableBlock,
		FreeBlocksCount: uint16(totalBlocks - (3 + inodeTableBlocks)),
		FreeInodesCount: uint16(inodesCount),
	}}
	v.super.FreeBlocksCount -= 3 + inodeTableBlocks

	zero := make([]byte, v.super.blockSize())
	for b := uint32(0); b < totalBlocks; b++ {
		if err := v.writeBlock(b, zero); err != nil {
			return nil, err
		}
	}

	// Reserve the blocks the layout above already claims.
	usedBitmap := make([]byte, v.super.blockSize())
	for b := uint32(0); b < 3+inodeTableBlocks; b++ {
		usedBitmap[b/8] |= 1 << (b % 8)
	}
	if err := v.writeBlock(bitmapBlock, usedBitmap); err != nil {
		return nil, err
	}

	inodeBitmap := make([]byte, v.super.blockSize())
	// Inodes 1..10 are reserved (ext2 convention); root is inode 2.
	for i := uint32(0); i < 10; i++ {
		inodeBitmap[i/8] |= 1 << (i % 8)
	}
	if err := v.writeBlock(inodeBitmapBlock, inodeBitmap); err != nil {
		return nil, err
	}
	v.super.FreeInodesCount -= 10
	v.groups[0].FreeInodesCount -= 10

	if err := v.flushSuperblock(); err != nil {
		return nil, err
	}
	if err := v.flushGroupDescriptors(); err != nil {
		return nil, err
	}

	return v, v.initRoot()
}

func (v *Volume) initRoot() error {
	root := Inode{Mode: ModeTypeDirectory | permDirectory, LinksCount: 2}
	block, err := v.allocateBlock()
	if err != nil {
		return err
	}

	buf := make([]byte, v.super.blockSize())
	writeDirEntriesInto(buf, []DirEntry{
		{Inode: 2, FileType: EntryTypeDirectory, Name: "."},
		{Inode: 2, FileType: EntryTypeDirectory, Name: ".."},
	})
	if err := v.writeBlock(block, buf); err != nil {
		return err
	}

	root.Block[0] = block
	root.Size = v.super.blockSize()
	root.Blocks = v.super.blockSize() / sectorSize
	return v.writeInode(2, &root)
}

func (v *Volume) sectorsPerBlock() int { return int(v.super.blockSize() / sectorSize) }

func (v *Volume) readBlock(block uint32, buf []byte) error {
	return v.storage.ReadSectors(uint64(block)*uint64(v.sectorsPerBlock()), v.sectorsPerBlock(), buf)
}

func (v *Volume) writeBlock(block uint32, buf []byte) error {
	return v.storage.WriteSectors(uint64(block)*uint64(v.sectorsPerBlock()), v.sectorsPerBlock(), buf)
}

func (v *Volume) readSuperblock() error {
	buf := make([]byte, 1024)
	if err := v.storage.ReadSectors(superblockLBA, 1024/sectorSize, buf); err != nil {
		return err
	}
	v.super = Superblock{
		InodesCount:     binary.LittleEndian.Uint32(buf[0:4]),
		BlocksCount:     binary.LittleEndian.Uint32(buf[4:8]),
		FreeBlocksCount: binary.LittleEndian.Uint32(buf[12:16]),
		FreeInodesCount: binary.LittleEndian.Uint32(buf[16:20]),
		FirstDataBlock:  binary.LittleEndian.Uint32(buf[20:24]),
		LogBlockSize:    binary.LittleEndian.Uint32(buf[24:28]),
		BlocksPerGroup:  binary.LittleEndian.Uint32(buf[32:36]),
		InodesPerGroup:  binary.LittleEndian.Uint32(buf[40:44]),
		Magic:           binary.LittleEndian.Uint16(buf[56:58]),
		InodeSize:       binary.LittleEndian.Uint16(buf[88:90]),
		FirstInode:      binary.LittleEndian.Uint32(buf[84:88]),
	}
	if v.super.Magic != magicEXT2 {
		return errCorrupt("bad superblock magic")
	}
	return nil
}

func (v *Volume) flushSuperblock() error {
	buf := make([]byte, 1024)
	binary.LittleEndian.PutUint32(buf[0:4], v.super.InodesCount)
	binary.LittleEndian.PutUint32(buf[4:8], v.super.BlocksCount)
	binary.LittleEndian.PutUint32(buf[12:16], v.super.FreeBlocksCount)
	binary.LittleEndian.PutUint32(buf[16:20], v.super.FreeInodesCount)
	binary.LittleEndian.PutUint32(buf[20:24], v.super.FirstDataBlock)
	binary.LittleEndian.PutUint32(buf[24:28], v.super.LogBlockSize)
	binary.LittleEndian.PutUint32(buf[32:36], v.super.BlocksPerGroup)
	binary.LittleEndian.PutUint32(buf[40:44], v.super.InodesPerGroup)
	binary.LittleEndian.PutUint16(buf[56:58], v.super.Magic)
	binary.LittleEndian.PutUint16(buf[88:90], v.super.InodeSize)
	binary.LittleEndian.PutUint32(buf[84:88], v.super.FirstInode)
	return v.storage.WriteSectors(superblockLBA, 1024/sectorSize, buf)
}

const groupDescSize = 32

func (v *Volume) readGroupDescriptors() error {
	count := v.super.groupCount()
	block := v.super.FirstDataBlock
	buf := make([]byte, v.super.blockSize())
	if err := v.readBlock(block, buf); err != nil {
		return err
	}
	v.groups = make([]GroupDescriptor, count)
	for i := uint32(0); i < count; i++ {
		off := i * groupDescSize
		v.groups[i] = GroupDescriptor{
			BlockBitmap:     binary.LittleEndian.Uint32(buf[off : off+4]),
			InodeBitmap:     binary.LittleEndian.Uint32(buf[off+4 : off+8]),
			InodeTable:      binary.LittleEndian.Uint32(buf[off+8 : off+12]),
			FreeBlocksCount: binary.LittleEndian.Uint16(buf[off+12 : off+14]),
			FreeInodesCount: binary.LittleEndian.Uint16(buf[off+14 : off+16]),
			UsedDirsCount:   binary.LittleEndian.Uint16(buf[off+16 : off+18]),
		}
	}
	return nil
}

func (v *Volume) flushGroupDescriptors() error {
	block := v.super.FirstDataBlock
	buf := make([]byte, v.super.blockSize())
	for i, g := range v.groups {
		off := uint32(i) * groupDescSize
		binary.LittleEndian.PutUint32(buf[off:off+4], g.BlockBitmap)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], g.InodeBitmap)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], g.InodeTable)
		binary.LittleEndian.PutUint16(buf[off+12:off+14], g.FreeBlocksCount)
		binary.LittleEndian.PutUint16(buf[off+14:off+16], g.FreeInodesCount)
		binary.LittleEndian.PutUint16(buf[off+16:off+18], g.UsedDirsCount)
	}
	return v.writeBlock(block, buf)
}

func (v *Volume) readInode(number uint32) (*Inode, error) {
	group, index := v.inodeLocation(number)
	if int(group) >= len(v.groups) {
		return nil, kernelerr.New(kernelerr.NotFound, "ext2: inode out of range")
	}
	inodesPerBlock := v.super.blockSize() / uint32(v.super.InodeSize)
	block := v.groups[group].InodeTable + index/inodesPerBlock
	offsetInBlock := (index % inodesPerBlock) * uint32(v.super.InodeSize)

	buf := make([]byte, v.super.blockSize())
	if err := v.readBlock(block, buf); err != nil {
		return nil, err
	}
	rec := buf[offsetInBlock : offsetInBlock+128]
	inode := &Inode{
		Mode:         binary.LittleEndian.Uint16(rec[0:2]),
		LinksCount:   binary.LittleEndian.Uint16(rec[26:28]),
		Size:         binary.LittleEndian.Uint32(rec[4:8]),
		Blocks:       binary.LittleEndian.Uint32(rec[28:32]),
		ModifiedTime: binary.LittleEndian.Uint32(rec[16:20]),
	}
	for i := 0; i < 15; i++ {
		inode.Block[i] = binary.LittleEndian.Uint32(rec[40+i*4 : 44+i*4])
	}
	return inode, nil
}

func (v *Volume) writeInode(number uint32, inode *Inode) error {
	group, index := v.inodeLocation(number)
	inodesPerBlock := v.super.blockSize() / uint32(v.super.InodeSize)
	block := v.groups[group].InodeTable + index/inodesPerBlock
	offsetInBlock := (index % inodesPerBlock) * uint32(v.super.InodeSize)

	buf := make([]byte, v.super.blockSize())
	if err := v.readBlock(block, buf); err != nil {
		return err
	}
	rec := buf[offsetInBlock : offsetInBlock+128]
	binary.LittleEndian.PutUint16(rec[0:2], inode.Mode)
	binary.LittleEndian.PutUint32(rec[4:8], inode.Size)
	binary.LittleEndian.PutUint16(rec[26:28], inode.LinksCount)
	binary.LittleEndian.PutUint32(rec[28:32], inode.Blocks)
	binary.LittleEndian.PutUint32(rec[16:20], inode.ModifiedTime)
	for i := 0; i < 15; i++ {
		binary.LittleEndian.PutUint32(rec[40+i*4:44+i*4], inode.Block[i])
	}
	return v.writeBlock(block, buf)
}

func (v *Volume) inodeLocation(number uint32) (group, index uint32) {
	zeroBased := number - 1
	return zeroBased / v.super.InodesPerGroup, zeroBased % v.super.InodesPerGroup
}

func writeDirEntriesInto(buf []byte, entries []DirEntry) {
	offset := 0
	for i, e := range entries {
		size := dirEntryMinSize(len(e.Name))
		if i == len(entries)-1 {
			size = len(buf) - offset
		}
		e.RecLen = uint16(size)
		copy(buf[offset:offset+size], encodeDirEntry(e))
		offset += size
	}
}
