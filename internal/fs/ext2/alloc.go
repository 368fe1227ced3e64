package ext2

import "github.com/exos-project/exos/internal/kernelerr"

// allocateBlock implements spec.md §4.11's allocate_block: scan groups
// in order, find the first clear bit in the first group with free
// blocks, zero-fill the new block, and persist every touched structure.
func (v *Volume) allocateBlock() (uint32, error) {
	for g := range v.groups {
		if v.groups[g].FreeBlocksCount == 0 {
			continue
		}

		bitmap := make([]byte, v.super.blockSize())
		if err := v.readBlock(v.groups[g].BlockBitmap, bitmap); err != nil {
			return 0, err
		}

		bit := firstClearBit(bitmap, int(v.super.BlocksPerGroup))
		if bit < 0 {
			continue
		}

		bitmap[bit/8] |= 1 << (bit % 8)
		if err := v.writeBlock(v.groups[g].BlockBitmap, bitmap); err != nil {
			return 0, err
		}

		v.groups[g].FreeBlocksCount--
		v.super.FreeBlocksCount--
		if err := v.flushGroupDescriptors(); err != nil {
			return 0, err
		}
		if err := v.flushSuperblock(); err != nil {
			return 0, err
		}

		absolute := v.super.FirstDataBlock + uint32(g)*v.super.BlocksPerGroup + uint32(bit)
		zero := make([]byte, v.super.blockSize())
		if err := v.writeBlock(absolute, zero); err != nil {
			// Roll back: the bitmap bit is already persisted, but an
			// unzeroed block must not be handed out as allocated.
			bitmap[bit/8] &^= 1 << (bit % 8)
			_ = v.writeBlock(v.groups[g].BlockBitmap, bitmap)
			v.groups[g].FreeBlocksCount++
			v.super.FreeBlocksCount++
			_ = v.flushGroupDescriptors()
			_ = v.flushSuperblock()
			return 0, err
		}
		return absolute, nil
	}
	return 0, kernelerr.New(kernelerr.NoMemory, "ext2: no free blocks")
}

// freeBlock implements spec.md §4.11's free_block. Freeing an
// already-free block is a no-op.
func (v *Volume) freeBlock(absolute uint32) error {
	rel := absolute - v.super.FirstDataBlock
	g := rel / v.super.BlocksPerGroup
	bit := int(rel % v.super.BlocksPerGroup)
	if int(g) >= len(v.groups) {
		return kernelerr.New(kernelerr.InvalidArgument, "ext2: block out of range")
	}

	bitmap := make([]byte, v.super.blockSize())
	if err := v.readBlock(v.groups[g].BlockBitmap, bitmap); err != nil {
		return err
	}
	if bitmap[bit/8]&(1<<(bit%8)) == 0 {
		return nil
	}
	bitmap[bit/8] &^= 1 << (bit % 8)
	if err := v.writeBlock(v.groups[g].BlockBitmap, bitmap); err != nil {
		return err
	}

	v.groups[g].FreeBlocksCount++
	v.super.FreeBlocksCount++
	if err := v.flushGroupDescriptors(); err != nil {
		return err
	}
	return v.flushSuperblock()
}

// allocateInode implements spec.md §4.11's allocate_inode(directory?).
func (v *Volume) allocateInode(directory bool) (uint32, error) {
	for g := range v.groups {
		if v.groups[g].FreeInodesCount == 0 {
			continue
		}

		bitmap := make([]byte, v.super.blockSize())
		if err := v.readBlock(v.groups[g].InodeBitmap, bitmap); err != nil {
			return 0, err
		}

		bit := firstClearBit(bitmap, int(v.super.InodesPerGroup))
		if bit < 0 {
			continue
		}

		bitmap[bit/8] |= 1 << (bit % 8)
		if err := v.writeBlock(v.groups[g].InodeBitmap, bitmap); err != nil {
			return 0, err
		}

		v.groups[g].FreeInodesCount--
		v.super.FreeInodesCount--
		if directory {
			v.groups[g].UsedDirsCount++
		}
		if err := v.flushGroupDescriptors(); err != nil {
			return 0, err
		}
		if err := v.flushSuperblock(); err != nil {
			return 0, err
		}

		number := uint32(g)*v.super.InodesPerGroup + uint32(bit) + 1

		inode := Inode{}
		if directory {
			inode.Mode = ModeTypeDirectory | permDirectory
			inode.LinksCount = 2
		} else {
			inode.Mode = ModeTypeRegular | permFile
			inode.LinksCount = 1
		}
		if err := v.writeInode(number, &inode); err != nil {
			return 0, err
		}
		return number, nil
	}
	return 0, kernelerr.New(kernelerr.NoMemory, "ext2: no free inodes")
}

// freeInode implements spec.md §4.11's free_inode.
func (v *Volume) freeInode(number uint32) error {
	group, index := v.inodeLocation(number)
	if int(group) >= len(v.groups) {
		return kernelerr.New(kernelerr.InvalidArgument, "ext2: inode out of range")
	}
	bit := int(index)

	bitmap := make([]byte, v.super.blockSize())
	if err := v.readBlock(v.groups[group].InodeBitmap, bitmap); err != nil {
		return err
	}
	if bitmap[bit/8]&(1<<(bit%8)) == 0 {
		return nil
	}
	bitmap[bit/8] &^= 1 << (bit % 8)
	if err := v.writeBlock(v.groups[group].InodeBitmap, bitmap); err != nil {
		return err
	}

	v.groups[group].FreeInodesCount++
	v.super.FreeInodesCount++
	if err := v.flushGroupDescriptors(); err != nil {
		return err
	}
	return v.flushSuperblock()
}

func firstClearBit(bitmap []byte, limit int) int {
	for i := 0; i < limit; i++ {
		if bitmap[i/8]&(1<<(i%8)) == 0 {
			return i
		}
	}
	return -1
}
