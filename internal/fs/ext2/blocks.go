package ext2

import "encoding/binary"

// pointersPerBlock is how many 4-byte block pointers fit in one block.
func (v *Volume) pointersPerBlock() uint32 { return v.super.blockSize() / 4 }

// resolveInodeBlock implements spec.md §4.11's resolve_inode_block:
// traverse direct (0..11), single-indirect (12), double-indirect (13),
// triple-indirect (14). In allocate mode it lazily allocates each
// missing indirect block (zero-filled) and the target data block,
// incrementing inode.Blocks by block_size/512 per new block.
func (v *Volume) resolveInodeBlock(inode *Inode, logicalIndex uint32, allocate bool) (uint32, error) {
	ppb := v.pointersPerBlock()

	if logicalIndex < directBlocks {
		return v.resolveDirect(inode, logicalIndex, allocate)
	}
	logicalIndex -= directBlocks

	if logicalIndex < ppb {
		return v.resolveIndirect(inode, singleIndirect, logicalIndex, 1, allocate)
	}
	logicalIndex -= ppb

	if logicalIndex < ppb*ppb {
		return v.resolveIndirect(inode, doubleIndirect, logicalIndex, 2, allocate)
	}
	logicalIndex -= ppb * ppb

	return v.resolveIndirect(inode, tripleIndirect, logicalIndex, 3, allocate)
}

func (v *Volume) resolveDirect(inode *Inode, index uint32, allocate bool) (uint32, error) {
	if inode.Block[index] != 0 {
		return inode.Block[index], nil
	}
	if !allocate {
		return 0, nil
	}
	block, err := v.allocateBlock()
	if err != nil {
		return 0, err
	}
	inode.Block[index] = block
	inode.Blocks += v.super.blockSize() / sectorSize
	return block, nil
}

// resolveIndirect walks `depth` levels of indirection to reach
// logicalIndex, lazily allocating every missing link when allocate is
// set.
func (v *Volume) resolveIndirect(inode *Inode, slot int, logicalIndex uint32, depth int, allocate bool) (uint32, error) {
	ppb := v.pointersPerBlock()

	blockNum := inode.Block[slot]
	if blockNum == 0 {
		if !allocate {
			return 0, nil
		}
		newBlock, err := v.allocateBlock()
		if err != nil {
			return 0, err
		}
		inode.Block[slot] = newBlock
		inode.Blocks += v.super.blockSize() / sectorSize
		blockNum = newBlock
	}

	return v.walkIndirectChain(blockNum, logicalIndex, depth, ppb, inode, allocate)
}

func (v *Volume) walkIndirectChain(blockNum uint32, logicalIndex uint32, depth int, ppb uint32, inode *Inode, allocate bool) (uint32, error) {
	buf := make([]byte, v.super.blockSize())
	if err := v.readBlock(blockNum, buf); err != nil {
		return 0, err
	}

	stride := uint32(1)
	for i := 1; i < depth; i++ {
		stride *= ppb
	}
	entryIndex := logicalIndex / stride
	remainder := logicalIndex % stride

	entryOffset := entryIndex * 4
	child := binary.LittleEndian.Uint32(buf[entryOffset : entryOffset+4])

	if depth == 1 {
		if child != 0 {
			return child, nil
		}
		if !allocate {
			return 0, nil
		}
		newBlock, err := v.allocateBlock()
		if err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint32(buf[entryOffset:entryOffset+4], newBlock)
		if err := v.writeBlock(blockNum, buf); err != nil {
			return 0, err
		}
		inode.Blocks += v.super.blockSize() / sectorSize
		return newBlock, nil
	}

	if child == 0 {
		if !allocate {
			return 0, nil
		}
		newBlock, err := v.allocateBlock()
		if err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint32(buf[entryOffset:entryOffset+4], newBlock)
		if err := v.writeBlock(blockNum, buf); err != nil {
			return 0, err
		}
		inode.Blocks += v.super.blockSize() / sectorSize
		child = newBlock
	}

	return v.walkIndirectChain(child, remainder, depth-1, ppb, inode, allocate)
}

// truncateInode implements spec.md §4.11's truncate_inode: free all
// direct blocks, then recursively free single/double/triple indirect
// trees, reset Size = 0, Blocks = 0.
func (v *Volume) truncateInode(inode *Inode) error {
	for i := 0; i < directBlocks; i++ {
		if inode.Block[i] != 0 {
			if err := v.freeBlock(inode.Block[i]); err != nil {
				return err
			}
			inode.Block[i] = 0
		}
	}

	for depth, slot := range []int{singleIndirect, doubleIndirect, tripleIndirect} {
		if inode.Block[slot] == 0 {
			continue
		}
		if err := v.freeIndirectTree(inode.Block[slot], depth+1); err != nil {
			return err
		}
		inode.Block[slot] = 0
	}

	inode.Size = 0
	inode.Blocks = 0
	return nil
}

func (v *Volume) freeIndirectTree(blockNum uint32, depth int) error {
	if depth > 0 {
		buf := make([]byte, v.super.blockSize())
		if err := v.readBlock(blockNum, buf); err != nil {
			return err
		}
		ppb := v.pointersPerBlock()
		for i := uint32(0); i < ppb; i++ {
			child := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
			if child == 0 {
				continue
			}
			if err := v.freeIndirectTree(child, depth-1); err != nil {
				return err
			}
		}
	}
	return v.freeBlock(blockNum)
}
