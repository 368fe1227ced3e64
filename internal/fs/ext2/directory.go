package ext2

import (
	"strings"

	"github.com/exos-project/exos/internal/kernelerr"
)

// findInodeInDirectory implements spec.md §4.11's
// find_inode_in_directory: iterate direct blocks, respecting RecLen
// boundaries, comparing case-sensitively against the NameLength prefix.
func (v *Volume) findInodeInDirectory(dir *Inode, name string) (uint32, error) {
	for i := 0; i < directBlocks; i++ {
		block := dir.Block[i]
		if block == 0 {
			continue
		}
		buf := make([]byte, v.super.blockSize())
		if err := v.readBlock(block, buf); err != nil {
			return 0, err
		}

		offset := 0
		for offset < len(buf) {
			e := decodeDirEntry(buf[offset:])
			if e.RecLen == 0 {
				break
			}
			if e.Inode != 0 && e.Name == name {
				return e.Inode, nil
			}
			offset += int(e.RecLen)
		}
	}
	return 0, kernelerr.Newf(kernelerr.NotFound, "ext2: %q not found", name)
}

// addDirectoryEntry implements spec.md §4.11's add_directory_entry:
// find a slot whose free space >= 8+align4(name_length); reuse a
// deleted entry or split a trailing record; if no direct block has
// space, allocate a new one.
func (v *Volume) addDirectoryEntry(dirNumber uint32, dir *Inode, name string, fileType uint8, inodeNumber uint32) error {
	needed := dirEntryMinSize(len(name))

	for i := 0; i < directBlocks; i++ {
		block := dir.Block[i]
		if block == 0 {
			continue
		}
		buf := make([]byte, v.super.blockSize())
		if err := v.readBlock(block, buf); err != nil {
			return err
		}

		offset := 0
		for offset < len(buf) {
			e := decodeDirEntry(buf[offset:])
			if e.RecLen == 0 {
				break
			}

			actualUsed := dirEntryMinSize(int(e.NameLen))
			if e.Inode == 0 && int(e.RecLen) >= needed {
				// Reuse a deleted entry's slot.
				newEntry := DirEntry{Inode: inodeNumber, RecLen: e.RecLen, NameLen: uint8(len(name)), FileType: fileType, Name: name}
				copy(buf[offset:offset+int(e.RecLen)], encodeDirEntry(newEntry))
				return v.writeBlock(block, buf)
			}
			if e.Inode != 0 && int(e.RecLen)-actualUsed >= needed {
				// Split this record's trailing free space.
				first := DirEntry{Inode: e.Inode, RecLen: uint16(actualUsed), NameLen: e.NameLen, FileType: e.FileType, Name: e.Name}
				second := DirEntry{Inode: inodeNumber, RecLen: e.RecLen - uint16(actualUsed), NameLen: uint8(len(name)), FileType: fileType, Name: name}
				copy(buf[offset:offset+actualUsed], encodeDirEntry(first))
				copy(buf[offset+actualUsed:offset+int(e.RecLen)], encodeDirEntry(second))
				return v.writeBlock(block, buf)
			}
			offset += int(e.RecLen)
		}
	}

	// No direct block had room: allocate a new one, assign it to the
	// first free direct slot, extend inode.Size by block_size.
	for i := 0; i < directBlocks; i++ {
		if dir.Block[i] != 0 {
			continue
		}
		block, err := v.allocateBlock()
		if err != nil {
			return err
		}
		dir.Block[i] = block
		dir.Size += v.super.blockSize()
		dir.Blocks += v.super.blockSize() / sectorSize

		buf := make([]byte, v.super.blockSize())
		writeDirEntriesInto(buf, []DirEntry{{Inode: inodeNumber, FileType: fileType, Name: name}})
		if err := v.writeBlock(block, buf); err != nil {
			return err
		}
		return v.writeInode(dirNumber, dir)
	}
	return kernelerr.New(kernelerr.NoMemory, "ext2: directory has no free direct block slots")
}

// createDirectory implements spec.md §4.11's create_directory: allocate
// inode + one data block; initialize "." and ".."; link into parent;
// parent's LinksCount += 1.
func (v *Volume) createDirectory(parentNumber uint32, parent *Inode, name string) (uint32, error) {
	childNumber, err := v.allocateInode(true)
	if err != nil {
		return 0, err
	}
	child, err := v.readInode(childNumber)
	if err != nil {
		return 0, err
	}

	block, err := v.allocateBlock()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, v.super.blockSize())
	writeDirEntriesInto(buf, []DirEntry{
		{Inode: childNumber, FileType: EntryTypeDirectory, Name: "."},
		{Inode: parentNumber, FileType: EntryTypeDirectory, Name: ".."},
	})
	if err := v.writeBlock(block, buf); err != nil {
		return 0, err
	}

	child.Block[0] = block
	child.Size = v.super.blockSize()
	child.Blocks = v.super.blockSize() / sectorSize
	if err := v.writeInode(childNumber, child); err != nil {
		return 0, err
	}

	if err := v.addDirectoryEntry(parentNumber, parent, name, EntryTypeDirectory, childNumber); err != nil {
		return 0, err
	}
	parent.LinksCount++
	if err := v.writeInode(parentNumber, parent); err != nil {
		return 0, err
	}
	return childNumber, nil
}

// listEntries returns every live directory entry, skipping "." and
// "..", used by wildcard enumeration.
func (v *Volume) listEntries(dir *Inode) ([]DirEntry, error) {
	var entries []DirEntry
	for i := 0; i < directBlocks; i++ {
		block := dir.Block[i]
		if block == 0 {
			continue
		}
		buf := make([]byte, v.super.blockSize())
		if err := v.readBlock(block, buf); err != nil {
			return nil, err
		}
		offset := 0
		for offset < len(buf) {
			e := decodeDirEntry(buf[offset:])
			if e.RecLen == 0 {
				break
			}
			if e.Inode != 0 && e.Name != "." && e.Name != ".." {
				entries = append(entries, e)
			}
			offset += int(e.RecLen)
		}
	}
	return entries, nil
}

// matchPattern is a standard backtracking glob matcher over '*' and
// '?' (spec.md §4.11).
func matchPattern(pattern, name string) bool {
	return matchHere(pattern, name)
}

func matchHere(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '*':
		if matchHere(pattern[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if matchHere(pattern[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if s == "" {
			return false
		}
		return matchHere(pattern[1:], s[1:])
	default:
		if s == "" || s[0] != pattern[0] {
			return false
		}
		return matchHere(pattern[1:], s[1:])
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
