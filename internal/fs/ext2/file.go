package ext2

import (
	"io"
	"time"

	"github.com/exos-project/exos/internal/fs"
	"github.com/exos-project/exos/internal/kernelerr"
)

// fileHandle implements fs.File over either a regular file (number/inode
// set) or a directory opened in wildcard-enumeration mode (dirNumber/
// pattern/entries set).
type fileHandle struct {
	vol *Volume

	// Regular file mode.
	number   uint32
	inode    *Inode
	position uint64
	flags    fs.OpenFlags

	// Enumeration mode (spec.md §4.11's "pattern/cursor").
	dirNumber uint32
	pattern   string
	entries   []DirEntry
	cursor    int
}

func (h *fileHandle) isEnumeration() bool { return h.pattern != "" }

// Read implements spec.md §4.11's read_file: resolve each logical
// block; sparse blocks return zeros. At end of file it returns 0, io.EOF.
func (h *fileHandle) Read(buf []byte) (int, error) {
	if h.isEnumeration() {
		return 0, kernelerr.New(kernelerr.InvalidArgument, "ext2: read on a directory handle")
	}

	blockSize := h.vol.super.blockSize()
	total := 0
	for total < len(buf) {
		if h.position >= uint64(h.inode.Size) {
			break
		}
		logicalIndex := uint32(h.position / uint64(blockSize))
		offsetInBlock := uint32(h.position % uint64(blockSize))

		block, err := h.vol.resolveInodeBlock(h.inode, logicalIndex, false)
		if err != nil {
			return total, err
		}

		chunk := make([]byte, blockSize)
		if block != 0 {
			if err := h.vol.readBlock(block, chunk); err != nil {
				return total, err
			}
		}

		n := copy(buf[total:], chunk[offsetInBlock:])
		remaining := uint64(h.inode.Size) - h.position
		if uint64(n) > remaining {
			n = int(remaining)
		}
		total += n
		h.position += uint64(n)
		if n == 0 {
			break
		}
	}
	if total == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Write implements spec.md §4.11's write_file: FILE_OPEN_APPEND seeks
// to inode.size; never writes past allocated blocks without
// resolve_inode_block(...,allocate=true); extends inode.size if the
// final position exceeds it; writes back the inode after every
// successful write.
func (h *fileHandle) Write(buf []byte) (int, error) {
	if h.isEnumeration() {
		return 0, kernelerr.New(kernelerr.InvalidArgument, "ext2: write on a directory handle")
	}
	if h.flags&fs.FlagAppend != 0 {
		h.position = uint64(h.inode.Size)
	}

	blockSize := h.vol.super.blockSize()
	total := 0
	for total < len(buf) {
		logicalIndex := uint32(h.position / uint64(blockSize))
		offsetInBlock := uint32(h.position % uint64(blockSize))

		block, err := h.vol.resolveInodeBlock(h.inode, logicalIndex, true)
		if err != nil {
			return total, err
		}

		chunk := make([]byte, blockSize)
		if err := h.vol.readBlock(block, chunk); err != nil {
			return total, err
		}

		n := copy(chunk[offsetInBlock:], buf[total:])
		if err := h.vol.writeBlock(block, chunk); err != nil {
			return total, err
		}

		total += n
		h.position += uint64(n)
		if h.position > uint64(h.inode.Size) {
			h.inode.Size = uint32(h.position)
		}
		if err := h.vol.writeInode(h.number, h.inode); err != nil {
			return total, err
		}
	}
	return total, nil
}

// OpenNext advances an enumeration-mode handle (spec.md §4.11's
// wildcard directory enumeration): walks direct blocks, applying
// match_pattern.
func (h *fileHandle) OpenNext() (fs.Info, bool, error) {
	if !h.isEnumeration() {
		return fs.Info{}, false, kernelerr.New(kernelerr.InvalidArgument, "ext2: OpenNext on a non-directory handle")
	}
	for h.cursor < len(h.entries) {
		e := h.entries[h.cursor]
		h.cursor++
		if !matchPattern(h.pattern, e.Name) {
			continue
		}
		inode, err := h.vol.readInode(e.Inode)
		if err != nil {
			return fs.Info{}, false, err
		}
		return inodeToInfo(e.Name, inode), true, nil
	}
	return fs.Info{}, false, nil
}

func (h *fileHandle) Info() fs.Info {
	if h.isEnumeration() {
		return fs.Info{Name: h.pattern, Attributes: fs.AttrDirectory}
	}
	return inodeToInfo("", h.inode)
}

func (h *fileHandle) Close() error { return nil }

func inodeToInfo(name string, inode *Inode) fs.Info {
	attrs := fs.Attributes(0)
	if inode.IsDirectory() {
		attrs |= fs.AttrDirectory
	}
	return fs.Info{
		Name:         name,
		Size:         uint64(inode.Size),
		Attributes:   attrs,
		ModifiedTime: time.Unix(int64(inode.ModifiedTime), 0),
	}
}
