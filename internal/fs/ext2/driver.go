package ext2

import (
	"strings"

	"github.com/exos-project/exos/internal/fs"
	"github.com/exos-project/exos/internal/kernelerr"
)

const rootInode = 2

// Driver adapts a Volume to fs.Driver, the DF_FS_* ABI spec.md §4.13
// delegates to after resolving a mount name.
type Driver struct {
	vol *Volume
}

// NewDriver wraps an already-opened Volume.
func NewDriver(vol *Volume) *Driver { return &Driver{vol: vol} }

// resolveDir walks every one of components from the root, each of which
// must be a directory, and returns the final directory's inode number and
// record. Callers that need a leaf's parent pass the path without its
// last component.
func (d *Driver) resolveDir(components []string) (uint32, *Inode, error) {
	number := uint32(rootInode)
	inode, err := d.vol.readInode(number)
	if err != nil {
		return 0, nil, err
	}
	for _, comp := range components {
		child, err := d.vol.findInodeInDirectory(inode, comp)
		if err != nil {
			return 0, nil, err
		}
		childInode, err := d.vol.readInode(child)
		if err != nil {
			return 0, nil, err
		}
		if !childInode.IsDirectory() {
			return 0, nil, kernelerr.New(kernelerr.InvalidArgument, "ext2: path component is not a directory")
		}
		number, inode = child, childInode
	}
	return number, inode, nil
}

func (d *Driver) resolveFile(path string) (uint32, *Inode, error) {
	components := splitPath(path)
	if len(components) == 0 {
		return rootInode, mustRootInode(d), nil
	}
	dirNumber, dir, err := d.resolveDir(components[:len(components)-1])
	if err != nil {
		return 0, nil, err
	}
	leaf := components[len(components)-1]
	number, err := d.vol.findInodeInDirectory(dir, leaf)
	if err != nil {
		return 0, nil, err
	}
	_ = dirNumber
	inode, err := d.vol.readInode(number)
	if err != nil {
		return 0, nil, err
	}
	return number, inode, nil
}

func mustRootInode(d *Driver) *Inode {
	inode, err := d.vol.readInode(rootInode)
	if err != nil {
		panic(err) // the root inode is invariant once formatted
	}
	return inode
}

// OpenFile implements fs.Driver. A path ending in a wildcard component
// (containing '*' or '?') opens the parent directory in enumeration
// mode bound to that pattern.
func (d *Driver) OpenFile(subpath string, flags fs.OpenFlags) (fs.File, error) {
	if flags&(fs.FlagWrite|fs.FlagAppend|fs.FlagTruncate|fs.FlagCreate) != 0 && !d.allowWrite() {
		return nil, kernelerr.New(kernelerr.Permission, "ext2: filesystem is read-only")
	}

	components := splitPath(subpath)
	if len(components) > 0 && isWildcard(components[len(components)-1]) {
		dirNumber, dir, err := d.resolveDir(components[:len(components)-1])
		if err != nil {
			return nil, err
		}
		entries, err := d.vol.listEntries(dir)
		if err != nil {
			return nil, err
		}
		return &fileHandle{vol: d.vol, dirNumber: dirNumber, pattern: components[len(components)-1], entries: entries}, nil
	}

	number, inode, err := d.resolveFile(subpath)
	if err != nil {
		if flags&fs.FlagCreate == 0 {
			return nil, err
		}
		number, inode, err = d.createFile(components)
		if err != nil {
			return nil, err
		}
	}

	position := uint64(0)
	if flags&fs.FlagAppend != 0 {
		position = uint64(inode.Size)
	}
	if flags&fs.FlagTruncate != 0 {
		if err := d.vol.truncateInode(inode); err != nil {
			return nil, err
		}
		if err := d.vol.writeInode(number, inode); err != nil {
			return nil, err
		}
	}

	return &fileHandle{vol: d.vol, number: number, inode: inode, position: position, flags: flags}, nil
}

func (d *Driver) createFile(components []string) (uint32, *Inode, error) {
	if len(components) == 0 {
		return 0, nil, kernelerr.New(kernelerr.InvalidArgument, "ext2: empty path")
	}
	dirNumber, dir, err := d.resolveDir(components[:len(components)-1])
	if err != nil {
		return 0, nil, err
	}
	name := components[len(components)-1]

	number, err := d.vol.allocateInode(false)
	if err != nil {
		return 0, nil, err
	}
	if err := d.vol.addDirectoryEntry(dirNumber, dir, name, EntryTypeRegular, number); err != nil {
		return 0, nil, err
	}
	inode, err := d.vol.readInode(number)
	if err != nil {
		return 0, nil, err
	}
	return number, inode, nil
}

// CreateFolder implements fs.Driver (spec.md §4.11 create_directory).
func (d *Driver) CreateFolder(subpath string) error {
	components := splitPath(subpath)
	if len(components) == 0 {
		return kernelerr.New(kernelerr.InvalidArgument, "ext2: empty path")
	}
	dirNumber, dir, err := d.resolveDir(components[:len(components)-1])
	if err != nil {
		return err
	}
	_, err = d.vol.createDirectory(dirNumber, dir, components[len(components)-1])
	return err
}

// ListDirectory returns the entries of the directory at subpath, for
// host-side inspection tools (cmd/exosctl's "ext2 inspect"); the kernel
// itself only ever enumerates through OpenFile's wildcard mode.
func (d *Driver) ListDirectory(subpath string) ([]DirEntry, error) {
	components := splitPath(subpath)
	_, dir, err := d.resolveDir(components)
	if err != nil {
		return nil, err
	}
	if !dir.IsDirectory() {
		return nil, kernelerr.New(kernelerr.InvalidArgument, "ext2: not a directory")
	}
	return d.vol.listEntries(dir)
}

// PathExists implements fs.Driver.
func (d *Driver) PathExists(subpath string) bool {
	_, inode, err := d.resolveFile(subpath)
	return err == nil && inode.IsDirectory()
}

// FileExists implements fs.Driver.
func (d *Driver) FileExists(subpath string) bool {
	_, inode, err := d.resolveFile(subpath)
	return err == nil && !inode.IsDirectory()
}

func (d *Driver) allowWrite() bool { return true }

func isWildcard(component string) bool {
	return strings.ContainsAny(component, "*?")
}
