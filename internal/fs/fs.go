// Package fs implements C13: the filesystem registry, mount table, and
// path resolver, grounded on
// original_source/kernel/source/File.c and
// original_source/kernel/source/FileSystem.c. Concrete drivers (EXT2,
// EPK) live in sibling packages and implement the Driver interface here.
package fs

import (
	"strings"
	"time"

	"github.com/exos-project/exos/internal/kernelerr"
)

// OpenFlags mirrors the open-flag bits spec.md §3.6 names.
type OpenFlags uint32

const (
	FlagRead OpenFlags = 1 << iota
	FlagWrite
	FlagAppend
	FlagTruncate
	FlagCreate
	FlagDirectory
)

// Attributes mirrors a minimal file-attribute bitset.
type Attributes uint32

const (
	AttrDirectory Attributes = 1 << iota
	AttrReadOnly
)

// Info describes one directory entry or open file, returned from
// OpenNext/Stat-style calls.
type Info struct {
	Name         string
	Size         uint64
	Attributes   Attributes
	ModifiedTime time.Time
}

func (i Info) IsDirectory() bool { return i.Attributes&AttrDirectory != 0 }

// File is a handle returned by a Driver's OpenFile, matching the
// File(Fi) record of spec.md §3.6 -- including the enumeration-mode
// fields (pattern/cursor) when opened over a directory with wildcards.
type File interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
	// OpenNext advances a directory handle opened in enumeration mode
	// and returns the next matching entry; ok is false once exhausted.
	OpenNext() (info Info, ok bool, err error)
	Info() Info
}

// Driver is the filesystem-specific half of the DF_FS_* ABI (spec.md
// §4.13, §6): the registry delegates to it after resolving the leading
// mount-name path segment.
type Driver interface {
	OpenFile(subpath string, flags OpenFlags) (File, error)
	CreateFolder(subpath string) error
	PathExists(subpath string) bool
	FileExists(subpath string) bool
}

// StorageUnit is the opaque disk abstraction of spec.md §3.6, backing
// the EXT2 driver. Both read_sectors/write_sectors are partition
// relative.
type StorageUnit interface {
	ReadSectors(lba uint64, count int, buf []byte) error
	WriteSectors(lba uint64, count int, buf []byte) error
	SectorSize() int
}

// CleanMountPath splits path into a leading mount name and the
// remaining subpath, stripping one leading and one trailing slash and
// rejecting any empty path component (e.g. "a//b" or "a/b//") with
// kernelerr.InvalidArgument
// -- an ambiguous input the registry refuses rather than silently
// normalizing.
func CleanMountPath(path string) (mount string, subpath string, err error) {
	trimmed := strings.TrimPrefix(path, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return "", "", kernelerr.New(kernelerr.InvalidArgument, "fs: empty path")
	}

	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if p == "" {
			return "", "", kernelerr.New(kernelerr.InvalidArgument, "fs: empty path component")
		}
	}

	mount = parts[0]
	subpath = "/" + strings.Join(parts[1:], "/")
	return mount, subpath, nil
}
