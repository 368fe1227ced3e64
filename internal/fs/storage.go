package fs

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/exos-project/exos/internal/kernelerr"
)

// MemoryStorageUnit is an in-memory StorageUnit, used by unit tests and
// by boot-time ramdisk mounts.
type MemoryStorageUnit struct {
	sectorSize int
	buf        []byte
}

// NewMemoryStorageUnit allocates a zero-filled backing buffer of
// sectorCount sectors.
func NewMemoryStorageUnit(sectorSize, sectorCount int) *MemoryStorageUnit {
	return &MemoryStorageUnit{sectorSize: sectorSize, buf: make([]byte, sectorSize*sectorCount)}
}

func (m *MemoryStorageUnit) SectorSize() int { return m.sectorSize }

func (m *MemoryStorageUnit) ReadSectors(lba uint64, count int, buf []byte) error {
	start := int(lba) * m.sectorSize
	end := start + count*m.sectorSize
	if start < 0 || end > len(m.buf) {
		return kernelerr.New(kernelerr.InvalidArgument, "fs: sector range out of bounds")
	}
	copy(buf, m.buf[start:end])
	return nil
}

func (m *MemoryStorageUnit) WriteSectors(lba uint64, count int, buf []byte) error {
	start := int(lba) * m.sectorSize
	end := start + count*m.sectorSize
	if start < 0 || end > len(m.buf) {
		return kernelerr.New(kernelerr.InvalidArgument, "fs: sector range out of bounds")
	}
	copy(m.buf[start:end], buf)
	return nil
}

// FileStorageUnit backs a StorageUnit with a real host file, using
// golang.org/x/sys/unix Pread/Pwrite at sector offsets so the EXT2
// driver can be exercised against an actual on-disk image.
type FileStorageUnit struct {
	sectorSize int
	file       *os.File
}

// OpenFileStorageUnit opens path for reads and writes.
func OpenFileStorageUnit(path string, sectorSize int) (*FileStorageUnit, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, kernelerr.Wrap(err, kernelerr.IO, "fs: opening storage file")
	}
	return &FileStorageUnit{sectorSize: sectorSize, file: f}, nil
}

func (f *FileStorageUnit) SectorSize() int { return f.sectorSize }

func (f *FileStorageUnit) ReadSectors(lba uint64, count int, buf []byte) error {
	offset := int64(lba) * int64(f.sectorSize)
	want := count * f.sectorSize
	n, err := unix.Pread(int(f.file.Fd()), buf[:want], offset)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.IO, "fs: pread")
	}
	if n != want {
		return kernelerr.New(kernelerr.IO, "fs: short read")
	}
	return nil
}

func (f *FileStorageUnit) WriteSectors(lba uint64, count int, buf []byte) error {
	offset := int64(lba) * int64(f.sectorSize)
	want := count * f.sectorSize
	n, err := unix.Pwrite(int(f.file.Fd()), buf[:want], offset)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.IO, "fs: pwrite")
	}
	if n != want {
		return kernelerr.New(kernelerr.IO, "fs: short write")
	}
	return nil
}

// Close releases the underlying file descriptor.
func (f *FileStorageUnit) Close() error {
	return f.file.Close()
}
