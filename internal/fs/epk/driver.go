package epk

import (
	"bytes"
	"compress/zlib"
	"io"
	"path"
	"strings"

	"github.com/exos-project/exos/internal/fs"
	"github.com/exos-project/exos/internal/kernelerr"
)

var _ fs.Driver = (*Driver)(nil)

// Driver adapts a PackageFS to fs.Driver. EPK packages are read-only:
// every write-intent open flag is refused (spec.md §4.12's read-only
// mount contract).
type Driver struct {
	fsys *PackageFS
}

// NewDriver wraps a validated Package as a mountable fs.Driver.
func NewDriver(pkg *Package) (*Driver, error) {
	fsys, err := NewPackageFS(pkg)
	if err != nil {
		return nil, err
	}
	return &Driver{fsys: fsys}, nil
}

func (d *Driver) rejectWrite(flags fs.OpenFlags) error {
	if flags&(fs.FlagWrite|fs.FlagAppend|fs.FlagTruncate|fs.FlagCreate) != 0 {
		return kernelerr.New(kernelerr.Permission, "epk: package mounts are read-only")
	}
	return nil
}

func (d *Driver) OpenFile(subpath string, flags fs.OpenFlags) (fs.File, error) {
	if err := d.rejectWrite(flags); err != nil {
		return nil, err
	}

	dir, pattern := path.Split(subpath)
	if strings.ContainsAny(pattern, "*?") {
		dirNode, err := d.fsys.resolve(dir)
		if err != nil {
			return nil, err
		}
		if dirNode.nodeType != NodeFolder {
			return nil, kernelerr.New(kernelerr.InvalidArgument, "epk: wildcard parent is not a folder")
		}
		names := make([]string, 0, len(dirNode.children))
		for name := range dirNode.children {
			if matched, _ := path.Match(pattern, name); matched {
				names = append(names, name)
			}
		}
		return &handle{driver: d, dir: dirNode, pattern: pattern, names: names}, nil
	}

	n, err := d.fsys.resolve(subpath)
	if err != nil {
		return nil, err
	}
	if n.nodeType == NodeFolder {
		return nil, kernelerr.New(kernelerr.InvalidArgument, "epk: cannot open a folder as a file")
	}

	data, err := d.readFile(n)
	if err != nil {
		return nil, err
	}
	d.fsys.openCount++
	return &handle{driver: d, node: n, data: data}, nil
}

func (d *Driver) readFile(n *node) ([]byte, error) {
	e := d.fsys.pkg.Entries[n.tocIndex]
	if e.Flags&EntryHasInlineData != 0 {
		return d.fsys.pkg.buf[e.InlineData.Offset : e.InlineData.Offset+e.InlineData.Size], nil
	}

	var out bytes.Buffer
	for i := uint32(0); i < e.BlockCount; i++ {
		block := d.fsys.pkg.Blocks[e.BlockIndexStart+i]
		raw := d.fsys.pkg.buf[block.Compressed.Offset : block.Compressed.Offset+block.Compressed.Size]
		switch block.Method {
		case MethodNone:
			out.Write(raw)
		case MethodZlib:
			r, err := zlib.NewReader(bytes.NewReader(raw))
			if err != nil {
				return nil, kernelerr.Wrap(err, kernelerr.IO, "epk: zlib block decode")
			}
			if _, err := io.CopyN(&out, r, int64(block.UncompressedSize)); err != nil {
				return nil, kernelerr.Wrap(err, kernelerr.IO, "epk: zlib block decode")
			}
			r.Close()
		}
	}
	return out.Bytes(), nil
}

func (d *Driver) CreateFolder(subpath string) error {
	return kernelerr.New(kernelerr.Permission, "epk: package mounts are read-only")
}

func (d *Driver) PathExists(subpath string) bool {
	_, err := d.fsys.resolve(subpath)
	return err == nil
}

func (d *Driver) FileExists(subpath string) bool {
	n, err := d.fsys.resolve(subpath)
	if err != nil {
		return false
	}
	return n.nodeType == NodeFile
}

// handle is a PackageFS file or wildcard-enumeration handle.
type handle struct {
	driver *Driver
	node   *node
	data   []byte
	offset int

	dir     *node
	pattern string
	names   []string
	cursor  int
	closed  bool
}

func (h *handle) Read(buf []byte) (int, error) {
	if h.node == nil {
		return 0, kernelerr.New(kernelerr.InvalidArgument, "epk: read on an enumeration handle")
	}
	if h.offset >= len(h.data) {
		return 0, nil
	}
	n := copy(buf, h.data[h.offset:])
	h.offset += n
	return n, nil
}

func (h *handle) Write(buf []byte) (int, error) {
	return 0, kernelerr.New(kernelerr.Permission, "epk: package mounts are read-only")
}

func (h *handle) Close() error {
	if !h.closed && h.node != nil {
		h.driver.fsys.openCount--
	}
	h.closed = true
	return nil
}

func (h *handle) OpenNext() (fs.Info, bool, error) {
	if h.dir == nil {
		return fs.Info{}, false, kernelerr.New(kernelerr.InvalidArgument, "epk: not an enumeration handle")
	}
	if h.cursor >= len(h.names) {
		return fs.Info{}, false, nil
	}
	name := h.names[h.cursor]
	h.cursor++
	return h.dir.children[name].info(), true, nil
}

func (h *handle) Info() fs.Info {
	if h.node != nil {
		info := h.node.info()
		info.Size = uint64(len(h.data))
		return info
	}
	return fs.Info{Name: h.pattern, Attributes: fs.AttrDirectory | fs.AttrReadOnly}
}
