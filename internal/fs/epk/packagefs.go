package epk

import (
	"strings"
	"time"

	"github.com/exos-project/exos/internal/fs"
	"github.com/exos-project/exos/internal/kernelerr"
)

const maxAliasDepth = 32

// node is one synthesized PackageFS tree entry. Folders not explicitly
// present in the TOC (implicit ancestors of a deep path) get defined =
// false and carry no TOC backing.
type node struct {
	name         string
	nodeType     NodeType
	permissions  uint32
	modifiedTime uint32
	tocIndex     int
	defined      bool
	aliasTarget  string
	children     map[string]*node
}

func newFolderNode(name string) *node {
	return &node{name: name, nodeType: NodeFolder, children: make(map[string]*node)}
}

// PackageFS is the read-only filesystem view over a validated Package
// (spec.md §4.12's PackageFS mount, the implicit-folder and alias
// resolution steps).
type PackageFS struct {
	pkg       *Package
	root      *node
	openCount int
}

// NewPackageFS builds the PackageFS tree from pkg.Entries, synthesizing
// implicit folders for any path whose parent directory was never listed
// explicitly in the TOC.
func NewPackageFS(pkg *Package) (*PackageFS, error) {
	root := newFolderNode("")
	root.defined = true

	for i, e := range pkg.Entries {
		segments := splitSegments(e.Path)
		if len(segments) == 0 {
			return nil, kernelerr.New(kernelerr.InvalidArgument, "epk: entry with empty path")
		}
		parent := root
		for _, seg := range segments[:len(segments)-1] {
			child, ok := parent.children[seg]
			if !ok {
				child = newFolderNode(seg)
				parent.children[seg] = child
			}
			parent = child
		}

		leaf := segments[len(segments)-1]
		existing, ok := parent.children[leaf]
		if !ok {
			existing = &node{name: leaf, children: make(map[string]*node)}
			parent.children[leaf] = existing
		}
		existing.nodeType = e.NodeType
		existing.permissions = e.Permissions
		existing.modifiedTime = e.ModifiedTime
		existing.tocIndex = i
		existing.defined = true
		existing.aliasTarget = e.AliasTarget
		if existing.children == nil {
			existing.children = make(map[string]*node)
		}
	}

	return &PackageFS{pkg: pkg, root: root}, nil
}

func splitSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// resolve walks segments from root, following FOLDER_ALIAS targets as it
// descends, up to maxAliasDepth hops.
func (p *PackageFS) resolve(path string) (*node, error) {
	return p.resolveHops(path, 0)
}

// resolveHops is resolve with depth alias hops already taken, so nested
// alias targets count against the same maxAliasDepth budget.
func (p *PackageFS) resolveHops(path string, depth int) (*node, error) {
	segments := splitSegments(path)
	current := p.root
	for len(segments) > 0 {
		seg := segments[0]
		child, ok := current.children[seg]
		if !ok {
			return nil, kernelerr.New(kernelerr.NotFound, "epk: path not found: "+path)
		}
		if child.nodeType == NodeFolderAlias {
			depth++
			if depth > maxAliasDepth {
				return nil, kernelerr.New(kernelerr.InvalidArgument, "epk: alias resolution exceeded max depth")
			}
			target, err := p.resolveHops(child.aliasTarget, depth)
			if err != nil {
				return nil, err
			}
			current = target
			segments = segments[1:]
			continue
		}
		current = child
		segments = segments[1:]
	}
	return current, nil
}

func (n *node) info() fs.Info {
	var attrs fs.Attributes
	var size uint64
	if n.nodeType == NodeFolder || n.nodeType == NodeFolderAlias {
		attrs |= fs.AttrDirectory
	}
	attrs |= fs.AttrReadOnly
	return fs.Info{
		Name:         n.name,
		Size:         size,
		Attributes:   attrs,
		ModifiedTime: time.Unix(int64(n.modifiedTime), 0).UTC(),
	}
}

// OpenCount reports the number of currently open PackageFS handles.
// Registry.Unmount does not consult it.
func (p *PackageFS) OpenCount() int { return p.openCount }
