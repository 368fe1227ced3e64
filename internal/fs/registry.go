package fs

import (
	"sort"
	"sync"

	"github.com/exos-project/exos/internal/kernelerr"
)

// Registry holds every mounted filesystem keyed by name (spec.md §4.13).
type Registry struct {
	mu     sync.Mutex
	mounts map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{mounts: make(map[string]Driver)}
}

// Mount registers driver under name.
func (r *Registry) Mount(name string, driver Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mounts[name]; exists {
		return kernelerr.Newf(kernelerr.State, "fs: %q already mounted", name)
	}
	r.mounts[name] = driver
	return nil
}

// Unmount removes name from the registry. It does not consult the driver
// and does not check for open files: a mount with open handles is removed
// all the same.
func (r *Registry) Unmount(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mounts[name]; !exists {
		return kernelerr.Newf(kernelerr.NotFound, "fs: %q not mounted", name)
	}
	delete(r.mounts, name)
	return nil
}

// Mounts lists every mounted name, sorted.
func (r *Registry) Mounts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.mounts))
	for name := range r.mounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) resolve(path string) (Driver, string, error) {
	mount, subpath, err := CleanMountPath(path)
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	driver, ok := r.mounts[mount]
	r.mu.Unlock()
	if !ok {
		return nil, "", kernelerr.Newf(kernelerr.NotFound, "fs: mount %q not found", mount)
	}
	return driver, subpath, nil
}

// OpenFile resolves path's mount and delegates DF_FS_OPENFILE to the
// driver (spec.md §4.13).
func (r *Registry) OpenFile(path string, flags OpenFlags) (File, error) {
	driver, subpath, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return driver.OpenFile(subpath, flags)
}

// CreateFolder resolves path's mount and delegates folder creation.
func (r *Registry) CreateFolder(path string) error {
	driver, subpath, err := r.resolve(path)
	if err != nil {
		return err
	}
	return driver.CreateFolder(subpath)
}

// PathExists reports whether path resolves to an existing folder.
func (r *Registry) PathExists(path string) bool {
	driver, subpath, err := r.resolve(path)
	if err != nil {
		return false
	}
	return driver.PathExists(subpath)
}

// FileExists reports whether path resolves to an existing file.
func (r *Registry) FileExists(path string) bool {
	driver, subpath, err := r.resolve(path)
	if err != nil {
		return false
	}
	return driver.FileExists(subpath)
}
