// Command epkfuse mounts a validated EPK package read-only onto a host
// directory via FUSE, so a package's contents can be inspected with
// ordinary host tools without booting the kernel. Grounded on
// nestybox-sysbox-fs's fuse/{server,dir,file}.go split and main.go's
// flag-parse-then-signal-handle shape, trimmed to a single package/
// mountpoint pair with no container-awareness.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"path"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	exosfs "github.com/exos-project/exos/internal/fs"
	"github.com/exos-project/exos/internal/fs/epk"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s <package.epk> <mountpoint>\n\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 2 {
		usage()
		os.Exit(2)
	}
	packagePath, mountPoint := flag.Arg(0), flag.Arg(1)

	driver, err := openPackage(packagePath)
	if err != nil {
		log.Fatalf("epkfuse: %v", err)
	}

	c, err := fuse.Mount(mountPoint,
		fuse.FSName("epkfuse"),
		fuse.Subtype("epkfs"),
		fuse.ReadOnly(),
		fuse.AllowOther(),
	)
	if err != nil {
		log.Fatalf("epkfuse: mount: %v", err)
	}
	defer c.Close()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		log.Printf("epkfuse: caught %v, unmounting %s", sig, mountPoint)
		fuse.Unmount(mountPoint)
	}()

	if err := fs.Serve(c, epkFS{driver: driver}); err != nil {
		log.Fatalf("epkfuse: serve: %v", err)
	}

	<-c.Ready
	if err := c.MountError; err != nil {
		log.Fatalf("epkfuse: %v", err)
	}
}

func openPackage(packagePath string) (*epk.Driver, error) {
	buf, err := ioutil.ReadFile(packagePath)
	if err != nil {
		return nil, err
	}
	pkg, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{VerifyHash: true})
	if err != nil {
		return nil, fmt.Errorf("validating package: %w", err)
	}
	return epk.NewDriver(pkg)
}

// epkFS is the bazil fs.FS root; every lookup is re-resolved through
// driver on demand rather than cached, since EPK packages never change
// once mounted.
type epkFS struct {
	driver *epk.Driver
}

func (e epkFS) Root() (fs.Node, error) {
	return epkDir{driver: e.driver, path: "/"}, nil
}

// epkDir is a FUSE directory node backed by one PackageFS path.
type epkDir struct {
	driver *epk.Driver
	path   string
}

func (d epkDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0o555
	return nil
}

func (d epkDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	child := path.Join(d.path, name)
	switch {
	case d.driver.FileExists(child):
		return epkFile{driver: d.driver, path: child}, nil
	case d.driver.PathExists(child):
		return epkDir{driver: d.driver, path: child}, nil
	default:
		return nil, fuse.ENOENT
	}
}

// ReadDirAll enumerates children through the wildcard-OpenFile
// enumeration mode fs.Driver already exposes (internal/fs/epk's
// OpenFile("dir/*", ...)), rather than reaching into PackageFS
// internals.
func (d epkDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	f, err := d.driver.OpenFile(path.Join(d.path, "*"), exosfs.FlagRead)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ents []fuse.Dirent
	for {
		info, ok, err := f.OpenNext()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		dtype := fuse.DT_File
		if info.IsDirectory() {
			dtype = fuse.DT_Dir
		}
		ents = append(ents, fuse.Dirent{Name: info.Name, Type: dtype})
	}
	return ents, nil
}

// epkFile is a FUSE file node backed by one PackageFS path.
type epkFile struct {
	driver *epk.Driver
	path   string
}

func (f epkFile) Attr(ctx context.Context, a *fuse.Attr) error {
	handle, err := f.driver.OpenFile(f.path, exosfs.FlagRead)
	if err != nil {
		return err
	}
	defer handle.Close()
	a.Mode = 0o444
	a.Size = handle.Info().Size
	return nil
}

func (f epkFile) ReadAll(ctx context.Context) ([]byte, error) {
	handle, err := f.driver.OpenFile(f.path, exosfs.FlagRead)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	var out []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := handle.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
	}
}
