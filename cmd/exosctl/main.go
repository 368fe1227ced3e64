// Command exosctl is the host-side counterpart to the kernel's EPK and
// EXT2 formats, restoring a Go version of
// original_source/tools/source/package/epk_pack.c's workflow:
// packing/signing/validating EPK packages, inspecting EXT2 images, and
// dumping EXOS executable headers. Commands are grounded on
// nestybox-sysbox-fs's urfave/cli v1 style (cli.Command values with
// Action closures), grouped under three parent commands -- epk, ext2
// and exos -- through Subcommands.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli"

	"github.com/exos-project/exos/internal/fs"
	"github.com/exos-project/exos/internal/fs/epk"
	"github.com/exos-project/exos/internal/fs/ext2"
	"github.com/exos-project/exos/internal/loader"
)

func main() {
	app := cli.NewApp()
	app.Name = "exosctl"
	app.Usage = "pack, sign, and inspect EXOS on-disk artifacts"
	app.Commands = []cli.Command{
		{
			Name:  "epk",
			Usage: "build, sign, and validate EPK packages",
			Subcommands: []cli.Command{
				epkPackCommand,
				epkValidateCommand,
				epkSignCommand,
				epkVerifyCommand,
			},
		},
		{
			Name:  "ext2",
			Usage: "inspect EXT2 disk images",
			Subcommands: []cli.Command{
				ext2InspectCommand,
			},
		},
		{
			Name:  "exos",
			Usage: "inspect EXOS executables",
			Subcommands: []cli.Command{
				exosDumpCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "exosctl:", err)
		os.Exit(1)
	}
}

var epkPackCommand = cli.Command{
	Name:      "pack",
	Usage:     "build an EPK package from a host directory tree",
	ArgsUsage: "<src-dir> <out.epk>",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "key", Usage: "PEM-encoded Ed25519 private key to sign the package with"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.NewExitError("usage: exosctl epk pack <src-dir> <out.epk>", 2)
		}
		src, out := c.Args().Get(0), c.Args().Get(1)

		entries, err := walkDirectory(src)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}

		var opts epk.BuildOptions
		if key := c.String("key"); key != "" {
			priv, err := loadPrivateKey(key)
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			opts.PrivateKey = priv
		}

		buf, err := epk.Build(entries, opts)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("building package: %v", err), 1)
		}
		if err := ioutil.WriteFile(out, buf, 0o644); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		fmt.Printf("wrote %s (%d entries, %d bytes)\n", out, len(entries), len(buf))
		return nil
	},
}

var epkSignCommand = cli.Command{
	Name:      "sign",
	Usage:     "re-sign an existing (inline-data only) EPK package",
	ArgsUsage: "<in.epk> <out.epk> --key <private-key.pem>",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "key", Usage: "PEM-encoded Ed25519 private key"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 || c.String("key") == "" {
			return cli.NewExitError("usage: exosctl epk sign <in.epk> <out.epk> --key <private-key.pem>", 2)
		}
		in, out := c.Args().Get(0), c.Args().Get(1)

		buf, err := ioutil.ReadFile(in)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		pkg, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{VerifyHash: true})
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("validating input package: %v", err), 1)
		}

		entries, err := rebuildEntries(pkg, buf)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}

		priv, err := loadPrivateKey(c.String("key"))
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}

		signed, err := epk.Build(entries, epk.BuildOptions{PrivateKey: priv})
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("re-signing package: %v", err), 1)
		}
		if err := ioutil.WriteFile(out, signed, 0o644); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		fmt.Printf("wrote signed %s\n", out)
		return nil
	},
}

var epkValidateCommand = cli.Command{
	Name:      "validate",
	Usage:     "check an EPK package's structure and package hash",
	ArgsUsage: "<file.epk>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("usage: exosctl epk validate <file.epk>", 2)
		}
		buf, err := ioutil.ReadFile(c.Args().Get(0))
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		pkg, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{VerifyHash: true})
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("invalid package: %v", err), 1)
		}
		fmt.Printf("valid package: %d entries, %d blocks, signed=%v\n",
			len(pkg.Entries), len(pkg.Blocks), pkg.Header.Flags&epk.FlagHasSignature != 0)
		return nil
	},
}

var epkVerifyCommand = cli.Command{
	Name:      "verify",
	Usage:     "validate an EPK package and check its embedded signature",
	ArgsUsage: "<file.epk>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("usage: exosctl epk verify <file.epk>", 2)
		}
		buf, err := ioutil.ReadFile(c.Args().Get(0))
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		_, err = epk.ValidatePackageBuffer(buf, epk.ValidateOptions{
			VerifyHash:       true,
			VerifySignature:  true,
			RequireSignature: true,
		})
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("signature check failed: %v", err), 1)
		}
		fmt.Println("signature OK")
		return nil
	},
}

var ext2InspectCommand = cli.Command{
	Name:      "inspect",
	Usage:     "list a directory inside a host-file-backed EXT2 image",
	ArgsUsage: "<image-file> [subpath]",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "sector-size", Value: 512},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.NewExitError("usage: exosctl ext2 inspect <image-file> [subpath]", 2)
		}
		path := c.Args().Get(0)
		subpath := "/"
		if c.NArg() >= 2 {
			subpath = c.Args().Get(1)
		}

		storage, err := fs.OpenFileStorageUnit(path, c.Int("sector-size"))
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer storage.Close()

		vol, err := ext2.OpenVolume(storage)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("opening volume: %v", err), 1)
		}
		driver := ext2.NewDriver(vol)

		entries, err := driver.ListDirectory(subpath)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("listing %s: %v", subpath, err), 1)
		}
		for _, e := range entries {
			kind := "file"
			if e.FileType == ext2.EntryTypeDirectory {
				kind = "dir"
			}
			fmt.Printf("%-6s %8d  %s\n", kind, e.Inode, e.Name)
		}
		return nil
	},
}

var exosDumpCommand = cli.Command{
	Name:      "dump",
	Usage:     "print an EXOS executable's INIT chunk without loading it",
	ArgsUsage: "<file.exe>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("usage: exosctl exos dump <file.exe>", 2)
		}
		f, err := os.Open(c.Args().Get(0))
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer f.Close()

		info, err := loader.Peek(f)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("reading executable: %v", err), 1)
		}
		fmt.Printf("entry_point     0x%08x\n", info.EntryPoint)
		fmt.Printf("code_base       0x%08x\n", info.CodeBase)
		fmt.Printf("code_size       %d\n", info.CodeSize)
		fmt.Printf("data_base       0x%08x\n", info.DataBase)
		fmt.Printf("data_size       %d\n", info.DataSize)
		fmt.Printf("heap_requested  %d\n", info.HeapRequested)
		fmt.Printf("stack_requested %d\n", info.StackRequested)
		return nil
	},
}

// walkDirectory builds a BuildEntry tree from a host directory, in the
// order epk_pack.c's ScanDirectory emits TOC records: parent folders
// before the files and aliases they contain.
func walkDirectory(root string) ([]epk.BuildEntry, error) {
	var entries []epk.BuildEntry
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			entries = append(entries, epk.BuildEntry{
				NodeType:     epk.NodeFolder,
				Path:         rel,
				Permissions:  uint32(info.Mode().Perm()),
				ModifiedTime: uint32(info.ModTime().Unix()),
			})
			return nil
		}

		data, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, epk.BuildEntry{
			NodeType:     epk.NodeFile,
			Path:         rel,
			Permissions:  uint32(info.Mode().Perm()),
			ModifiedTime: uint32(info.ModTime().Unix()),
			Data:         data,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return strings.Count(entries[i].Path, "/") < strings.Count(entries[j].Path, "/")
	})
	return entries, nil
}

// rebuildEntries reconstructs a BuildEntry list from an already-validated
// package, for "sign" to feed back into Build. Only inline-data FILE,
// FOLDER, and FOLDER_ALIAS entries are supported, matching Build's own
// limitation.
func rebuildEntries(pkg *epk.Package, buf []byte) ([]epk.BuildEntry, error) {
	entries := make([]epk.BuildEntry, 0, len(pkg.Entries))
	for _, e := range pkg.Entries {
		be := epk.BuildEntry{
			NodeType:     e.NodeType,
			Path:         strings.TrimPrefix(e.Path, "/"),
			Permissions:  e.Permissions,
			ModifiedTime: e.ModifiedTime,
		}
		switch e.NodeType {
		case epk.NodeFile:
			if e.Flags&epk.EntryHasBlocks != 0 {
				return nil, fmt.Errorf("entry %q uses block-compressed storage, unsupported by sign", e.Path)
			}
			end := uint64(e.InlineData.Offset) + uint64(e.InlineData.Size)
			if end > uint64(len(buf)) {
				return nil, fmt.Errorf("entry %q inline data exceeds package size", e.Path)
			}
			be.Data = buf[e.InlineData.Offset:end]
		case epk.NodeFolderAlias:
			be.AliasTarget = e.AliasTarget
		}
		entries = append(entries, be)
	}
	return entries, nil
}

// loadPrivateKey reads Ed25519 key material from path, either as the
// bytes of a PEM block (taken raw, not PKCS#8-decoded) or, when the file
// holds no PEM block, as hex text. The material must be a 32-byte seed or
// a 64-byte expanded private key. There is no companion "exosctl keygen"
// in this release, so keys are provisioned externally.
func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	var seed []byte
	if block != nil {
		seed = block.Bytes
	} else {
		decoded, hexErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if hexErr != nil {
			return nil, fmt.Errorf("key file is neither PEM nor hex-encoded")
		}
		seed = decoded
	}
	switch len(seed) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(seed), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(seed), nil
	default:
		return nil, fmt.Errorf("key material is %d bytes, expected %d (seed) or %d (expanded key)",
			len(seed), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}
