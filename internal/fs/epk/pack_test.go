package epk_test

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exos-project/exos/internal/fs"
	"github.com/exos-project/exos/internal/fs/epk"
)

func TestBuildRoundTripsThroughValidate(t *testing.T) {
	entries := []epk.BuildEntry{
		{NodeType: epk.NodeFolder, Path: "docs"},
		{NodeType: epk.NodeFile, Path: "docs/readme.txt", Data: []byte("packed contents")},
		{NodeType: epk.NodeFolderAlias, Path: "shortcut", AliasTarget: "docs"},
	}

	buf, err := epk.Build(entries, epk.BuildOptions{})
	require.NoError(t, err)

	pkg, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{VerifyHash: true})
	require.NoError(t, err)
	require.Len(t, pkg.Entries, 3)

	driver, err := epk.NewDriver(pkg)
	require.NoError(t, err)
	require.True(t, driver.FileExists("/docs/readme.txt"))
	require.True(t, driver.FileExists("/shortcut/readme.txt"))

	f, err := driver.OpenFile("/docs/readme.txt", fs.FlagRead)
	require.NoError(t, err)
	out := make([]byte, 64)
	n, err := f.Read(out)
	require.NoError(t, err)
	require.Equal(t, "packed contents", string(out[:n]))
}

func TestBuildSignsAndVerifies(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	entries := []epk.BuildEntry{
		{NodeType: epk.NodeFile, Path: "app.exe", Data: []byte("binary-ish payload")},
	}
	buf, err := epk.Build(entries, epk.BuildOptions{PrivateKey: priv})
	require.NoError(t, err)

	pkg, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{
		VerifyHash:       true,
		VerifySignature:  true,
		RequireSignature: true,
	})
	require.NoError(t, err)
	require.NotZero(t, pkg.Header.Flags&epk.FlagHasSignature)
	_ = pub
}

func TestBuildSignatureTamperIsDetected(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	entries := []epk.BuildEntry{{NodeType: epk.NodeFolder, Path: "x"}}
	buf, err := epk.Build(entries, epk.BuildOptions{PrivateKey: priv})
	require.NoError(t, err)

	buf[len(buf)-1] ^= 0xFF
	_, err = epk.ValidatePackageBuffer(buf, epk.ValidateOptions{VerifySignature: true})
	require.Error(t, err)
}

func TestBuildRejectsEmptyPath(t *testing.T) {
	_, err := epk.Build([]epk.BuildEntry{{NodeType: epk.NodeFolder, Path: ""}}, epk.BuildOptions{})
	require.Error(t, err)
}

func TestBuildUnsignedHasNoSignatureFlag(t *testing.T) {
	entries := []epk.BuildEntry{{NodeType: epk.NodeFolder, Path: "sub"}}
	buf, err := epk.Build(entries, epk.BuildOptions{})
	require.NoError(t, err)

	pkg, err := epk.ValidatePackageBuffer(buf, epk.ValidateOptions{VerifyHash: true})
	require.NoError(t, err)
	require.Zero(t, pkg.Header.Flags&epk.FlagHasSignature)
}
