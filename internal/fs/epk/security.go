package epk

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"

	"github.com/exos-project/exos/internal/kernelerr"
)

const (
	detachedSignatureMagic = 0x53474953
	signatureVersion       = 1
)

// SignatureAlgorithm identifies the detached signature's scheme
// (spec.md §4.12 step 8).
type SignatureAlgorithm uint32

const (
	AlgorithmNone             SignatureAlgorithm = 0
	AlgorithmEd25519          SignatureAlgorithm = 1
	AlgorithmRSAPKCS1v15SHA256 SignatureAlgorithm = 2
)

// verifyPackageHash rebuilds the package image with the package-hash
// field zeroed and the signature region excised, then checks its
// SHA-256 against header.PackageHash (spec.md §4.12 step 8).
func verifyPackageHash(buf []byte, header Header) error {
	h := sha256.New()

	prefix := make([]byte, header.Signature.Offset)
	copy(prefix, buf[:header.Signature.Offset])
	// Zero the 32-byte package_hash field, which lives at header offset 48.
	for i := 48; i < 80 && i < len(prefix); i++ {
		prefix[i] = 0
	}
	h.Write(prefix)

	tailStart := uint64(header.Signature.Offset) + uint64(header.Signature.Size)
	if tailStart < uint64(len(buf)) {
		h.Write(buf[tailStart:])
	}

	sum := h.Sum(nil)
	if string(sum) != string(header.PackageHash[:]) {
		return kernelerr.New(kernelerr.InvalidArgument, "epk: package hash mismatch")
	}
	return nil
}

// verifySignature parses the signature region as a
// DetachedSignatureHeader and verifies it against header.PackageHash
// (spec.md §4.12 step 8).
func verifySignature(buf []byte, header Header) error {
	sigBuf := buf[header.Signature.Offset : header.Signature.Offset+header.Signature.Size]
	if len(sigBuf) < 12 {
		return kernelerr.New(kernelerr.InvalidArgument, "epk: signature region too small")
	}

	magicVal := binary.LittleEndian.Uint32(sigBuf[0:4])
	version := binary.LittleEndian.Uint32(sigBuf[4:8])
	algorithm := SignatureAlgorithm(binary.LittleEndian.Uint32(sigBuf[8:12]))

	if magicVal != detachedSignatureMagic {
		return kernelerr.New(kernelerr.InvalidArgument, "epk: bad detached signature magic")
	}
	if version != signatureVersion {
		return kernelerr.New(kernelerr.InvalidArgument, "epk: unsupported signature version")
	}

	switch algorithm {
	case AlgorithmEd25519:
		rest := sigBuf[12:]
		if len(rest) < ed25519.PublicKeySize+ed25519.SignatureSize {
			return kernelerr.New(kernelerr.InvalidArgument, "epk: truncated ed25519 signature region")
		}
		pub := ed25519.PublicKey(rest[:ed25519.PublicKeySize])
		sig := rest[ed25519.PublicKeySize : ed25519.PublicKeySize+ed25519.SignatureSize]
		if !ed25519.Verify(pub, header.PackageHash[:], sig) {
			return kernelerr.New(kernelerr.Permission, "epk: ed25519 signature verification failed")
		}
		return nil

	case AlgorithmNone:
		return kernelerr.New(kernelerr.Permission, "epk: signature algorithm is NONE")

	case AlgorithmRSAPKCS1v15SHA256:
		return kernelerr.New(kernelerr.NotImplemented, "epk: RSA_PKCS1_V15_SHA256 verification not implemented")

	default:
		return kernelerr.New(kernelerr.InvalidArgument, "epk: unknown signature algorithm")
	}
}
