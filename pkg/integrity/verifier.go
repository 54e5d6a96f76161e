// Package integrity computes whole-image digests incrementally and compares
// them against trusted checksums.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"

	"github.com/fly-io/fwupdate/pkg/errors"
)

// Size is the length of every supported digest.
const Size = 32

// Algorithm names a 32-byte digest.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// ParseAlgorithm accepts the configured algorithm name; empty means SHA256.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE2b256:
		return BLAKE2b256, nil
	default:
		return "", fmt.Errorf("integrity: unsupported digest algorithm %q", s)
	}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("integrity: unsupported digest algorithm %q", string(a))
	}
}

// Verifier accumulates a digest over bytes fed in order.
type Verifier struct {
	alg Algorithm
	h   hash.Hash
	n   int64
}

// New returns an empty verifier.
func New(alg Algorithm) (*Verifier, error) {
	h, err := alg.newHash()
	if err != nil {
		return nil, err
	}
	return &Verifier{alg: alg, h: h}, nil
}

// Restore rebuilds a verifier from a State snapshot taken after n bytes.
// ok is false when the snapshot is missing or cannot be loaded; callers then
// rebuild the digest from the staged bytes.
func Restore(alg Algorithm, state []byte, n int64) (v *Verifier, ok bool, err error) {
	v, err = New(alg)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return v, true, nil
	}
	u, canLoad := v.h.(encoding.BinaryUnmarshaler)
	if len(state) == 0 || !canLoad {
		return v, false, nil
	}
	if err := u.UnmarshalBinary(state); err != nil {
		return v, false, nil
	}
	v.n = n
	return v, true, nil
}

func (v *Verifier) Algorithm() Algorithm {
	return v.alg
}

// Len is the number of bytes fed so far.
func (v *Verifier) Len() int64 {
	return v.n
}

func (v *Verifier) Write(p []byte) (int, error) {
	n, err := v.h.Write(p)
	v.n += int64(n)
	return n, err
}

// ReadFrom feeds r to the digest until EOF.
func (v *Verifier) ReadFrom(r io.Reader) (int64, error) {
	n, err := io.Copy(v.h, r)
	v.n += n
	return n, errors.Wrap(err, "failed to digest stream")
}

// State serialises the running digest, or returns nil if the algorithm
// does not support it.
func (v *Verifier) State() ([]byte, error) {
	m, ok := v.h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, nil
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal digest state")
	}
	return state, nil
}

// Sum returns the digest of everything written so far without resetting.
func (v *Verifier) Sum() [Size]byte {
	var out [Size]byte
	copy(out[:], v.h.Sum(nil))
	return out
}

// Equal compares two digests in constant time.
func Equal(a, b [Size]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// Digest computes the digest of r.
func Digest(alg Algorithm, r io.Reader) ([Size]byte, error) {
	v, err := New(alg)
	if err != nil {
		return [Size]byte{}, err
	}
	if _, err := v.ReadFrom(r); err != nil {
		return [Size]byte{}, err
	}
	return v.Sum(), nil
}
