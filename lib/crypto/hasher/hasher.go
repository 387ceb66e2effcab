// Package hasher provides the proof-of-work digest functions.
package hasher

import (
	"errors"
	"strings"

	"github.com/go-i2p/go-shield/lib/crypto/types"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

var ErrUnknownHasher = errors.New("unknown hasher")

const (
	NameSHA3   = "sha3-256"
	NameBLAKE2 = "blake2b-256"
)

// SHA3 hashes with SHA3-256.
type SHA3 struct{}

func (SHA3) Name() string { return NameSHA3 }
func (SHA3) Size() int { return 32 }

func (SHA3) Digest(data []byte) []byte {
	d := sha3.Sum256(data)
	return d[:]
}

// BLAKE2 hashes with BLAKE2b-256.
type BLAKE2 struct{}

func (BLAKE2) Name() string { return NameBLAKE2 }
func (BLAKE2) Size() int { return blake2b.Size256 }

func (BLAKE2) Digest(data []byte) []byte {
	d := blake2b.Sum256(data)
	return d[:]
}

// ByName returns the hasher registered under name, case-insensitive.
func ByName(name string) (types.Hasher, error) {
	switch strings.ToLower(name) {
	case NameSHA3, "sha3":
		return SHA3{}, nil
	case NameBLAKE2, "blake2b":
		return BLAKE2{}, nil
	}
	return nil, ErrUnknownHasher
}
