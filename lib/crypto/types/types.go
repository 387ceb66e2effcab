package types

import (
	"bytes"
	"encoding/hex"
	"errors"
)

var (
	ErrBadSignatureSize = errors.New("bad signature size")
	ErrInvalidKeyFormat = errors.New("invalid key format")
	ErrUnknownScheme    = errors.New("unknown signature scheme")
)

// Hasher produces the digest that proof-of-work is measured against.
type Hasher interface {
	Name() string
	// Size is the digest length in bytes.
	Size() int
	Digest(data []byte) []byte
}

// SchemeID identifies a signature scheme on the wire.
type SchemeID uint8

// SignatureScheme verifies and produces packet signatures.
type SignatureScheme interface {
	ID() SchemeID
	Name() string
	PublicKeySize() int
	SignatureSize() int
	// Verify checks sig over msg with the raw public key pub. It returns
	// false on any malformed input.
	Verify(pub, msg, sig []byte) bool
	GenerateKey() (SigningPrivateKey, error)
	ParsePrivateKey(data []byte) (SigningPrivateKey, error)
}

// SigningPrivateKey signs packets with one scheme.
type SigningPrivateKey interface {
	Scheme() SignatureScheme
	Public() PublicKey
	Sign(msg []byte) ([]byte, error)
	Bytes() []byte
}

// PublicKey is a signing public key tagged with its scheme.
type PublicKey struct {
	Scheme SchemeID
	Key    []byte
}

func (k PublicKey) IsZero() bool {
	return len(k.Key) == 0
}

func (k PublicKey) Equal(o PublicKey) bool {
	return k.Scheme == o.Scheme && bytes.Equal(k.Key, o.Key)
}

// Marshal returns the scheme id followed by the raw key.
func (k PublicKey) Marshal() []byte {
	out := make([]byte, 1+len(k.Key))
	out[0] = byte(k.Scheme)
	copy(out[1:], k.Key)
	return out
}

// UnmarshalPublicKey parses the Marshal form. Key length is checked by the scheme on use.
func UnmarshalPublicKey(data []byte) (PublicKey, error) {
	if len(data) < 2 {
		return PublicKey{}, ErrInvalidKeyFormat
	}
	key := make([]byte, len(data)-1)
	copy(key, data[1:])
	return PublicKey{Scheme: SchemeID(data[0]), Key: key}, nil
}

// String returns a short hex fingerprint for logs.
func (k PublicKey) String() string {
	s := hex.EncodeToString(k.Key)
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

// KEM is a key-encapsulation mechanism yielding a shared secret.
type KEM interface {
	Name() string
	GenerateKeyPair() (pub, priv []byte, err error)
	Encapsulate(pub []byte) (ct, secret []byte, err error)
	Decapsulate(priv, ct []byte) (secret []byte, err error)
}
