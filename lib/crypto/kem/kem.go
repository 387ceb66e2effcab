// Package kem provides key-encapsulation mechanisms for session key transport.
package kem

import (
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/samber/oops"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrUnknownKEM   = errors.New("unknown key encapsulation mechanism")
	ErrInvalidInput = errors.New("invalid key encapsulation input")
)

const (
	NameX25519   = "X25519"
	NameMLKEM768 = "ML-KEM-768"
)

// ByName returns the mechanism registered under name, case-insensitive.
func ByName(name string) (types.KEM, error) {
	switch {
	case strings.EqualFold(name, NameX25519):
		return X25519{}, nil
	case strings.EqualFold(name, NameMLKEM768):
		return Circl{Scheme: mlkem768.Scheme()}, nil
	}
	return nil, oops.Wrapf(ErrUnknownKEM, "kem %q", name)
}

// X25519 is an ephemeral-static Diffie-Hellman KEM. The secret is
// HKDF-SHA256(dh, ct||pub).
type X25519 struct{}

func (X25519) Name() string { return NameX25519 }

func (X25519) GenerateKeyPair() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, oops.Errorf("failed to generate X25519 scalar: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, oops.Errorf("failed to derive X25519 public key: %w", err)
	}
	return pub, priv, nil
}

func (x X25519) Encapsulate(pub []byte) (ct, secret []byte, err error) {
	if len(pub) != curve25519.PointSize {
		return nil, nil, ErrInvalidInput
	}
	ct, eph, err := x.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	dh, err := curve25519.X25519(eph, pub)
	if err != nil {
		return nil, nil, oops.Wrapf(ErrInvalidInput, "X25519: %s", err)
	}
	secret, err = x25519Secret(dh, ct, pub)
	return ct, secret, err
}

func (X25519) Decapsulate(priv, ct []byte) ([]byte, error) {
	if len(priv) != curve25519.ScalarSize || len(ct) != curve25519.PointSize {
		return nil, ErrInvalidInput
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, oops.Wrapf(ErrInvalidInput, "X25519: %s", err)
	}
	dh, err := curve25519.X25519(priv, ct)
	if err != nil {
		return nil, oops.Wrapf(ErrInvalidInput, "X25519: %s", err)
	}
	return x25519Secret(dh, ct, pub)
}

func x25519Secret(dh, ct, pub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ct)+len(pub))
	salt = append(salt, ct...)
	salt = append(salt, pub...)
	secret := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, dh, salt, []byte("go-shield x25519 kem")), secret); err != nil {
		return nil, oops.Errorf("failed to derive X25519 secret: %w", err)
	}
	return secret, nil
}

// Circl adapts any circl KEM scheme.
type Circl struct {
	Scheme kem.Scheme
}

func (c Circl) Name() string { return c.Scheme.Name() }

func (c Circl) GenerateKeyPair() (pub, priv []byte, err error) {
	pk, sk, err := c.Scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, oops.Errorf("failed to generate %s key pair: %w", c.Name(), err)
	}
	if pub, err = pk.MarshalBinary(); err != nil {
		return nil, nil, oops.Errorf("failed to marshal %s public key: %w", c.Name(), err)
	}
	if priv, err = sk.MarshalBinary(); err != nil {
		return nil, nil, oops.Errorf("failed to marshal %s private key: %w", c.Name(), err)
	}
	return pub, priv, nil
}

func (c Circl) Encapsulate(pub []byte) (ct, secret []byte, err error) {
	if len(pub) != c.Scheme.PublicKeySize() {
		return nil, nil, ErrInvalidInput
	}
	pk, err := c.Scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, oops.Wrapf(ErrInvalidInput, "%s public key: %s", c.Name(), err)
	}
	return c.Scheme.Encapsulate(pk)
}

func (c Circl) Decapsulate(priv, ct []byte) ([]byte, error) {
	if len(priv) != c.Scheme.PrivateKeySize() || len(ct) != c.Scheme.CiphertextSize() {
		return nil, ErrInvalidInput
	}
	sk, err := c.Scheme.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, oops.Wrapf(ErrInvalidInput, "%s private key: %s", c.Name(), err)
	}
	return c.Scheme.Decapsulate(sk, ct)
}
