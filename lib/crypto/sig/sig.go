// Package sig adapts circl signature schemes to the packet signer capability.
package sig

import (
	"strings"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/cloudflare/circl/sign/ed448"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// Wire identifiers of the supported schemes.
const (
	Ed25519 types.SchemeID = 1
	Ed448   types.SchemeID = 2
)

type scheme struct {
	id    types.SchemeID
	inner sign.Scheme
}

var schemes = map[types.SchemeID]*scheme{
	Ed25519: {id: Ed25519, inner: ed25519.Scheme()},
	Ed448:   {id: Ed448, inner: ed448.Scheme()},
}

// ByID returns the scheme registered under id.
func ByID(id types.SchemeID) (types.SignatureScheme, error) {
	s, ok := schemes[id]
	if !ok {
		return nil, oops.Wrapf(types.ErrUnknownScheme, "scheme id %d", id)
	}
	return s, nil
}

// ByName looks a scheme up by its circl name, case-insensitive.
func ByName(name string) (types.SignatureScheme, error) {
	for _, s := range schemes {
		if strings.EqualFold(s.inner.Name(), name) {
			return s, nil
		}
	}
	return nil, oops.Wrapf(types.ErrUnknownScheme, "scheme %q", name)
}

// Verify checks sig against a tagged public key.
func Verify(pk types.PublicKey, msg, signature []byte) bool {
	s, err := ByID(pk.Scheme)
	if err != nil {
		return false
	}
	return s.Verify(pk.Key, msg, signature)
}

func (s *scheme) ID() types.SchemeID { return s.id }
func (s *scheme) Name() string { return s.inner.Name() }
func (s *scheme) PublicKeySize() int { return s.inner.PublicKeySize() }
func (s *scheme) SignatureSize() int { return s.inner.SignatureSize() }

func (s *scheme) Verify(pub, msg, signature []byte) bool {
	if len(pub) != s.inner.PublicKeySize() || len(signature) != s.inner.SignatureSize() {
		return false
	}
	pk, err := s.inner.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":     "(scheme) Verify",
			"scheme": s.Name(),
			"reason": err.Error(),
		}).Debug("rejecting malformed public key")
		return false
	}
	return s.inner.Verify(pk, msg, signature, nil)
}

func (s *scheme) GenerateKey() (types.SigningPrivateKey, error) {
	pk, sk, err := s.inner.GenerateKey()
	if err != nil {
		return nil, oops.Errorf("failed to generate %s key: %w", s.Name(), err)
	}
	return newPrivateKey(s, pk, sk)
}

func (s *scheme) ParsePrivateKey(data []byte) (types.SigningPrivateKey, error) {
	if len(data) != s.inner.PrivateKeySize() {
		return nil, oops.Wrapf(types.ErrInvalidKeyFormat, "%s private key must be %d bytes", s.Name(), s.inner.PrivateKeySize())
	}
	sk, err := s.inner.UnmarshalBinaryPrivateKey(data)
	if err != nil {
		return nil, oops.Wrapf(types.ErrInvalidKeyFormat, "%s private key: %s", s.Name(), err)
	}
	pk, ok := sk.Public().(sign.PublicKey)
	if !ok {
		return nil, oops.Wrapf(types.ErrInvalidKeyFormat, "%s private key has no public half", s.Name())
	}
	return newPrivateKey(s, pk, sk)
}

type privateKey struct {
	scheme *scheme
	sk     sign.PrivateKey
	raw    []byte
	pub    types.PublicKey
}

func newPrivateKey(s *scheme, pk sign.PublicKey, sk sign.PrivateKey) (*privateKey, error) {
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, oops.Errorf("failed to marshal %s public key: %w", s.Name(), err)
	}
	raw, err := sk.MarshalBinary()
	if err != nil {
		return nil, oops.Errorf("failed to marshal %s private key: %w", s.Name(), err)
	}
	return &privateKey{
		scheme: s,
		sk:     sk,
		raw:    raw,
		pub:    types.PublicKey{Scheme: s.id, Key: pub},
	}, nil
}

func (k *privateKey) Scheme() types.SignatureScheme { return k.scheme }
func (k *privateKey) Public() types.PublicKey { return k.pub }
func (k *privateKey) Bytes() []byte { return k.raw }

func (k *privateKey) Sign(msg []byte) ([]byte, error) {
	out := k.scheme.inner.Sign(k.sk, msg, nil)
	if len(out) != k.scheme.SignatureSize() {
		return nil, types.ErrBadSignatureSize
	}
	return out, nil
}
