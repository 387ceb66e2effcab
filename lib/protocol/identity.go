package protocol

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-shield/lib/crypto/sig"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// DefaultKeyHistory is how many retired signing keys an identity keeps.
const DefaultKeyHistory = 4

// Identity is this node's user id and signing keys. Retired keys are kept so
// that peers holding an old record can still be answered with a key they know.
type Identity struct {
	ID packet.UserID

	mu       sync.RWMutex
	current  types.SigningPrivateKey
	previous []types.SigningPrivateKey
	history  int
}

// NewIdentity wraps an existing key.
func NewIdentity(id packet.UserID, key types.SigningPrivateKey) *Identity {
	return &Identity{ID: id, current: key, history: DefaultKeyHistory}
}

// GenerateIdentity creates a random user id and a fresh key of the given scheme.
func GenerateIdentity(scheme types.SignatureScheme) (*Identity, error) {
	var id packet.UserID
	if _, err := rand.Read(id[:]); err != nil {
		return nil, oops.Errorf("failed to generate user id: %w", err)
	}
	key, err := scheme.GenerateKey()
	if err != nil {
		return nil, oops.Errorf("failed to generate %s key: %w", scheme.Name(), err)
	}
	return NewIdentity(id, key), nil
}

// Current is the key new packets are signed with.
func (i *Identity) Current() types.SigningPrivateKey {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.current
}

// Lookup finds the private key whose public half is pk.
func (i *Identity) Lookup(pk types.PublicKey) (types.SigningPrivateKey, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.current.Public().Equal(pk) {
		return i.current, true
	}
	for _, k := range i.previous {
		if k.Public().Equal(pk) {
			return k, true
		}
	}
	return nil, false
}

// Rotate makes next the current key and retires the old one.
func (i *Identity) Rotate(next types.SigningPrivateKey) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.previous = append([]types.SigningPrivateKey{i.current}, i.previous...)
	if len(i.previous) > i.history {
		i.previous = i.previous[:i.history]
	}
	i.current = next
	log.WithField("key", next.Public().String()).Info("signing_key_rotated")
}

// Previous lists the retired public keys, newest first.
func (i *Identity) Previous() []types.PublicKey {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]types.PublicKey, len(i.previous))
	for n, k := range i.previous {
		out[n] = k.Public()
	}
	return out
}

type keyEntry struct {
	Scheme string `yaml:"scheme"`
	Key    string `yaml:"key"`
}

type keyFile struct {
	ID       string     `yaml:"id"`
	Current  keyEntry   `yaml:"current"`
	Previous []keyEntry `yaml:"previous,omitempty"`
}

func encodeKey(k types.SigningPrivateKey) keyEntry {
	return keyEntry{Scheme: k.Scheme().Name(), Key: base64.StdEncoding.EncodeToString(k.Bytes())}
}

func decodeKey(e keyEntry) (types.SigningPrivateKey, error) {
	scheme, err := sig.ByName(e.Scheme)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(e.Key)
	if err != nil {
		return nil, oops.Wrapf(ErrIdentity, "key encoding: %v", err)
	}
	return scheme.ParsePrivateKey(raw)
}

// Marshal encodes the identity as YAML, private keys included.
func (i *Identity) Marshal() ([]byte, error) {
	i.mu.RLock()
	kf := keyFile{ID: i.ID.String(), Current: encodeKey(i.current)}
	for _, k := range i.previous {
		kf.Previous = append(kf.Previous, encodeKey(k))
	}
	i.mu.RUnlock()
	return yaml.Marshal(kf)
}

// UnmarshalIdentity reverses Marshal.
func UnmarshalIdentity(data []byte) (*Identity, error) {
	var kf keyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, oops.Wrapf(ErrIdentity, "%v", err)
	}
	id, err := packet.ParseUserID(kf.ID)
	if err != nil {
		return nil, oops.Wrapf(ErrIdentity, "%v", err)
	}
	cur, err := decodeKey(kf.Current)
	if err != nil {
		return nil, err
	}
	ident := NewIdentity(id, cur)
	for _, e := range kf.Previous {
		k, err := decodeKey(e)
		if err != nil {
			return nil, err
		}
		ident.previous = append(ident.previous, k)
	}
	return ident, nil
}

// LoadIdentity reads a key file.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Errorf("failed to read key file %s: %w", path, err)
	}
	return UnmarshalIdentity(data)
}

// LoadOrCreateIdentity loads path, generating and saving a new identity if it does not exist.
func LoadOrCreateIdentity(path string, scheme types.SignatureScheme) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadIdentity(path)
	} else if !os.IsNotExist(err) {
		return nil, oops.Errorf("failed to stat key file %s: %w", path, err)
	}
	ident, err := GenerateIdentity(scheme)
	if err != nil {
		return nil, err
	}
	if err := ident.Save(path); err != nil {
		return nil, err
	}
	log.WithField("path", path).Info("generated_new_identity")
	return ident, nil
}

// Save writes the key file with owner-only permissions.
func (i *Identity) Save(path string) error {
	data, err := i.Marshal()
	if err != nil {
		return oops.Errorf("failed to encode identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return oops.Errorf("failed to create key directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
