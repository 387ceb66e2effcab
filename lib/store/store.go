// Package store persists user signing keys in LevelDB so that known users
// survive restarts.
package store

import (
	"errors"
	"time"

	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"gopkg.in/yaml.v3"
)

var log = logger.GetGoI2PLogger()

var ErrNotFound = errors.New("user not found")

const userPrefix = "user/"

// User is one stored record.
type User struct {
	ID      packet.UserID
	Key     types.PublicKey
	Updated time.Time
}

type record struct {
	Scheme  uint8     `yaml:"scheme"`
	Key     []byte    `yaml:"key"`
	Updated time.Time `yaml:"updated"`
}

// Users is a LevelDB-backed user registry.
type Users struct {
	path string
	ldb  *leveldb.DB
}

func options(cache int) *opt.Options {
	if cache < 16 {
		cache = 16
	}
	return &opt.Options{
		BlockCacheCapacity: cache / 2 * opt.MiB,
		WriteBuffer:        cache / 4 * opt.MiB,
		Filter:             filter.NewBloomFilter(10),
	}
}

// Open opens or creates the database at path, recovering it if the manifest is corrupt.
// cache is in MiB.
func Open(path string, cache int) (*Users, error) {
	ldb, err := leveldb.OpenFile(path, options(cache))
	if lerrors.IsCorrupted(err) {
		log.WithField("path", path).Warn("user_store_corrupted_recovering")
		ldb, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, oops.Errorf("failed to open user store %s: %w", path, err)
	}
	return &Users{path: path, ldb: ldb}, nil
}

// OpenMemory opens a store that lives only in memory.
func OpenMemory() (*Users, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), options(0))
	if err != nil {
		return nil, oops.Errorf("failed to open memory store: %w", err)
	}
	return &Users{path: ":memory:", ldb: ldb}, nil
}

func userKey(uid packet.UserID) []byte {
	return append([]byte(userPrefix), uid[:]...)
}

// PutUser records key as the current key of uid.
func (s *Users) PutUser(uid packet.UserID, key types.PublicKey) error {
	data, err := yaml.Marshal(record{Scheme: uint8(key.Scheme), Key: key.Key, Updated: time.Now().UTC()})
	if err != nil {
		return oops.Errorf("failed to encode user %s: %w", uid, err)
	}
	if err := s.ldb.Put(userKey(uid), data, nil); err != nil {
		return oops.Errorf("failed to store user %s: %w", uid, err)
	}
	log.WithFields(logger.Fields{
		"at":  "(Users) PutUser",
		"uid": uid.String(),
		"key": key.String(),
	}).Debug("user_stored")
	return nil
}

func decode(uid packet.UserID, data []byte) (User, error) {
	var r record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return User{}, oops.Errorf("corrupt record for %s: %w", uid, err)
	}
	return User{ID: uid, Key: types.PublicKey{Scheme: types.SchemeID(r.Scheme), Key: r.Key}, Updated: r.Updated}, nil
}

// Get loads uid.
func (s *Users) Get(uid packet.UserID) (User, error) {
	data, err := s.ldb.Get(userKey(uid), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return User{}, oops.Wrapf(ErrNotFound, "%s", uid)
	}
	if err != nil {
		return User{}, oops.Errorf("failed to read user %s: %w", uid, err)
	}
	return decode(uid, data)
}

// Delete removes uid. Deleting an absent user is not an error.
func (s *Users) Delete(uid packet.UserID) error {
	return s.ldb.Delete(userKey(uid), nil)
}

// ForEach calls fn for every stored user until fn returns an error.
func (s *Users) ForEach(fn func(User) error) error {
	it := s.ldb.NewIterator(util.BytesPrefix([]byte(userPrefix)), nil)
	defer it.Release()
	for it.Next() {
		var uid packet.UserID
		raw := it.Key()[len(userPrefix):]
		if len(raw) != packet.UserIDLen {
			continue
		}
		copy(uid[:], raw)
		u, err := decode(uid, it.Value())
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
	}
	return it.Error()
}

// Registrar receives the stored users at startup. *guard.UserGuard implements it.
type Registrar interface {
	Register(uid packet.UserID, key types.PublicKey)
}

// LoadInto registers every stored user with r and returns how many there were.
func (s *Users) LoadInto(r Registrar) (int, error) {
	n := 0
	err := s.ForEach(func(u User) error {
		r.Register(u.ID, u.Key)
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	log.WithFields(logger.Fields{"path": s.path, "users": n}).Info("users_loaded")
	return n, nil
}

// Close closes the database.
func (s *Users) Close() error {
	return s.ldb.Close()
}
