package guard

import (
	"context"
	"net/netip"
	"time"

	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/handshake"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/shard"
	"github.com/go-i2p/logger"
	lru "github.com/hashicorp/golang-lru/v2"
)

// UserState is the policy state of a user.
type UserState uint8

const (
	UserUnknown UserState = iota
	UserBlacklist
	UserWhitelist
)

func (s UserState) String() string {
	switch s {
	case UserBlacklist:
		return "blacklist"
	case UserWhitelist:
		return "whitelist"
	}
	return "unknown"
}

// KeyRecord is a signing key and when it took its current role.
type KeyRecord struct {
	Key   types.PublicKey
	Since time.Time
}

// UserLog is everything known about one claimed user id.
type UserLog struct {
	State UserState
	Key   *KeyRecord
	// OldKey is only set while a key rotation awaits confirmation.
	OldKey *KeyRecord
	// RequestOldSignature asks the peer to sign its next request with OldKey.
	RequestOldSignature bool
	// Seen remembers previously observed signing keys by fingerprint.
	Seen *lru.Cache[string, time.Time]
	// Sessions holds established sessions by peer address; one user may talk
	// from several. Handshakes holds the exchanges still in progress, so a new
	// HReq1 never disturbs an established session.
	Sessions   map[netip.AddrPort]*handshake.Session
	Handshakes map[netip.AddrPort]*handshake.Session
	// Known marks users registered from configuration or the store.
	Known    bool
	Created  time.Time
	LastSeen time.Time
}

// UserConfig holds the user guard parameters.
type UserConfig struct {
	Shards int
	// OldKeyTTL reverts an unconfirmed rotation after this long.
	OldKeyTTL time.Duration
	// KeyHistory bounds the seen-key LRU.
	KeyHistory int
	// IdleExpiry removes unknown, sessionless users after this long.
	IdleExpiry time.Duration
	GCInterval time.Duration
}

// DefaultUserConfig returns the stock parameters.
func DefaultUserConfig() UserConfig {
	return UserConfig{
		Shards:     64,
		OldKeyTTL:  600 * time.Second,
		KeyHistory: 8,
		IdleExpiry: time.Hour,
		GCInterval: time.Minute,
	}
}

// UserStats is a point-in-time summary.
type UserStats struct {
	Tracked     int
	Known       int
	Blacklisted int
	Rotating    int
	Sessions    int
	Handshakes  int
	Dropped     uint64
	Admitted    uint64
}

// UserGuard tracks claimed user ids.
type UserGuard struct {
	cfg     UserConfig
	logs    *shard.Map[packet.UserID, UserLog]
	nowFunc func() time.Time

	counters counters
}

// NewUserGuard creates a guard.
func NewUserGuard(cfg UserConfig) *UserGuard {
	if cfg.KeyHistory < 1 {
		cfg.KeyHistory = 1
	}
	return &UserGuard{
		cfg:     cfg,
		logs:    shard.New[packet.UserID, UserLog](cfg.Shards, func(u packet.UserID) []byte { return u[:] }),
		nowFunc: time.Now,
	}
}

// SetClock replaces the time source.
func (g *UserGuard) SetClock(now func() time.Time) {
	g.nowFunc = now
}

func (g *UserGuard) newLog(now time.Time) *UserLog {
	seen, err := lru.New[string, time.Time](g.cfg.KeyHistory)
	if err != nil {
		// only fails for a non-positive size, which NewUserGuard rules out
		panic(err)
	}
	return &UserLog{
		Seen:       seen,
		Sessions:   make(map[netip.AddrPort]*handshake.Session),
		Handshakes: make(map[netip.AddrPort]*handshake.Session),
		Created:    now,
		LastSeen:   now,
	}
}

// DropPacket reports whether a packet claiming uid must be dropped. Unknown
// users only get an entry when acceptUnknown is set.
func (g *UserGuard) DropPacket(uid packet.UserID, acceptUnknown bool) bool {
	now := g.nowFunc()
	drop := false
	reason := ""
	g.logs.Compute(uid, func(ulog *UserLog) *UserLog {
		if ulog == nil {
			if !acceptUnknown {
				drop, reason = true, "unknown user"
				return nil
			}
			ulog = g.newLog(now)
		}
		if ulog.State == UserBlacklist {
			drop, reason = true, "blacklisted"
		}
		ulog.LastSeen = now
		return ulog
	})
	if drop {
		g.counters.dropped.Add(1)
		log.WithFields(logger.Fields{
			"at":     "(UserGuard) DropPacket",
			"uid":    uid.String(),
			"reason": reason,
		}).Debug("user_drop")
	} else {
		g.counters.admitted.Add(1)
	}
	return drop
}

// Establish moves the completed handshake with addr into Sessions, replacing
// any earlier session from that address.
func (u *UserLog) Establish(addr netip.AddrPort) {
	if s := u.Handshakes[addr]; s != nil {
		u.Sessions[addr] = s
		delete(u.Handshakes, addr)
	}
}

// Register seeds a known user with its current key. The key of a user whose
// rotation is still in doubt is left to the rotation.
func (g *UserGuard) Register(uid packet.UserID, key types.PublicKey) {
	now := g.nowFunc()
	g.logs.Compute(uid, func(ulog *UserLog) *UserLog {
		if ulog == nil {
			ulog = g.newLog(now)
		}
		ulog.Known = true
		if !key.IsZero() && !ulog.Rotating() {
			ulog.Key = &KeyRecord{Key: key, Since: now}
			ulog.Seen.Add(string(key.Marshal()), now)
		}
		return ulog
	})
}

// SetState changes the policy state, creating the entry if needed.
func (g *UserGuard) SetState(uid packet.UserID, st UserState) {
	now := g.nowFunc()
	g.logs.Compute(uid, func(ulog *UserLog) *UserLog {
		if ulog == nil {
			ulog = g.newLog(now)
			ulog.Known = true
		}
		ulog.State = st
		return ulog
	})
}

// Blacklist drops all further packets claiming uid.
func (g *UserGuard) Blacklist(uid packet.UserID) {
	g.SetState(uid, UserBlacklist)
}

// Whitelist marks uid as trusted.
func (g *UserGuard) Whitelist(uid packet.UserID) {
	g.SetState(uid, UserWhitelist)
}

// Update runs fn under the entry's shard write lock.
func (g *UserGuard) Update(uid packet.UserID, fn func(*UserLog)) bool {
	return g.logs.Update(uid, func(ulog *UserLog) bool {
		fn(ulog)
		return true
	})
}

// View runs fn under the entry's shard read lock.
func (g *UserGuard) View(uid packet.UserID, fn func(*UserLog)) bool {
	return g.logs.View(uid, fn)
}

// Len is the number of tracked users.
func (g *UserGuard) Len() int {
	return g.logs.Len()
}

// Stats summarizes the guard.
func (g *UserGuard) Stats() UserStats {
	st := UserStats{
		Dropped:  g.counters.dropped.Load(),
		Admitted: g.counters.admitted.Load(),
	}
	g.logs.Retain(func(_ packet.UserID, ulog *UserLog) bool {
		st.Tracked++
		st.Sessions += len(ulog.Sessions)
		st.Handshakes += len(ulog.Handshakes)
		if ulog.Known {
			st.Known++
		}
		if ulog.State == UserBlacklist {
			st.Blacklisted++
		}
		if ulog.OldKey != nil {
			st.Rotating++
		}
		return true
	})
	return st
}

// Sweep expires unconfirmed rotations, stale handshakes and idle unknown users.
// An entry that never got a key, such as one left by a packet that failed
// validation, only lives for handshakeExpiry.
func (g *UserGuard) Sweep(now time.Time, handshakeExpiry time.Duration) int {
	removed := g.logs.Retain(func(uid packet.UserID, ulog *UserLog) bool {
		if ulog.ExpireRotation(now, g.cfg.OldKeyTTL) {
			log.WithFields(logger.Fields{
				"at":     "(UserGuard) Sweep",
				"uid":    uid.String(),
				"reason": "rotation not confirmed",
			}).Info("key_rotation_reverted")
		}
		for addr, s := range ulog.Handshakes {
			if now.Sub(s.Updated) > handshakeExpiry {
				delete(ulog.Handshakes, addr)
			}
		}
		if ulog.Known || ulog.State != UserUnknown || len(ulog.Sessions)+len(ulog.Handshakes) > 0 {
			return true
		}
		idle := now.Sub(ulog.LastSeen)
		if ulog.Key == nil {
			return idle < handshakeExpiry
		}
		return idle < g.cfg.IdleExpiry
	})
	if removed > 0 {
		log.WithFields(logger.Fields{
			"at":      "(UserGuard) Sweep",
			"removed": removed,
		}).Debug("user_logs_swept")
	}
	return removed
}

// Run sweeps every GCInterval until ctx is done.
func (g *UserGuard) Run(ctx context.Context, handshakeExpiry time.Duration) error {
	return runSweeper(ctx, g.cfg.GCInterval, func() { g.Sweep(g.nowFunc(), handshakeExpiry) })
}
