// Package assemble reassembles multi-chunk messages from validated packets.
//
// State is keyed by message id in a sharded map. Each message records its
// owning user id; chunks claiming another owner are dropped. A completed
// message leaves a tombstone until its sunset so a repeated chunk never
// delivers the message twice. A message that broke a repeat or size limit is
// dead: its parts are freed and every later chunk is dropped until the sunset.
package assemble

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/shard"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// Config bounds the memory a sender can pin.
type Config struct {
	Shards int
	// Sunset is the lifetime of a message entry, tombstone included.
	Sunset time.Duration
	// IdleMax drops partial messages with no new chunk for this long.
	IdleMax time.Duration
	// RepTotalLim is the number of repeated chunks tolerated per message.
	RepTotalLim int
	// RepPacketLim is the number of repeats tolerated per chunk index.
	RepPacketLim int
	MaxMsgBytes  int
	GCInterval   time.Duration
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Shards:       64,
		Sunset:       600 * time.Second,
		IdleMax:      60 * time.Second,
		RepTotalLim:  128,
		RepPacketLim: 32,
		MaxMsgBytes:  1 << 20,
		GCInterval:   30 * time.Second,
	}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.MaxMsgBytes <= 0 {
		return oops.Wrapf(ErrInvalidConfig, "max_msg_bytes must be positive")
	}
	if c.IdleMax <= 0 || c.Sunset < c.IdleMax {
		return oops.Wrapf(ErrInvalidConfig, "sunset %s must not be below idle_max %s", c.Sunset, c.IdleMax)
	}
	return nil
}

type part struct {
	data    []byte
	repeats int
}

// MsgState is a partially received message.
type MsgState struct {
	Owner    packet.UserID
	Type     packet.MsgType
	Total    uint32
	Bytes    int
	Repeats  int
	First    time.Time
	Last     time.Time
	Complete bool
	// Dead marks a message abandoned after a limit breach.
	Dead bool

	parts map[uint32]*part
}

// Stats is a point-in-time summary.
type Stats struct {
	Partial    int
	Tombstones int
	Delivered  uint64
	Dropped    uint64
}

// Assembler collects chunks into messages.
type Assembler struct {
	cfg     Config
	msgs    *shard.Map[packet.MsgID, MsgState]
	nowFunc func() time.Time

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an assembler.
func New(cfg Config) *Assembler {
	return &Assembler{
		cfg: cfg,
		msgs: shard.New[packet.MsgID, MsgState](cfg.Shards, func(id packet.MsgID) []byte {
			return binary.BigEndian.AppendUint64(nil, uint64(id))
		}),
		nowFunc: time.Now,
	}
}

// SetClock replaces the time source.
func (a *Assembler) SetClock(now func() time.Time) {
	a.nowFunc = now
}

// GetMsg adds one chunk. It returns the full message once every chunk is
// present, or drop=true when the chunk must be discarded. A nil message with
// drop=false means more chunks are needed.
func (a *Assembler) GetMsg(meta packet.Meta, chunk []byte) (drop bool, msg []byte) {
	body := trimPad(meta, chunk)
	if meta.Chunk.Total == 1 {
		return a.single(meta, body)
	}

	now := a.nowFunc()
	reason := ""
	a.msgs.Compute(meta.MsgID, func(st *MsgState) *MsgState {
		if st == nil {
			st = &MsgState{
				Owner: meta.UserID,
				Type:  meta.Type,
				Total: meta.Chunk.Total,
				First: now,
				parts: make(map[uint32]*part),
			}
		}
		drop, reason, msg = a.add(st, meta, body, now)
		return st
	})

	if drop {
		a.dropped.Add(1)
		log.WithFields(logger.Fields{
			"at":     "(Assembler) GetMsg",
			"mid":    meta.MsgID,
			"index":  meta.Chunk.Index,
			"total":  meta.Chunk.Total,
			"reason": reason,
		}).Debug("chunk_dropped")
	} else if msg != nil {
		a.delivered.Add(1)
	}
	return drop, msg
}

// single handles one-chunk messages. A tombstone is still kept so that a
// replayed packet is not delivered again.
func (a *Assembler) single(meta packet.Meta, body []byte) (bool, []byte) {
	now := a.nowFunc()
	fresh := false
	owned := true
	a.msgs.Compute(meta.MsgID, func(st *MsgState) *MsgState {
		if st != nil {
			owned = st.Owner == meta.UserID
			if owned {
				st.Repeats++
			}
			return st
		}
		fresh = true
		return &MsgState{Owner: meta.UserID, Type: meta.Type, Total: 1, First: now, Last: now, Complete: true}
	})
	if !fresh {
		a.dropped.Add(1)
		log.WithFields(logger.Fields{
			"at":     "(Assembler) single",
			"mid":    meta.MsgID,
			"owned":  owned,
			"reason": "message already seen",
		}).Debug("chunk_dropped")
		return true, nil
	}
	a.delivered.Add(1)
	out := make([]byte, len(body))
	copy(out, body)
	return false, out
}

func (a *Assembler) add(st *MsgState, meta packet.Meta, body []byte, now time.Time) (bool, string, []byte) {
	switch {
	case st.Owner != meta.UserID:
		return true, "owner mismatch", nil
	case st.Type != meta.Type || st.Total != meta.Chunk.Total:
		return true, "inconsistent chunk header", nil
	case st.Complete:
		st.Repeats++
		return true, "message already delivered", nil
	case st.Dead:
		st.Last = now
		return true, "message dropped", nil
	}

	if p, ok := st.parts[meta.Chunk.Index]; ok {
		st.Repeats++
		p.repeats++
		st.Last = now
		if st.Repeats > a.cfg.RepTotalLim || p.repeats > a.cfg.RepPacketLim {
			st.kill()
			return true, "repeat limit", nil
		}
		// a repeat carries nothing new
		return false, "", nil
	}

	if st.Bytes+len(body) > a.cfg.MaxMsgBytes {
		st.Last = now
		st.kill()
		return true, "message byte limit", nil
	}
	data := make([]byte, len(body))
	copy(data, body)
	st.parts[meta.Chunk.Index] = &part{data: data}
	st.Bytes += len(body)
	st.Last = now

	if uint32(len(st.parts)) < st.Total {
		return false, "", nil
	}
	out := make([]byte, 0, st.Bytes)
	for i := uint32(0); i < st.Total; i++ {
		out = append(out, st.parts[i].data...)
	}
	st.Complete = true
	st.parts = nil
	return false, "", out
}

func (st *MsgState) kill() {
	st.Dead = true
	st.parts = nil
	st.Bytes = 0
}

func trimPad(meta packet.Meta, chunk []byte) []byte {
	n := len(chunk) - int(meta.Chunk.Pad)
	if n < 0 {
		n = 0
	}
	return chunk[:n]
}

// Len is the number of tracked messages, tombstones included.
func (a *Assembler) Len() int {
	return a.msgs.Len()
}

// Stats summarizes the assembler.
func (a *Assembler) Stats() Stats {
	st := Stats{Delivered: a.delivered.Load(), Dropped: a.dropped.Load()}
	a.msgs.Retain(func(_ packet.MsgID, m *MsgState) bool {
		if m.Complete || m.Dead {
			st.Tombstones++
		} else {
			st.Partial++
		}
		return true
	})
	return st
}

// Sweep removes messages past their sunset and partial messages gone idle.
// Dead entries stay until the sunset.
func (a *Assembler) Sweep(now time.Time) int {
	removed := a.msgs.Retain(func(_ packet.MsgID, m *MsgState) bool {
		if now.Sub(m.First) >= a.cfg.Sunset {
			return false
		}
		return m.Complete || m.Dead || now.Sub(m.Last) < a.cfg.IdleMax
	})
	if removed > 0 {
		log.WithFields(logger.Fields{
			"at":      "(Assembler) Sweep",
			"removed": removed,
		}).Debug("messages_swept")
	}
	return removed
}

// Run sweeps every GCInterval until ctx is done.
func (a *Assembler) Run(ctx context.Context) error {
	every := a.cfg.GCInterval
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Sweep(a.nowFunc())
		}
	}
}
