package assemble

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestAssembler(t *testing.T, mutate func(*Config)) (*Assembler, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Shards = 4
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	a := New(cfg)
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	a.SetClock(clk.Now)
	return a, clk
}

// split cuts body into total chunks with header metadata, padding the last.
func split(mid packet.MsgID, uid packet.UserID, body []byte, size int) ([]packet.Meta, [][]byte) {
	total := (len(body) + size - 1) / size
	metas := make([]packet.Meta, total)
	chunks := make([][]byte, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*size, len(body))
		c := append([]byte(nil), body[i*size:end]...)
		pad := size - len(c)
		c = append(c, make([]byte, pad)...)
		metas[i] = packet.Meta{
			Type:   packet.TypeSession,
			MsgID:  mid,
			UserID: uid,
			Chunk:  packet.ChunkState{Index: uint32(i), Total: uint32(total), Size: uint16(len(c)), Pad: uint16(pad)},
		}
		chunks[i] = c
	}
	return metas, chunks
}

func TestAssembler_SingleChunk(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	meta := packet.Meta{MsgID: 1, Chunk: packet.ChunkState{Total: 1, Size: 5}}

	drop, msg := a.GetMsg(meta, []byte("hello"))
	assert.False(t, drop)
	assert.Equal(t, []byte("hello"), msg)

	drop, msg = a.GetMsg(meta, []byte("hello"))
	assert.True(t, drop, "replayed single chunk")
	assert.Nil(t, msg)
}

func TestAssembler_OrderIndependent(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 25)
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}
	for i, order := range orders {
		a, _ := newTestAssembler(t, nil)
		metas, chunks := split(packet.MsgID(100+i), packet.UserID{1}, body, 100)
		require.Len(t, metas, 3)

		var got []byte
		for n, idx := range order {
			drop, msg := a.GetMsg(metas[idx], chunks[idx])
			require.False(t, drop)
			if n < len(order)-1 {
				assert.Nil(t, msg)
			} else {
				got = msg
			}
		}
		assert.Equal(t, body, got, "order %v", order)
	}
}

func TestAssembler_Idempotent(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	body := bytes.Repeat([]byte{0xAB}, 300)
	metas, chunks := split(7, packet.UserID{1}, body, 100)

	drop, msg := a.GetMsg(metas[0], chunks[0])
	require.False(t, drop)
	require.Nil(t, msg)
	drop, msg = a.GetMsg(metas[0], chunks[0])
	assert.False(t, drop, "a repeat under the limit is tolerated")
	assert.Nil(t, msg)

	a.GetMsg(metas[1], chunks[1])
	_, msg = a.GetMsg(metas[2], chunks[2])
	require.Equal(t, body, msg)

	// the final chunk again must not re-deliver
	drop, msg = a.GetMsg(metas[2], chunks[2])
	assert.True(t, drop)
	assert.Nil(t, msg)
	assert.Equal(t, 1, a.Stats().Tombstones)
}

func TestAssembler_OwnerMismatch(t *testing.T) {
	a, _ := newTestAssembler(t, nil)
	metas, chunks := split(9, packet.UserID{1}, make([]byte, 200), 100)
	drop, _ := a.GetMsg(metas[0], chunks[0])
	require.False(t, drop)

	forged := metas[1]
	forged.UserID = packet.UserID{2}
	drop, msg := a.GetMsg(forged, chunks[1])
	assert.True(t, drop)
	assert.Nil(t, msg)

	forged = metas[1]
	forged.Chunk.Total = 5
	drop, _ = a.GetMsg(forged, chunks[1])
	assert.True(t, drop, "inconsistent total")
}

func TestAssembler_RepeatLimits(t *testing.T) {
	a, _ := newTestAssembler(t, func(c *Config) {
		c.RepPacketLim = 2
		c.RepTotalLim = 3
	})
	metas, chunks := split(11, packet.UserID{1}, make([]byte, 300), 100)

	a.GetMsg(metas[0], chunks[0])
	results := make([]bool, 0, 3)
	for i := 0; i < 3; i++ {
		d, _ := a.GetMsg(metas[0], chunks[0])
		results = append(results, d)
	}
	assert.Equal(t, []bool{false, false, true}, results, "per-chunk limit")

	// the breach kills the message, the missing chunks cannot revive it
	for i := 1; i < len(metas); i++ {
		d, msg := a.GetMsg(metas[i], chunks[i])
		assert.True(t, d)
		assert.Nil(t, msg)
	}
	assert.Equal(t, Stats{Tombstones: 1, Dropped: 3}, a.Stats())

	metas, chunks = split(13, packet.UserID{1}, make([]byte, 300), 100)
	for _, i := range []int{0, 0, 0, 1, 1} {
		d, _ := a.GetMsg(metas[i], chunks[i])
		assert.False(t, d)
	}
	d, _ := a.GetMsg(metas[1], chunks[1])
	assert.True(t, d, "total repeat limit")
	d, msg := a.GetMsg(metas[2], chunks[2])
	assert.True(t, d)
	assert.Nil(t, msg)
}

func TestAssembler_ByteLimit(t *testing.T) {
	a, clk := newTestAssembler(t, func(c *Config) { c.MaxMsgBytes = 150 })
	metas, chunks := split(12, packet.UserID{1}, make([]byte, 300), 100)

	d, _ := a.GetMsg(metas[0], chunks[0])
	assert.False(t, d)
	d, _ = a.GetMsg(metas[1], chunks[1])
	assert.True(t, d)
	d, msg := a.GetMsg(metas[2], chunks[2])
	assert.True(t, d, "dead message drops every later chunk")
	assert.Nil(t, msg)

	clk.now = clk.now.Add(DefaultConfig().IdleMax)
	assert.Zero(t, a.Sweep(clk.Now()), "dead entry outlives the idle limit")
	assert.Equal(t, 1, a.Stats().Tombstones)
}

func TestAssembler_Sweep(t *testing.T) {
	a, clk := newTestAssembler(t, nil)
	cfg := DefaultConfig()

	partial, pchunks := split(20, packet.UserID{1}, make([]byte, 200), 100)
	a.GetMsg(partial[0], pchunks[0])
	a.GetMsg(packet.Meta{MsgID: 21, Chunk: packet.ChunkState{Total: 1}}, nil)
	require.Equal(t, 2, a.Len())

	clk.now = clk.now.Add(cfg.IdleMax)
	assert.Equal(t, 1, a.Sweep(clk.Now()), "idle partial message")
	assert.Equal(t, 1, a.Stats().Tombstones)

	clk.now = clk.now.Add(cfg.Sunset)
	assert.Equal(t, 1, a.Sweep(clk.Now()), "tombstone past sunset")
	assert.Zero(t, a.Len())

	_, msg := a.GetMsg(packet.Meta{MsgID: 21, Chunk: packet.ChunkState{Total: 1}}, []byte("x"))
	assert.Equal(t, []byte("x"), msg)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sunset = time.Second
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
