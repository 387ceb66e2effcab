package guard

import (
	"context"
	"net/netip"
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
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestAddrGuard(t *testing.T) (*AddressGuard, *fakeClock) {
	t.Helper()
	cfg := DefaultAddrConfig()
	cfg.Shards = 8
	require.NoError(t, cfg.Validate())
	g := NewAddressGuard(cfg)
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g.SetClock(clk.Now)
	return g, clk
}

func TestAddressGuard_UnknownAddressDroppedWithoutState(t *testing.T) {
	g, _ := newTestAddrGuard(t)
	addr := netip.MustParseAddr("192.0.2.1")

	for _, typ := range []packet.MsgType{packet.TypeHResp1, packet.TypeHReq2, packet.TypeHReq3, packet.TypeSession, packet.TypeUnknown} {
		assert.True(t, g.DropPacket(typ, addr), typ.String())
	}
	assert.Zero(t, g.Len())
	assert.False(t, g.View(addr, nil))
}

func TestAddressGuard_HReq1CreatesEntry(t *testing.T) {
	g, _ := newTestAddrGuard(t)
	addr := netip.MustParseAddr("2001:db8::1")

	assert.False(t, g.DropPacket(packet.TypeHReq1, addr))
	assert.Equal(t, 1, g.Len())
	g.View(addr, func(alog *AddressLog) {
		assert.Equal(t, AddrMonitor, alog.State)
		assert.Equal(t, packet.TypeHReq1, alog.Stage)
		assert.Equal(t, DefaultAddrConfig().InitialZBits, alog.MyZBits)
	})
}

func TestAddressGuard_MappedAddressesShareEntry(t *testing.T) {
	g, _ := newTestAddrGuard(t)
	assert.False(t, g.DropPacket(packet.TypeHReq1, netip.MustParseAddr("::ffff:192.0.2.7")))
	assert.True(t, g.View(netip.MustParseAddr("192.0.2.7"), nil))
}

func TestAddressGuard_HandshakeOrdering(t *testing.T) {
	g, clk := newTestAddrGuard(t)
	addr := netip.MustParseAddr("192.0.2.2")
	step := func() { clk.Advance(2 * time.Second) }

	require.False(t, g.DropPacket(packet.TypeHReq1, addr))
	step()
	assert.True(t, g.DropPacket(packet.TypeHReq3, addr), "hreq3 before hreq2")
	step()
	assert.False(t, g.DropPacket(packet.TypeHReq2, addr))
	step()
	assert.False(t, g.DropPacket(packet.TypeHReq2, addr), "repeated chunk of hreq2")
	step()
	assert.False(t, g.DropPacket(packet.TypeHReq3, addr))
	step()
	assert.False(t, g.DropPacket(packet.TypeSession, addr))
	step()
	assert.True(t, g.DropPacket(packet.TypeHResp1, addr), "response we never asked for")
}

func TestAddressGuard_ResponsesNeedOutbound(t *testing.T) {
	g, clk := newTestAddrGuard(t)
	addr := netip.MustParseAddr("192.0.2.3")

	assert.True(t, g.DropPacket(packet.TypeHResp1, addr))
	g.RegisterOutbound(addr, packet.TypeHReq1)
	assert.False(t, g.DropPacket(packet.TypeHResp1, addr))

	clk.Advance(2 * time.Second)
	assert.True(t, g.DropPacket(packet.TypeHResp2, addr), "hreq2 not sent yet")
	g.RegisterOutbound(addr, packet.TypeHReq2)
	clk.Advance(2 * time.Second)
	assert.False(t, g.DropPacket(packet.TypeHResp2, addr))
}

func TestAddressGuard_StageExpires(t *testing.T) {
	g, clk := newTestAddrGuard(t)
	addr := netip.MustParseAddr("192.0.2.4")

	require.False(t, g.DropPacket(packet.TypeHReq1, addr))
	clk.Advance(DefaultAddrConfig().HandshakeExpiry + time.Second)
	assert.True(t, g.DropPacket(packet.TypeHReq2, addr))
	clk.Advance(2 * time.Second)
	assert.False(t, g.DropPacket(packet.TypeHReq1, addr), "a fresh initiation is always admissible")
}

// burst sends n HReq1 packets one millisecond apart and reports how many were dropped.
func burst(g *AddressGuard, clk *fakeClock, addr netip.Addr, n int) int {
	dropped := 0
	for i := 0; i < n; i++ {
		clk.Advance(time.Millisecond)
		if g.DropPacket(packet.TypeHReq1, addr) {
			dropped++
		}
	}
	return dropped
}

func TestAddressGuard_ShortBurstTolerated(t *testing.T) {
	g, clk := newTestAddrGuard(t)
	addr := netip.MustParseAddr("198.51.100.9")
	assert.Zero(t, burst(g, clk, addr, DefaultAddrConfig().MinSamples-1))
}

func TestAddressGuard_ThrottleThenBlacklist(t *testing.T) {
	g, clk := newTestAddrGuard(t)
	cfg := DefaultAddrConfig()
	addr := netip.MustParseAddr("198.51.100.1")

	require.Zero(t, burst(g, clk, addr, cfg.MinSamples-1))
	assert.Equal(t, 1, burst(g, clk, addr, 1))
	g.View(addr, func(alog *AddressLog) {
		assert.Equal(t, AddrThrottle, alog.State)
		assert.Equal(t, 1, alog.ThrottleCount)
	})

	assert.Equal(t, cfg.BlacklistCount, burst(g, clk, addr, cfg.BlacklistCount))
	var sunset time.Time
	g.View(addr, func(alog *AddressLog) {
		assert.Equal(t, AddrBlacklist, alog.State)
		sunset = alog.Sunset
	})
	span := sunset.Sub(clk.Now())
	assert.GreaterOrEqual(t, span, cfg.SunsetMin-time.Second)
	assert.LessOrEqual(t, span, cfg.SunsetMax)

	clk.Advance(time.Minute)
	assert.True(t, g.DropPacket(packet.TypeHReq1, addr), "blacklisted at a polite rate")

	clk.now = sunset.Add(time.Second)
	assert.False(t, g.DropPacket(packet.TypeHReq1, addr), "sunset passed")
	g.View(addr, func(alog *AddressLog) {
		assert.Equal(t, AddrMonitor, alog.State)
		assert.Zero(t, alog.ThrottleCount)
	})
}

func TestAddressGuard_ThrottleRecovers(t *testing.T) {
	cfg := DefaultAddrConfig()
	cfg.TimerLen = 3
	cfg.MinSamples = 2
	require.NoError(t, cfg.Validate())
	g := NewAddressGuard(cfg)
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g.SetClock(clk.Now)
	addr := netip.MustParseAddr("198.51.100.2")

	require.False(t, g.DropPacket(packet.TypeHReq1, addr))
	clk.Advance(10 * time.Millisecond)
	require.True(t, g.DropPacket(packet.TypeHReq1, addr))

	// slow traffic: each interval above the minimum, and the average eventually under the ceiling
	for i := 0; i < 3; i++ {
		clk.Advance(5 * time.Second)
		assert.False(t, g.DropPacket(packet.TypeHReq1, addr))
	}
	g.View(addr, func(alog *AddressLog) {
		assert.Equal(t, AddrMonitor, alog.State)
	})
}

func TestAddressGuard_WhitelistSkipsRate(t *testing.T) {
	g, clk := newTestAddrGuard(t)
	addr := netip.MustParseAddr("203.0.113.9")
	g.Whitelist(addr)

	for i := 0; i < 100; i++ {
		clk.Advance(time.Microsecond)
		assert.False(t, g.DropPacket(packet.TypeSession, addr))
	}
	assert.Equal(t, 1, g.Stats().Whitelisted)
}

func TestAddressGuard_FloodBlacklistsEveryAddress(t *testing.T) {
	g, clk := newTestAddrGuard(t)
	cfg := DefaultAddrConfig()

	addrs := make([]netip.Addr, 1000)
	for i := range addrs {
		addrs[i] = netip.AddrFrom4([4]byte{10, byte(i >> 16), byte(i >> 8), byte(i)})
	}
	for round := 0; round < cfg.MinSamples+cfg.BlacklistCount+2; round++ {
		for _, a := range addrs {
			clk.Advance(time.Microsecond)
			g.DropPacket(packet.TypeHReq1, a)
		}
	}
	st := g.Stats()
	assert.Equal(t, 1000, st.Tracked)
	assert.Equal(t, 1000, st.Blacklisted)
}

func TestAddressGuard_Sweep(t *testing.T) {
	g, clk := newTestAddrGuard(t)
	idle := netip.MustParseAddr("192.0.2.10")
	white := netip.MustParseAddr("192.0.2.11")
	fresh := netip.MustParseAddr("192.0.2.12")

	require.False(t, g.DropPacket(packet.TypeHReq1, idle))
	g.Whitelist(white)
	clk.Advance(DefaultAddrConfig().IdleExpiry)
	require.False(t, g.DropPacket(packet.TypeHReq1, fresh))

	assert.Equal(t, 1, g.Sweep(clk.Now()))
	assert.False(t, g.View(idle, nil))
	assert.True(t, g.View(white, nil))
	assert.True(t, g.View(fresh, nil))
}

func TestAddressGuard_RunStopsWithContext(t *testing.T) {
	g, _ := newTestAddrGuard(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAddrConfig_Validate(t *testing.T) {
	cfg := DefaultAddrConfig()
	cfg.SunsetMax = cfg.SunsetMin - time.Second
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultAddrConfig()
	cfg.TimerLen = 1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultAddrConfig()
	cfg.MinSamples = cfg.TimerLen + 1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
