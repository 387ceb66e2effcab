package guard

import (
	"context"
	"net/netip"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/go-i2p/go-shield/lib/shard"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// AddrState is the rate-limiting state of a source address.
type AddrState uint8

const (
	AddrMonitor AddrState = iota
	AddrThrottle
	AddrBlacklist
	AddrWhitelist
)

func (s AddrState) String() string {
	switch s {
	case AddrThrottle:
		return "throttle"
	case AddrBlacklist:
		return "blacklist"
	case AddrWhitelist:
		return "whitelist"
	}
	return "monitor"
}

// AddressLog is everything known about one source IP.
type AddressLog struct {
	Timer         RequestTimer
	State         AddrState
	ThrottleCount int
	// Sunset ends a blacklisting.
	Sunset time.Time
	// MyZBits is the difficulty demanded from this address.
	MyZBits pow.ZeroBits
	// YourZBits is the difficulty the address demands from us.
	YourZBits pow.ZeroBits
	// Stage is the last handshake message admitted or sent for this address.
	Stage      packet.MsgType
	StageUntil time.Time
	Created    time.Time
	LastSeen   time.Time
}

// AddrConfig holds the address guard parameters.
type AddrConfig struct {
	Shards   int
	TimerLen int
	// MinSamples is the number of arrivals needed before the average rate is enforced.
	MinSamples          int
	MaxAvgRPS           float64
	ThrottleIntervalMin time.Duration
	BlacklistCount      int
	SunsetMin           time.Duration
	SunsetMax           time.Duration
	HandshakeExpiry     time.Duration
	// IdleExpiry removes Monitor entries not seen for this long.
	IdleExpiry   time.Duration
	InitialZBits pow.ZeroBits
	GCInterval   time.Duration
}

// DefaultAddrConfig returns the stock parameters.
func DefaultAddrConfig() AddrConfig {
	return AddrConfig{
		Shards:              64,
		TimerLen:            100,
		MinSamples:          10,
		MaxAvgRPS:           30,
		ThrottleIntervalMin: time.Second,
		BlacklistCount:      10,
		SunsetMin:           1800 * time.Second,
		SunsetMax:           259200 * time.Second,
		HandshakeExpiry:     600 * time.Second,
		IdleExpiry:          time.Hour,
		InitialZBits:        12,
		GCInterval:          time.Minute,
	}
}

// Validate checks the parameters.
func (c AddrConfig) Validate() error {
	switch {
	case c.TimerLen < 2:
		return oops.Wrapf(ErrInvalidConfig, "timer length %d below 2", c.TimerLen)
	case c.MinSamples > c.TimerLen:
		return oops.Wrapf(ErrInvalidConfig, "min samples %d above timer length %d", c.MinSamples, c.TimerLen)
	case c.MaxAvgRPS <= 0:
		return oops.Wrapf(ErrInvalidConfig, "arps_max must be positive")
	case c.BlacklistCount < 1:
		return oops.Wrapf(ErrInvalidConfig, "blacklist_count must be positive")
	case c.SunsetMax < c.SunsetMin:
		return oops.Wrapf(ErrInvalidConfig, "sunset_max %s below sunset_min %s", c.SunsetMax, c.SunsetMin)
	case c.InitialZBits > pow.MaxZeroBits:
		return oops.Wrapf(ErrInvalidConfig, "initial zbits %d above %d", c.InitialZBits, pow.MaxZeroBits)
	}
	return nil
}

// AddrStats is a point-in-time summary.
type AddrStats struct {
	Tracked     int
	Blacklisted int
	Throttled   int
	Whitelisted int
	Dropped     uint64
	Admitted    uint64
}

// AddressGuard decides, per source IP, whether a datagram is worth decoding further.
type AddressGuard struct {
	cfg     AddrConfig
	logs    *shard.Map[netip.Addr, AddressLog]
	nowFunc func() time.Time

	counters counters
}

// NewAddressGuard creates a guard. The configuration must already be valid.
func NewAddressGuard(cfg AddrConfig) *AddressGuard {
	return &AddressGuard{
		cfg:     cfg,
		logs:    shard.New[netip.Addr, AddressLog](cfg.Shards, addrKey),
		nowFunc: time.Now,
	}
}

func addrKey(a netip.Addr) []byte {
	b := a.As16()
	return b[:]
}

// SetClock replaces the time source.
func (g *AddressGuard) SetClock(now func() time.Time) {
	g.nowFunc = now
}

func (g *AddressGuard) newLog(now time.Time) *AddressLog {
	return &AddressLog{
		Timer:     NewRequestTimer(g.cfg.TimerLen),
		State:     AddrMonitor,
		MyZBits:   g.cfg.InitialZBits,
		YourZBits: g.cfg.InitialZBits,
		Created:   now,
		LastSeen:  now,
	}
}

// DropPacket reports whether a packet of type typ from addr must be dropped.
// State is only created for HReq1, so unsolicited traffic costs no memory.
func (g *AddressGuard) DropPacket(typ packet.MsgType, addr netip.Addr) bool {
	addr = addr.Unmap()
	now := g.nowFunc()
	drop := true
	reason := ""

	g.logs.Compute(addr, func(alog *AddressLog) *AddressLog {
		if alog == nil {
			if typ != packet.TypeHReq1 {
				reason = "unknown address"
				return nil
			}
			alog = g.newLog(now)
		}
		alog.LastSeen = now
		alog.Timer.Update(now)

		if !g.rateAllows(alog, now, addr) {
			reason = "rate " + alog.State.String()
			return alog
		}
		if !g.stageAllows(alog, typ, now) {
			reason = "out of order " + typ.String()
			return alog
		}
		g.admit(alog, typ, now)
		drop = false
		return alog
	})

	if drop {
		g.counters.dropped.Add(1)
		log.WithFields(logger.Fields{
			"at":     "(AddressGuard) DropPacket",
			"addr":   addr.String(),
			"type":   typ.String(),
			"reason": reason,
		}).Debug("address_drop")
	} else {
		g.counters.admitted.Add(1)
	}
	return drop
}

func (g *AddressGuard) rateAllows(alog *AddressLog, now time.Time, addr netip.Addr) bool {
	switch alog.State {
	case AddrWhitelist:
		return true
	case AddrBlacklist:
		if now.Before(alog.Sunset) {
			return false
		}
		alog.State = AddrMonitor
		alog.ThrottleCount = 0
		alog.Timer.Reset()
		alog.Timer.Update(now)
		return true
	case AddrThrottle:
		if alog.Timer.LastInterval() < g.cfg.ThrottleIntervalMin {
			g.violation(alog, now, addr)
			return false
		}
		if g.avgRPS(alog) <= g.cfg.MaxAvgRPS {
			alog.State = AddrMonitor
		}
		return true
	default:
		if g.avgRPS(alog) > g.cfg.MaxAvgRPS {
			g.violation(alog, now, addr)
			return false
		}
		return true
	}
}

func (g *AddressGuard) avgRPS(alog *AddressLog) float64 {
	if alog.Timer.Count() < g.cfg.MinSamples {
		return 0
	}
	return alog.Timer.AvgRPS()
}

func (g *AddressGuard) violation(alog *AddressLog, now time.Time, addr netip.Addr) {
	alog.ThrottleCount++
	if alog.ThrottleCount < g.cfg.BlacklistCount {
		alog.State = AddrThrottle
		return
	}
	alog.State = AddrBlacklist
	alog.Sunset = now.Add(g.sunsetSpan())
	log.WithFields(logger.Fields{
		"at":     "(AddressGuard) violation",
		"addr":   addr.String(),
		"until":  alog.Sunset,
		"reason": "throttle count exceeded",
	}).Warn("address_blacklisted")
}

// sunsetSpan draws a blacklist duration uniformly from [SunsetMin, SunsetMax].
func (g *AddressGuard) sunsetSpan() time.Duration {
	spread := int((g.cfg.SunsetMax - g.cfg.SunsetMin) / time.Second)
	if spread <= 0 {
		return g.cfg.SunsetMin
	}
	return g.cfg.SunsetMin + time.Duration(rand.Intn(spread+1))*time.Second
}

func (g *AddressGuard) stageAllows(alog *AddressLog, typ packet.MsgType, now time.Time) bool {
	switch {
	case typ >= packet.TypeSession:
		return true
	case !typ.IsHandshake():
		return false
	case typ == packet.TypeHReq1:
		return true
	}
	if alog.Stage == packet.TypeUnknown || now.After(alog.StageUntil) {
		return false
	}
	if typ.IsRequest() {
		// HReqN follows our HResp(N-1) to the peer's HReq(N-1).
		return alog.Stage == typ-2 || alog.Stage == typ
	}
	// HRespN answers the HReqN we sent.
	return alog.Stage == typ-1 || alog.Stage == typ
}

func (g *AddressGuard) admit(alog *AddressLog, typ packet.MsgType, now time.Time) {
	if !typ.IsHandshake() {
		return
	}
	alog.Stage = typ
	alog.StageUntil = now.Add(g.cfg.HandshakeExpiry)
}

// RegisterOutbound records that we are sending typ to addr, creating the entry
// if needed, so that the matching response is admitted.
func (g *AddressGuard) RegisterOutbound(addr netip.Addr, typ packet.MsgType) {
	addr = addr.Unmap()
	now := g.nowFunc()
	g.logs.Compute(addr, func(alog *AddressLog) *AddressLog {
		if alog == nil {
			alog = g.newLog(now)
		}
		if typ.IsRequest() {
			alog.Stage = typ
			alog.StageUntil = now.Add(g.cfg.HandshakeExpiry)
		}
		return alog
	})
}

// Whitelist exempts addr from rate limiting.
func (g *AddressGuard) Whitelist(addr netip.Addr) {
	addr = addr.Unmap()
	now := g.nowFunc()
	g.logs.Compute(addr, func(alog *AddressLog) *AddressLog {
		if alog == nil {
			alog = g.newLog(now)
		}
		alog.State = AddrWhitelist
		alog.ThrottleCount = 0
		return alog
	})
}

// View runs fn on the entry for addr under its shard read lock.
func (g *AddressGuard) View(addr netip.Addr, fn func(*AddressLog)) bool {
	return g.logs.View(addr.Unmap(), fn)
}

// Update runs fn on the entry for addr under its shard write lock.
func (g *AddressGuard) Update(addr netip.Addr, fn func(*AddressLog)) bool {
	return g.logs.Update(addr.Unmap(), func(alog *AddressLog) bool {
		fn(alog)
		return true
	})
}

// Len is the number of tracked addresses.
func (g *AddressGuard) Len() int {
	return g.logs.Len()
}

// Stats summarizes the guard.
func (g *AddressGuard) Stats() AddrStats {
	st := AddrStats{
		Dropped:  g.counters.dropped.Load(),
		Admitted: g.counters.admitted.Load(),
	}
	g.logs.Retain(func(_ netip.Addr, alog *AddressLog) bool {
		st.Tracked++
		switch alog.State {
		case AddrBlacklist:
			st.Blacklisted++
		case AddrThrottle:
			st.Throttled++
		case AddrWhitelist:
			st.Whitelisted++
		}
		return true
	})
	return st
}

// Sweep drops idle entries and blacklistings past their sunset. Whitelisted
// addresses are never removed.
func (g *AddressGuard) Sweep(now time.Time) int {
	removed := g.logs.Retain(func(_ netip.Addr, alog *AddressLog) bool {
		switch alog.State {
		case AddrWhitelist:
			return true
		case AddrBlacklist:
			return now.Before(alog.Sunset)
		}
		return now.Sub(alog.LastSeen) < g.cfg.IdleExpiry
	})
	if removed > 0 {
		log.WithFields(logger.Fields{
			"at":      "(AddressGuard) Sweep",
			"removed": removed,
		}).Debug("address_logs_swept")
	}
	return removed
}

// Run sweeps every GCInterval until ctx is done.
func (g *AddressGuard) Run(ctx context.Context) error {
	return runSweeper(ctx, g.cfg.GCInterval, func() { g.Sweep(g.nowFunc()) })
}
