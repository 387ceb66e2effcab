package clock

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/beevik/ntp"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var (
	ErrNoServers   = errors.New("no NTP servers configured")
	ErrBadResponse = errors.New("NTP response failed validation")
	ErrDisagree    = errors.New("NTP servers disagree")
)

const (
	maxRTT            = 2 * time.Second
	maxRootDispersion = time.Second
	maxRootDelay      = time.Second
	retryInterval     = 30 * time.Second
)

// Querier asks one server for the time.
type Querier interface {
	QueryWithOptions(host string, opts ntp.QueryOptions) (*ntp.Response, error)
}

type defaultQuerier struct{}

func (defaultQuerier) QueryWithOptions(host string, opts ntp.QueryOptions) (*ntp.Response, error) {
	return ntp.QueryWithOptions(host, opts)
}

// SyncConfig controls the NTP syncer.
type SyncConfig struct {
	Servers []string
	// Samples is how many servers must answer in agreement.
	Samples  int
	Interval time.Duration
	Timeout  time.Duration
	// MaxOffset rejects corrections larger than this.
	MaxOffset time.Duration
	// MaxVariance is the largest allowed spread between samples.
	MaxVariance time.Duration
}

// DefaultSyncConfig queries the public pool.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Servers:     []string{"0.pool.ntp.org", "1.pool.ntp.org", "2.pool.ntp.org"},
		Samples:     3,
		Interval:    11 * time.Minute,
		Timeout:     5 * time.Second,
		MaxOffset:   time.Hour,
		MaxVariance: 10 * time.Second,
	}
}

// Syncer periodically corrects a Clock from NTP.
type Syncer struct {
	cfg    SyncConfig
	clock  *Clock
	client Querier
}

// NewSyncer creates a syncer. A nil client queries the network.
func NewSyncer(cfg SyncConfig, c *Clock, client Querier) *Syncer {
	if client == nil {
		client = defaultQuerier{}
	}
	if cfg.Samples < 1 {
		cfg.Samples = 1
	}
	return &Syncer{cfg: cfg, clock: c, client: client}
}

func validResponse(r *ntp.Response) bool {
	switch {
	case r == nil, r.Leap == ntp.LeapNotInSync:
		return false
	case r.Stratum == 0 || r.Stratum > 15:
		return false
	case r.RTT < 0 || r.RTT > maxRTT:
		return false
	case r.Time.IsZero():
		return false
	case r.RootDispersion > maxRootDispersion || r.RootDelay > maxRootDelay:
		return false
	}
	return true
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// SyncOnce collects Samples offsets from randomly chosen servers and applies the median.
func (s *Syncer) SyncOnce() (time.Duration, error) {
	if len(s.cfg.Servers) == 0 {
		return 0, ErrNoServers
	}
	offsets := make([]time.Duration, 0, s.cfg.Samples)
	attempts := s.cfg.Samples + len(s.cfg.Servers)
	for i := 0; i < attempts && len(offsets) < s.cfg.Samples; i++ {
		host := s.cfg.Servers[rand.Intn(len(s.cfg.Servers))]
		resp, err := s.client.QueryWithOptions(host, ntp.QueryOptions{Timeout: s.cfg.Timeout})
		if err != nil {
			log.WithError(err).WithField("server", host).Debug("ntp_query_failed")
			continue
		}
		if !validResponse(resp) || abs(resp.ClockOffset) > s.cfg.MaxOffset {
			log.WithField("server", host).Debug("ntp_response_rejected")
			continue
		}
		offsets = append(offsets, resp.ClockOffset)
	}
	if len(offsets) < s.cfg.Samples {
		return 0, oops.Wrapf(ErrBadResponse, "%d of %d samples", len(offsets), s.cfg.Samples)
	}

	slices.Sort(offsets)
	if spread := offsets[len(offsets)-1] - offsets[0]; spread > s.cfg.MaxVariance {
		return 0, oops.Wrapf(ErrDisagree, "spread %s", spread)
	}
	median := offsets[len(offsets)/2]
	s.clock.SetOffset(median)
	log.WithFields(logger.Fields{
		"at":      "(Syncer) SyncOnce",
		"offset":  median.String(),
		"samples": len(offsets),
	}).Debug("clock_synced")
	return median, nil
}

// Run syncs immediately and then every Interval, with jitter, until ctx is
// done. Failures are retried sooner.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		wait := s.cfg.Interval
		if _, err := s.SyncOnce(); err != nil {
			log.WithError(err).Warn("clock_sync_failed")
			wait = retryInterval
		} else if s.cfg.Interval > 1 {
			wait += time.Duration(rand.Int63n(int64(s.cfg.Interval / 2)))
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
