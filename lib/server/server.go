// Package server runs a protocol handler on a UDP socket.
package server

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/go-shield/lib/protocol"
	"github.com/go-i2p/go-shield/lib/syntax"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var log = logger.GetGoI2PLogger()

// MaxDatagramSize is the largest datagram read from the socket.
const MaxDatagramSize = 65535

// Config bounds the receive side.
type Config struct {
	Listen string
	// Workers is the number of datagrams handled concurrently. Datagrams
	// arriving while all workers are busy are dropped.
	Workers int
	// MaxRate caps total ingress in datagrams per second; zero disables it.
	MaxRate float64
	Burst   int
	// ReadBuffer sets the socket receive buffer; zero keeps the OS default.
	ReadBuffer int
}

// DefaultConfig listens on the IPv6 loopback.
func DefaultConfig() Config {
	return Config{
		Listen:  "[::1]:7840",
		Workers: 1024,
		MaxRate: 0,
		Burst:   1024,
	}
}

// Validate checks the bounds.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return oops.Wrapf(ErrInvalidConfig, "workers must be positive, got %d", c.Workers)
	}
	if c.MaxRate < 0 || (c.MaxRate > 0 && c.Burst < 1) {
		return oops.Wrapf(ErrInvalidConfig, "rate %v with burst %d", c.MaxRate, c.Burst)
	}
	return nil
}

// Handler is what Serve drives. *protocol.Handler implements it.
type Handler interface {
	Handle(ctx context.Context, datagram []byte, src netip.AddrPort, syn *syntax.Syntax) error
	RunGC(ctx context.Context) error
}

// Stats counts what the receive loop did with each datagram.
type Stats struct {
	Received    uint64
	DroppedBusy uint64
	DroppedRate uint64
	Errors      uint64
}

// Server owns the socket. It is also the protocol.Sender for its handler.
type Server struct {
	cfg     Config
	conn    *net.UDPConn
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	bufs    sync.Pool
	closed  atomic.Bool

	received    atomic.Uint64
	droppedBusy atomic.Uint64
	droppedRate atomic.Uint64
	errors      atomic.Uint64
}

// Listen binds the socket described by cfg.
func Listen(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, oops.Errorf("failed to resolve %s: %w", cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, oops.Errorf("failed to listen on UDP %s: %w", cfg.Listen, err)
	}
	if cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBuffer); err != nil {
			log.WithError(err).WithField("bytes", cfg.ReadBuffer).Warn("read_buffer_not_set")
		}
	}
	s := &Server{
		cfg:  cfg,
		conn: conn,
		sem:  semaphore.NewWeighted(int64(cfg.Workers)),
		bufs: sync.Pool{New: func() any {
			b := make([]byte, MaxDatagramSize)
			return &b
		}},
	}
	if cfg.MaxRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), cfg.Burst)
	}
	log.WithField("addr", conn.LocalAddr().String()).Info("udp_listening")
	return s, nil
}

// LocalAddr is the bound address.
func (s *Server) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send writes each datagram to dst.
func (s *Server) Send(dst netip.AddrPort, datagrams [][]byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for _, d := range datagrams {
		if _, err := s.conn.WriteToUDPAddrPort(d, dst); err != nil {
			return oops.Errorf("failed to write to %s: %w", dst, err)
		}
	}
	return nil
}

// Stats is a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Received:    s.received.Load(),
		DroppedBusy: s.droppedBusy.Load(),
		DroppedRate: s.droppedRate.Load(),
		Errors:      s.errors.Load(),
	}
}

// Serve reads datagrams and hands each to h on its own goroutine, bounded by
// the worker count, and runs h's garbage collection alongside. It returns when
// ctx is done or the socket fails, closing the socket either way.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.RunGC(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return s.Close()
	})
	g.Go(func() error { return s.readLoop(ctx, h) })

	err := g.Wait()
	// drain in-flight handlers
	_ = s.sem.Acquire(context.Background(), int64(s.cfg.Workers))
	s.sem.Release(int64(s.cfg.Workers))
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) readLoop(ctx context.Context, h Handler) error {
	for {
		bp := s.bufs.Get().(*[]byte)
		n, src, err := s.conn.ReadFromUDPAddrPort(*bp)
		if err != nil {
			s.bufs.Put(bp)
			if s.closed.Load() || ctx.Err() != nil {
				return ErrClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return oops.Errorf("udp read failed: %w", err)
		}
		s.received.Add(1)

		if s.limiter != nil && !s.limiter.Allow() {
			s.droppedRate.Add(1)
			s.bufs.Put(bp)
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.droppedBusy.Add(1)
			s.bufs.Put(bp)
			continue
		}
		go func() {
			defer s.sem.Release(1)
			defer s.bufs.Put(bp)
			s.handle(ctx, h, (*bp)[:n], src)
		}()
	}
}

func (s *Server) handle(ctx context.Context, h Handler, datagram []byte, src netip.AddrPort) {
	err := h.Handle(ctx, datagram, src, nil)
	if err == nil {
		return
	}
	s.errors.Add(1)
	entry := log.WithFields(logger.Fields{
		"at":  "(Server) handle",
		"src": src.String(),
		"len": len(datagram),
	}).WithError(err)
	if errors.Is(err, protocol.ErrBug) {
		entry.Error("handler_fault")
		return
	}
	entry.Debug("datagram_rejected")
}

// Close releases the socket. It is safe to call more than once.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}
