package server

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/go-shield/lib/crypto/hasher"
	"github.com/go-i2p/go-shield/lib/crypto/sig"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/go-i2p/go-shield/lib/protocol"
	"github.com/go-i2p/go-shield/lib/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	srv  *Server
	h    *protocol.Handler
	data chan []byte
}

func startNode(t *testing.T, ctx context.Context) *node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Workers = 8
	srv, err := Listen(cfg)
	require.NoError(t, err)

	scheme, err := sig.ByID(sig.Ed25519)
	require.NoError(t, err)
	id, err := protocol.GenerateIdentity(scheme)
	require.NoError(t, err)

	pc := protocol.DefaultConfig()
	pc.PublicAddr = netip.MustParseAddr("127.0.0.1")
	pc.AcceptUnknownUsers = true
	pc.Difficulty = pow.DifficultyParams{Profile: pow.ProfileLinear, Min: 4, Max: 4, RPSMax: 100}
	pc.SessionZBits = 4
	pc.Address.InitialZBits = 4

	n := &node{srv: srv, data: make(chan []byte, 4)}
	n.h, err = protocol.NewHandler(protocol.Options{
		Config:   pc,
		Identity: id,
		Hasher:   hasher.SHA3{},
		Sender:   srv,
		OnData: func(_ packet.UserID, _ netip.AddrPort, data []byte) {
			n.data <- data
		},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, n.h) }()
	t.Cleanup(func() {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return n
}

func (n *node) peer() protocol.Peer {
	id := n.h.Identity()
	return protocol.Peer{ID: id.ID, Key: id.Current().Public()}
}

func TestServer_HandshakeOverLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	x := startNode(t, ctx)
	y := startNode(t, ctx)
	yID := y.h.Identity().ID

	require.NoError(t, x.h.Connect(ctx, y.srv.LocalAddr(), y.peer()))
	require.Eventually(t, func() bool {
		return x.h.Established(y.srv.LocalAddr(), yID)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, x.h.SendSession(ctx, y.srv.LocalAddr(), yID, []byte("over udp")))
	select {
	case got := <-y.data:
		assert.Equal(t, []byte("over udp"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("no data delivered")
	}
	assert.NotZero(t, y.srv.Stats().Received)
}

type countingHandler struct {
	mu    sync.Mutex
	seen  int
	block chan struct{}
}

func (c *countingHandler) Handle(ctx context.Context, _ []byte, _ netip.AddrPort, _ *syntax.Syntax) error {
	c.mu.Lock()
	c.seen++
	c.mu.Unlock()
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
		}
	}
	return nil
}

func (c *countingHandler) RunGC(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (c *countingHandler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen
}

func TestServer_DropsWhenWorkersBusy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Workers = 1
	srv, err := Listen(cfg)
	require.NoError(t, err)
	client, err := Listen(Config{Listen: "127.0.0.1:0", Workers: 1})
	require.NoError(t, err)
	defer client.Close()

	h := &countingHandler{block: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, h) }()

	require.NoError(t, client.Send(srv.LocalAddr(), [][]byte{[]byte("first")}))
	require.Eventually(t, func() bool { return h.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Send(srv.LocalAddr(), [][]byte{[]byte("second"), []byte("third")}))
	require.Eventually(t, func() bool { return srv.Stats().DroppedBusy == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.count())

	close(h.block)
	cancel()
	require.NoError(t, <-done)
	assert.ErrorIs(t, srv.Send(client.LocalAddr(), [][]byte{[]byte("late")}), ErrClosed)
}

func TestServer_RateLimit(t *testing.T) {
	srv, err := Listen(Config{Listen: "127.0.0.1:0", Workers: 4, MaxRate: 0.001, Burst: 1})
	require.NoError(t, err)
	client, err := Listen(Config{Listen: "127.0.0.1:0", Workers: 1})
	require.NoError(t, err)
	defer client.Close()

	h := &countingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, h) }()

	require.NoError(t, client.Send(srv.LocalAddr(), [][]byte{[]byte("a"), []byte("b"), []byte("c")}))
	require.Eventually(t, func() bool { return srv.Stats().Received == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), srv.Stats().DroppedRate)

	cancel()
	require.NoError(t, <-done)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{Workers: 0}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{Workers: 1, MaxRate: 5}.Validate(), ErrInvalidConfig)
}
