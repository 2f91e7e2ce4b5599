package node

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-relay/internal/logger"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/relay"
	"github.com/rudransh-shrivastava/peer-relay/internal/store"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 10 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func newTestNode(t *testing.T, nick string, mutate ...func(*Config)) *Node {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Identity.Nick = nick
	cfg.InboxDir = t.TempDir()
	cfg.Logger = logger.Discard()
	for _, fn := range mutate {
		fn(&cfg)
	}

	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	require.NoError(t, n.Start(testContext(t)))
	return n
}

func asServer(cfg *Config) { cfg.Server = true }

func joining(server *Node) func(*Config) {
	return func(cfg *Config) { cfg.ServerAddr = server.Addr() }
}

// star starts a server and two nodes connected only to it, and waits until
// both nodes know each other's address.
func star(t *testing.T, mutateA ...func(*Config)) (a, s, b *Node) {
	t.Helper()

	s = newTestNode(t, "server", asServer)
	b = newTestNode(t, "bob", joining(s))
	awaitConnected(t, s, b)
	a = newTestNode(t, "alice", append([]func(*Config){joining(s)}, mutateA...)...)

	require.Eventually(t, func() bool {
		mb := a.Member(b.Identity().ID)
		ma := b.Member(a.Identity().ID)
		return mb != nil && mb.Addr() != "" && ma != nil && ma.Addr() != ""
	}, waitFor, 10*time.Millisecond)
	return a, s, b
}

// awaitConnected waits until n has registered the direct connection from
// other.
func awaitConnected(t *testing.T, n, other *Node) {
	t.Helper()
	require.Eventually(t, func() bool {
		m := n.Member(other.Identity().ID)
		return m != nil && m.IsConnected()
	}, waitFor, 10*time.Millisecond)
}

func writeTestFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func awaitFile(t *testing.T, ctx context.Context, n *Node) ReceivedFile {
	t.Helper()
	select {
	case f := <-n.Inbox().Received():
		return f
	case <-ctx.Done():
		t.Fatal("no file received")
		return ReceivedFile{}
	}
}

func TestNodeJoinsServer(t *testing.T) {
	s := newTestNode(t, "server", asServer)
	a := newTestNode(t, "alice", joining(s))

	ms := a.Member(s.Identity().ID)
	require.NotNil(t, ms)
	assert.True(t, ms.IsCompletelyConnected())
	assert.True(t, ms.Server())
	assert.Equal(t, s.Addr(), ms.Addr())

	awaitConnected(t, s, a)
	assert.Equal(t, a.Addr(), s.Member(a.Identity().ID).Addr())

	assert.Same(t, ms, a.Manager().Relay())
}

func TestServerSharesKnownNodes(t *testing.T) {
	a, _, b := star(t)

	mb := a.Member(b.Identity().ID)
	assert.Equal(t, b.Addr(), mb.Addr())
	assert.False(t, mb.IsConnected(), "nodes only learn each other, they do not dial")
	assert.Equal(t, a.Addr(), b.Member(a.Identity().ID).Addr())
}

func TestSendFileThroughRelay(t *testing.T) {
	ctx := testContext(t)
	a, s, b := star(t, func(cfg *Config) { cfg.ForceRelay = true })

	path, data := writeTestFile(t, "relayed.bin", 3*protocol.MaxChunkSize+123)

	var sent int
	require.NoError(t, a.SendFile(ctx, b.Identity(), path, func(n int) { sent += n }))
	assert.Equal(t, len(data), sent)

	got := awaitFile(t, ctx, b)
	assert.Equal(t, "relayed.bin", got.Name)
	assert.Equal(t, a.Identity().ID, got.From.ID)
	assert.Equal(t, uint64(len(data)), got.Size)

	stored, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, stored))

	mb := a.Member(b.Identity().ID)
	assert.False(t, mb.IsConnected(), "no direct connection was made")
	h := mb.RelayedHandler()
	require.NotNil(t, h)
	assert.Equal(t, relay.StateActive, h.State())
	assert.Equal(t, s.Identity().ID, h.Relay().Identity().ID)

	stats := s.Manager().Transfer()
	assert.Positive(t, stats.Messages)
	assert.Positive(t, stats.Bytes)
}

func TestSendFileDirect(t *testing.T) {
	ctx := testContext(t)
	a, s, b := star(t)

	path, data := writeTestFile(t, "direct.bin", protocol.MaxChunkSize/2)
	require.NoError(t, a.SendFile(ctx, b.Identity(), path, nil))

	got := awaitFile(t, ctx, b)
	stored, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, stored))

	assert.True(t, a.Member(b.Identity().ID).IsConnected())
	assert.Nil(t, a.Member(b.Identity().ID).RelayedHandler())
	assert.Zero(t, s.Manager().Transfer().Messages)
}

func TestSendEmptyFile(t *testing.T) {
	ctx := testContext(t)
	a, _, b := star(t, func(cfg *Config) { cfg.ForceRelay = true })

	path, _ := writeTestFile(t, "empty.txt", 0)
	require.NoError(t, a.SendFile(ctx, b.Identity(), path, nil))

	got := awaitFile(t, ctx, b)
	assert.Zero(t, got.Size)
}

func TestRelayedConnectionClosesWhenRelayLost(t *testing.T) {
	ctx := testContext(t)
	a, s, b := star(t, func(cfg *Config) { cfg.ForceRelay = true })

	_, err := a.Connect(ctx, b.Identity())
	require.NoError(t, err)
	require.NotNil(t, a.Member(b.Identity().ID).RelayedHandler())

	require.NoError(t, s.Close())

	require.Eventually(t, func() bool {
		return a.Member(b.Identity().ID).RelayedHandler() == nil
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return b.Member(a.Identity().ID).RelayedHandler() == nil
	}, waitFor, 10*time.Millisecond)
	assert.Nil(t, a.Manager().Relay())
}

func TestConnectWithoutRelay(t *testing.T) {
	ctx := testContext(t)
	a := newTestNode(t, "alice", func(cfg *Config) { cfg.ForceRelay = true })

	_, err := a.Connect(ctx, protocol.PeerIdentity{ID: "nobody"})
	assert.ErrorIs(t, err, relay.ErrNoRelay)

	_, err = a.Connect(ctx, a.Identity())
	assert.ErrorIs(t, err, relay.ErrLoopback)
}

func TestRelayedRejectedWhenDisabled(t *testing.T) {
	ctx := testContext(t)

	s := newTestNode(t, "server", asServer)
	b := newTestNode(t, "bob", joining(s), func(cfg *Config) { cfg.Relay.AllowRelayed = false })
	awaitConnected(t, s, b)
	a := newTestNode(t, "alice", joining(s), func(cfg *Config) { cfg.ForceRelay = true })

	require.Eventually(t, func() bool { return a.Member(b.Identity().ID) != nil }, waitFor, 10*time.Millisecond)

	_, err := a.Connect(ctx, b.Identity())
	assert.ErrorIs(t, err, relay.ErrRejected)
}

func TestServerOpensThroughItself(t *testing.T) {
	ctx := testContext(t)
	s := newTestNode(t, "server", asServer)
	a := newTestNode(t, "alice", joining(s))
	awaitConnected(t, s, a)

	assert.Same(t, s.self, s.Manager().Relay())

	h, err := s.Manager().Open(ctx, a.Identity())
	require.NoError(t, err)
	assert.Same(t, s.self, h.Relay())
	assert.Same(t, h, s.Member(a.Identity().ID).RelayedHandler())

	require.Eventually(t, func() bool {
		ha := a.Member(s.Identity().ID).RelayedHandler()
		return ha != nil && ha.State() == relay.StateActive
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, h.Close())
	require.Eventually(t, func() bool {
		return a.Member(s.Identity().ID).RelayedHandler() == nil
	}, waitFor, 10*time.Millisecond)
}

func TestPingPong(t *testing.T) {
	ctx := testContext(t)

	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	s := newTestNode(t, "server", asServer)
	a := newTestNode(t, "alice", joining(s), func(cfg *Config) { cfg.Logger = log })

	require.NoError(t, a.Ping(ctx, s.Identity()))
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "Pong" {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func TestNodeRemembersPeers(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	nodes := store.NewNodeStore(db)
	t.Cleanup(func() { _ = nodes.Close() })

	s := newTestNode(t, "server", asServer)
	a := newTestNode(t, "alice", joining(s), func(cfg *Config) { cfg.Store = nodes })

	rec, err := nodes.Get(context.Background(), s.Identity().ID)
	require.NoError(t, err)
	assert.Equal(t, s.Addr(), rec.Addr)
	assert.True(t, rec.Server)
	assert.NotZero(t, rec.LastSeen)

	require.NoError(t, a.Close())

	restored := newTestNode(t, "alice-again", func(cfg *Config) { cfg.Store = nodes })
	m := restored.Member(s.Identity().ID)
	require.NotNil(t, m)
	assert.Equal(t, s.Addr(), m.Addr())
	assert.False(t, m.IsConnected())
	assert.True(t, restored.Manager().IsRelayIdentity(s.Identity()))
}

func TestMaintenanceDialsKnownRelay(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	nodes := store.NewNodeStore(db)
	t.Cleanup(func() { _ = nodes.Close() })

	s := newTestNode(t, "server", asServer)
	require.NoError(t, nodes.Upsert(context.Background(), store.NodeRecord{
		ID:     s.Identity().ID,
		Addr:   s.Addr(),
		Server: true,
	}))

	a := newTestNode(t, "alice", func(cfg *Config) {
		cfg.Store = nodes
		cfg.Relay.MaintenanceInterval = 20 * time.Millisecond
	})

	require.Eventually(t, func() bool {
		m := a.Member(s.Identity().ID)
		return m != nil && m.IsConnected()
	}, waitFor, 10*time.Millisecond)
	assert.NotNil(t, a.Manager().Relay())
}

func TestRegistryView(t *testing.T) {
	a, s, b := star(t)

	peers := a.ConnectedPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, s.Identity().ID, peers[0].Identity().ID)

	known := a.KnownPeers()
	require.Len(t, known, 2)
	assert.Less(t, known[0].Identity().ID, known[1].Identity().ID)

	assert.Equal(t, b.Identity().ID, a.Lookup(b.Identity()).Identity().ID)
	assert.True(t, a.Lookup(protocol.PeerIdentity{ID: "nobody"}) == nil, "Lookup must return an untyped nil")
	assert.Same(t, a.self, a.Self())
	assert.True(t, a.IsStarted())

	require.NoError(t, a.Close())
	assert.False(t, a.IsStarted())
	assert.NoError(t, a.Close())
}

func TestServerIDMarksRelay(t *testing.T) {
	a := newTestNode(t, "alice", func(cfg *Config) { cfg.ServerID = "srv" })

	assert.True(t, a.Manager().IsRelayIdentity(protocol.PeerIdentity{ID: "srv"}))
	assert.False(t, a.Manager().IsRelayIdentity(protocol.PeerIdentity{ID: "other"}))
	assert.False(t, a.Manager().IsRelay(a.Self()), "plain node is no relay")

	b := newTestNode(t, "bob", asServer)
	assert.True(t, b.Manager().IsRelay(b.Self()), "server announces itself")
}

func TestReachableAddr(t *testing.T) {
	tests := []struct {
		observed string
		listen   string
		expected string
	}{
		{"10.0.0.5:5555", "127.0.0.1:4100", "127.0.0.1:4100"},
		{"10.0.0.5:5555", "0.0.0.0:4100", "10.0.0.5:4100"},
		{"10.0.0.5:5555", "[::]:4100", "10.0.0.5:4100"},
		{"10.0.0.5:5555", ":4100", "10.0.0.5:4100"},
		{"[fe80::1]:5555", ":4100", "[fe80::1]:4100"},
		{"10.0.0.5:5555", "node.example:4100", "node.example:4100"},
		{"10.0.0.5:5555", "garbage", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, reachableAddr(tt.observed, tt.listen), "observed %s listen %s", tt.observed, tt.listen)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.Identity.ID)

	cfg.Identity = protocol.PeerIdentity{}
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.InboxDir = ""
	assert.Error(t, cfg.Validate())
}
