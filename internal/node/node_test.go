package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/pzone/internal/config"
	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/identity"
	"github.com/avaropoint/pzone/internal/logging"
	"github.com/avaropoint/pzone/internal/protocol"
	"github.com/avaropoint/pzone/internal/session"
	"github.com/avaropoint/pzone/internal/transport"
)

const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

func testConfig(t *testing.T, nodeType, name string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Root = t.TempDir()
	cfg.Node.Type = nodeType
	cfg.Node.Name = name
	cfg.Transport.RetryDelay = 200 * time.Millisecond
	return &cfg
}

// start opens and runs a node until the test ends.
func start(t *testing.T, cfg *config.Config, opts Options) *Node {
	t.Helper()
	opts.Logger = logging.Discard()
	if opts.PeerAddr == "" {
		opts.PeerAddr = "127.0.0.1:0"
	}
	if opts.EnrollAddr == "" {
		opts.EnrollAddr = "127.0.0.1:0"
	}
	n, err := Open(context.Background(), cfg, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, n.Close())
	})

	select {
	case <-n.Ready():
	case err := <-done:
		t.Fatalf("node stopped: %v", err)
	case <-time.After(waitFor):
		t.Fatal("node not ready")
	}
	return n
}

func redirect(addr net.Addr) transport.DialFunc {
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr.String())
	}
}

// enrolledPair runs a hub and an agent enrolled with it.
func enrolledPair(t *testing.T) (hub, agent *Node) {
	t.Helper()
	hub = start(t, testConfig(t, config.TypeHub, "hub_alice"), Options{})
	agent = start(t, testConfig(t, config.TypeAgent, "laptop"), Options{Dial: redirect(hub.Addrs().Peer)})

	code, _, err := hub.CreateCode(context.Background(), "laptop", 1, time.Hour)
	require.NoError(t, err)
	require.NoError(t, agent.Enroll(context.Background(), "https://"+hub.Addrs().Enroll.String(), code, ""))

	require.Eventually(t, func() bool {
		return agent.Sessions().HubState() == session.Connected
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return hub.Sessions().HasPeer("hub_alice/laptop")
	}, waitFor, tick)
	return hub, agent
}

func TestEnrollConnectAndSync(t *testing.T) {
	hub, agent := enrolledPair(t)

	assert.Equal(t, "hub_alice/laptop", agent.Sessions().SessionID())
	assert.True(t, agent.Identity().Metadata().Enrolled)

	// The hub pushes its digests; the agent pulls the trusted list.
	require.Eventually(t, func() bool {
		_, ok := agent.Identity().TrustedList().Pzp["hub_alice/laptop"]
		return ok
	}, waitFor, tick)
	assert.Contains(t, agent.Identity().TrustedList().Pzh, "hub_alice")
	assert.Equal(t, hub.Identity().Hashes()[identity.SyncCRL], agent.Identity().Hashes()[identity.SyncCRL])

	devices, err := hub.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "hub_alice/laptop", devices[0].ID)
	assert.False(t, devices[0].Revoked())
}

func TestRevokeDevice(t *testing.T) {
	ctx := context.Background()
	hub, agent := enrolledPair(t)

	require.NoError(t, hub.RevokeDevice(ctx, "hub_alice/laptop"))
	assert.False(t, hub.Sessions().HasPeer("hub_alice/laptop"))
	assert.NotContains(t, hub.Identity().TrustedList().Pzp, "hub_alice/laptop")

	devices, err := hub.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.True(t, devices[0].Revoked())

	// The agent retries once and the hub refuses the revoked certificate.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(hub.Metrics().AuthFailures.WithLabelValues("revoked")) >= 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return agent.Transport().LinkState("hub_alice") == transport.StateUnauthorized
	}, waitFor, tick)
	assert.False(t, agent.Transport().RetryPending())
	assert.Equal(t, session.NotConnected, agent.Sessions().HubState())

	err = hub.RevokeDevice(ctx, "hub_alice/phone")
	assert.True(t, errs.Is(err, errs.KindInput))
}

func TestAgentCannotPushTrustArtifactsToHub(t *testing.T) {
	ctx := context.Background()
	hub, agent := enrolledPair(t)
	crl := hub.Trust().CRL()

	wipe := map[string]any{
		"crl":  map[string]string{"value": ""},
		"cert": map[string]any{"evil": map[string]string{"cert": "x"}},
	}
	require.NoError(t, agent.Sessions().SendProp("hub_alice", protocol.StatusUpdateHash, wipe))
	spoofed, err := protocol.NewProp("hub_alice", "hub_alice", protocol.StatusUpdateHash, wipe)
	require.NoError(t, err)
	require.NoError(t, agent.Sessions().Send(spoofed, "hub_alice"))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(hub.Metrics().MessagesRejected.WithLabelValues(protocol.StatusUpdateHash)) >= 2
	}, waitFor, tick)
	assert.Equal(t, crl, hub.Trust().CRL())
	assert.Empty(t, hub.Trust().State().External)

	require.NoError(t, hub.RevokeDevice(ctx, "hub_alice/laptop"))
	devices, err := hub.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.True(t, devices[0].Revoked())
}

func TestResetUnenrolls(t *testing.T) {
	_, agent := enrolledPair(t)

	require.NoError(t, agent.Reset(context.Background()))
	assert.False(t, agent.Sessions().Enrolled())
	assert.Equal(t, "laptop", agent.Sessions().SessionID())
	assert.False(t, agent.Identity().Metadata().Enrolled)
	assert.NotEmpty(t, agent.Trust().MasterCSR())
	assert.False(t, agent.Transport().RetryPending())
}

func TestRoleChecks(t *testing.T) {
	ctx := context.Background()
	agent, err := Open(ctx, testConfig(t, config.TypeAgent, "laptop"), Options{Logger: logging.Discard()})
	require.NoError(t, err)
	defer agent.Close() //nolint:errcheck

	_, _, err = agent.CreateCode(ctx, "x", 1, time.Minute)
	assert.ErrorIs(t, err, errs.ErrNotAuthority)
	_, err = agent.Devices(ctx)
	assert.ErrorIs(t, err, errs.ErrNotAuthority)
	assert.ErrorIs(t, agent.RevokeDevice(ctx, "hub/laptop"), errs.ErrNotAuthority)

	hub, err := Open(ctx, testConfig(t, config.TypeHub, "hub_alice"), Options{Logger: logging.Discard()})
	require.NoError(t, err)
	defer hub.Close() //nolint:errcheck
	assert.True(t, errs.Is(hub.Enroll(ctx, "https://127.0.0.1:1", "ABCD-EFGH", ""), errs.KindInput))
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "fridge", "laptop")
	_, err := Open(context.Background(), cfg, Options{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInput))
}

func TestReopenKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.TypeAgent, "laptop")

	first, err := Open(ctx, cfg, Options{Logger: logging.Discard()})
	require.NoError(t, err)
	master := first.Trust().MasterCert()
	require.NoError(t, first.Close())

	second, err := Open(ctx, cfg, Options{Logger: logging.Discard()})
	require.NoError(t, err)
	defer second.Close() //nolint:errcheck
	assert.Equal(t, master, second.Trust().MasterCert())
}
