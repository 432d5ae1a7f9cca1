package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/pzone/internal/config"
	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/trust"
)

func presented(t *testing.T, n *testNode) []*x509.Certificate {
	t.Helper()
	creds, err := n.trust.Credentials(context.Background())
	require.NoError(t, err)
	out := make([]*x509.Certificate, 0, len(creds.Certificate.Certificate))
	for _, der := range creds.Certificate.Certificate {
		cert, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		out = append(out, cert)
	}
	return out
}

func credsOf(t *testing.T, n *testNode) *trust.Credentials {
	t.Helper()
	creds, err := n.trust.Credentials(context.Background())
	require.NoError(t, err)
	return creds
}

func TestVerifyPeerDerivesIDs(t *testing.T) {
	hub := newTestNode(t, config.TypeHub, "hub_alice")
	agent := newTestNode(t, config.TypeAgent, "laptop")
	enroll(t, hub, agent, "laptop_1")
	now := time.Now()

	info, err := verifyPeer(presented(t, agent), credsOf(t, hub), x509.ExtKeyUsageClientAuth, now)
	require.NoError(t, err)
	assert.Equal(t, "hub_alice/laptop_1", info.ID)
	assert.Len(t, info.Chain, 3)

	info, err = verifyPeer(presented(t, hub), credsOf(t, agent), x509.ExtKeyUsageServerAuth, now)
	require.NoError(t, err)
	assert.Equal(t, "hub_alice", info.ID)
}

func TestVerifyPeerSelfSignedMaster(t *testing.T) {
	agent := newTestNode(t, config.TypeAgent, "laptop")

	info, err := verifyPeer(presented(t, agent), credsOf(t, agent), x509.ExtKeyUsageClientAuth, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "laptop", info.ID)
}

func TestVerifyPeerFailures(t *testing.T) {
	hub := newTestNode(t, config.TypeHub, "hub_alice")
	agent := newTestNode(t, config.TypeAgent, "laptop")
	stranger := newTestNode(t, config.TypeAgent, "phone")
	enroll(t, hub, agent, "laptop")

	tests := []struct {
		name   string
		chain  []*x509.Certificate
		now    time.Time
		reason string
	}{
		{name: "no certificate", chain: nil, now: time.Now(), reason: "no_certificate"},
		{name: "untrusted", chain: presented(t, stranger), now: time.Now(), reason: "untrusted"},
		{name: "not yet valid", chain: presented(t, agent), now: time.Now().Add(-time.Hour), reason: "not_yet_valid"},
		{name: "expired", chain: presented(t, agent), now: time.Now().AddDate(30, 0, 0), reason: "untrusted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifyPeer(tt.chain, credsOf(t, hub), x509.ExtKeyUsageClientAuth, tt.now)
			require.Error(t, err)
			reason, classified := classify("verify", err)
			assert.Equal(t, tt.reason, reason)
			assert.True(t, errs.Is(classified, errs.KindAuthentication))
		})
	}
}

func TestVerifyPeerRevoked(t *testing.T) {
	ctx := context.Background()
	hub := newTestNode(t, config.TypeHub, "hub_alice")
	agent := newTestNode(t, config.TypeAgent, "laptop")
	enroll(t, hub, agent, "laptop")

	_, err := hub.trust.Revoke(ctx, []byte(agent.trust.MasterCert()))
	require.NoError(t, err)

	_, err = verifyPeer(presented(t, agent), credsOf(t, hub), x509.ExtKeyUsageClientAuth, time.Now())
	reason, classified := classify("verify", err)
	assert.Equal(t, "revoked", reason)
	assert.ErrorIs(t, classified, errRevoked)
}

func TestPeerID(t *testing.T) {
	hub := newTestNode(t, config.TypeHub, "hub_alice")
	agent := newTestNode(t, config.TypeAgent, "laptop")
	enroll(t, hub, agent, "laptop_2")
	agentChain := presented(t, agent)
	hubChain := presented(t, hub)

	assert.Empty(t, PeerID(nil))
	assert.Equal(t, "hub_alice", PeerID(hubChain[:1]))
	assert.Equal(t, "hub_alice", PeerID(hubChain))
	assert.Equal(t, "hub_alice/laptop_2", PeerID([]*x509.Certificate{agentChain[0], agentChain[1], hubChain[1]}))
}

func TestClassify(t *testing.T) {
	reason, err := classify("read", io.EOF)
	assert.Empty(t, reason)
	assert.True(t, errs.Is(err, errs.KindTransport))

	reason, err = classify("read", &net.OpError{Op: "remote error", Err: errors.New("tls: bad certificate")})
	assert.Equal(t, "rejected", reason)
	assert.True(t, errs.Is(err, errs.KindAuthentication))

	reason, _ = classify("handshake", tls.AlertError(42))
	assert.Equal(t, "rejected", reason)
}
