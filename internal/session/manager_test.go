package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/identity"
	"github.com/avaropoint/pzone/internal/logging"
	"github.com/avaropoint/pzone/internal/metrics"
	"github.com/avaropoint/pzone/internal/protocol"
)

type fakeIdentity struct {
	mu        sync.Mutex
	meta      identity.Metadata
	applied   int
	applyErr  error
	resets    int
	friendlys []string
}

func (f *fakeIdentity) Metadata() identity.Metadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta
}

func (f *fakeIdentity) ApplyEnrollment(_ context.Context, e identity.Enrollment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied++
	f.meta.Enrolled = true
	f.meta.PzhID = e.HubID
	f.meta.PzhAssignedID = "laptop_1"
	return nil
}

func (f *fakeIdentity) SetFriendlyName(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta.FriendlyName = name
	f.friendlys = append(f.friendlys, name)
	return nil
}

func (f *fakeIdentity) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.meta = identity.Metadata{DeviceName: f.meta.DeviceName, FriendlyName: "Linux Device"}
	return nil
}

type fakeHandle struct {
	mu      sync.Mutex
	sent    []*protocol.Envelope
	closed  bool
	sendErr error
}

func (h *fakeHandle) Send(env *protocol.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, env)
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) Sent() []*protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*protocol.Envelope(nil), h.sent...)
}

func (h *fakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeApp struct {
	delivered []string
}

func (a *fakeApp) DeliverToApp(to string, _ *protocol.Envelope) error {
	a.delivered = append(a.delivered, to)
	return nil
}

type fakeHub struct {
	connects  int
	cancels   int
	connectFn func() error
}

func (h *fakeHub) ConnectHub(context.Context) error {
	h.connects++
	if h.connectFn != nil {
		return h.connectFn()
	}
	return nil
}

func (h *fakeHub) CancelRetry() { h.cancels++ }

type fixture struct {
	m       *Manager
	id      *fakeIdentity
	app     *fakeApp
	hub     *fakeHub
	metrics *metrics.Metrics
}

func newFixture(meta identity.Metadata) *fixture {
	f := &fixture{
		id:      &fakeIdentity{meta: meta},
		app:     &fakeApp{},
		hub:     &fakeHub{},
		metrics: metrics.New(nil),
	}
	f.m = New(Config{Identity: f.id, App: f.app, Metrics: f.metrics, Logger: logging.Discard()})
	f.m.SetHubConnector(f.hub)
	f.m.Init()
	return f
}

func virgin() identity.Metadata {
	return identity.Metadata{DeviceName: "laptop", FriendlyName: "Laptop"}
}

func enrolled() identity.Metadata {
	return identity.Metadata{DeviceName: "laptop", FriendlyName: "Laptop", Enrolled: true, PzhID: "hub_alice"}
}

func enrollment() identity.Enrollment {
	return identity.Enrollment{HubID: "hub_alice", To: "hub_alice/laptop_1", ClientCert: "c", MasterCert: "m"}
}

func TestSessionIDFollowsEnrollment(t *testing.T) {
	f := newFixture(virgin())
	assert.Equal(t, "laptop", f.m.SessionID())
	assert.False(t, f.m.Enrolled())

	require.NoError(t, f.m.Enroll(context.Background(), enrollment()))
	assert.True(t, f.m.Enrolled())
	assert.Equal(t, "hub_alice/laptop_1", f.m.SessionID())
	assert.Equal(t, "hub_alice", f.m.HubID())
	assert.Equal(t, 1, f.hub.connects)
}

func TestEnrollIsIdempotent(t *testing.T) {
	f := newFixture(virgin())
	ctx := context.Background()
	require.NoError(t, f.m.Enroll(ctx, enrollment()))
	session := f.m.SessionID()

	require.NoError(t, f.m.Enroll(ctx, enrollment()))
	assert.Equal(t, session, f.m.SessionID())
	assert.Equal(t, 1, f.id.applied)
	assert.Equal(t, 1, f.hub.connects)
}

func TestEnrollDifferentHubRejected(t *testing.T) {
	f := newFixture(virgin())
	ctx := context.Background()
	require.NoError(t, f.m.Enroll(ctx, enrollment()))

	other := enrollment()
	other.HubID = "hub_bob"
	err := f.m.Enroll(ctx, other)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInput))
	assert.ErrorIs(t, err, errs.ErrAlreadyEnrolled)
	assert.Equal(t, "hub_alice", f.m.HubID())
}

func TestEnrollFailureLeavesVirgin(t *testing.T) {
	f := newFixture(virgin())
	f.id.applyErr = errs.Errorf(errs.KindInput, "enroll", "bad certificate")

	err := f.m.Enroll(context.Background(), enrollment())
	require.Error(t, err)
	assert.False(t, f.m.Enrolled())
	assert.Equal(t, "laptop", f.m.SessionID())
	assert.Zero(t, f.hub.connects)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Enrollments.WithLabelValues("failed")))
}

func TestEnrollSucceedsWhenHubUnreachable(t *testing.T) {
	f := newFixture(virgin())
	f.hub.connectFn = func() error { return errors.New("connection refused") }
	require.NoError(t, f.m.Enroll(context.Background(), enrollment()))
	assert.True(t, f.m.Enrolled())
}

func TestRegisterConnectionReplacesPrevious(t *testing.T) {
	f := newFixture(virgin())
	a, b := &fakeHandle{}, &fakeHandle{}

	f.m.RegisterConnection("phone", a, KindPeer)
	f.m.RegisterConnection("phone", b, KindPeer)

	assert.True(t, a.Closed())
	assert.False(t, b.Closed())
	require.Len(t, f.m.Devices(), 1)

	require.NoError(t, f.m.Send(&protocol.Envelope{Type: "x"}, "phone"))
	assert.Empty(t, a.Sent())
	assert.Len(t, b.Sent(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Links.WithLabelValues("peer")))
}

func TestReleaseIgnoresStaleHandle(t *testing.T) {
	f := newFixture(virgin())
	a, b := &fakeHandle{}, &fakeHandle{}
	f.m.RegisterConnection("phone", a, KindPeer)
	f.m.RegisterConnection("phone", b, KindPeer)

	f.m.Release("phone", a)
	assert.Equal(t, Connected, f.m.PeerState())

	f.m.Release("phone", b)
	assert.Equal(t, NotConnected, f.m.PeerState())
	assert.False(t, b.Closed())
}

func TestCleanupClosesAndNotifies(t *testing.T) {
	f := newFixture(virgin())
	var events []string
	f.m.AddListener(ListenerFunc(func(kind Kind, id string, up bool) {
		state := "down"
		if up {
			state = "up"
		}
		events = append(events, kind.String()+":"+id+":"+state)
	}))

	h1, h2 := &fakeHandle{}, &fakeHandle{}
	f.m.RegisterConnection("phone", h1, KindPeer)
	f.m.RegisterConnection("tablet", h2, KindPeer)
	f.m.Cleanup("phone")
	assert.True(t, h1.Closed())
	assert.Equal(t, Connected, f.m.PeerState())
	f.m.Cleanup("tablet")
	assert.Equal(t, NotConnected, f.m.PeerState())
	f.m.Cleanup("unknown")

	assert.Equal(t, []string{"peer:phone:up", "peer:tablet:up", "peer:phone:down", "peer:tablet:down"}, events)
}

func TestSendResolutionOrder(t *testing.T) {
	f := newFixture(enrolled())
	hub, peer := &fakeHandle{}, &fakeHandle{}
	f.m.RegisterConnection("hub_alice", hub, KindHub)
	f.m.RegisterConnection("hub_alice/phone", peer, KindPeer)

	require.NoError(t, f.m.Send(&protocol.Envelope{Type: "x"}, "hub_alice/phone"))
	require.NoError(t, f.m.Send(&protocol.Envelope{Type: "x"}, "hub_alice/phone/app1"))
	require.NoError(t, f.m.Send(&protocol.Envelope{Type: "x"}, "hub_alice/tablet"))

	assert.Len(t, peer.Sent(), 2)
	assert.Len(t, hub.Sent(), 1)
	assert.Empty(t, f.app.delivered)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesSent.WithLabelValues("hub")))
}

func TestSendWithoutHubGoesToApp(t *testing.T) {
	f := newFixture(virgin())
	require.NoError(t, f.m.Send(&protocol.Envelope{Type: "x"}, "laptop/app1"))
	assert.Equal(t, []string{"laptop/app1"}, f.app.delivered)

	f = newFixture(enrolled())
	require.NoError(t, f.m.Send(&protocol.Envelope{Type: "x"}, "hub_alice/tablet"))
	assert.Equal(t, []string{"hub_alice/tablet"}, f.app.delivered)
}

func TestSendToOwnAppsStaysLocal(t *testing.T) {
	f := newFixture(enrolled())
	hub := &fakeHandle{}
	f.m.RegisterConnection("hub_alice", hub, KindHub)

	require.NoError(t, f.m.Send(&protocol.Envelope{Type: "x"}, "hub_alice/laptop/app1"))
	require.NoError(t, f.m.Send(&protocol.Envelope{Type: "x"}, "hub_alice/laptop"))
	require.NoError(t, f.m.Send(&protocol.Envelope{Type: "x"}, "hub_alice/laptop_old/app1"))

	assert.Equal(t, []string{"hub_alice/laptop/app1", "hub_alice/laptop"}, f.app.delivered)
	assert.Len(t, hub.Sent(), 1)
}

func TestSendTransportFailure(t *testing.T) {
	f := newFixture(virgin())
	f.m.RegisterConnection("phone", &fakeHandle{sendErr: errors.New("broken pipe")}, KindPeer)
	err := f.m.Send(&protocol.Envelope{Type: "x"}, "phone")
	assert.True(t, errs.Is(err, errs.KindTransport))
}

func TestPrepMsgDefaultsToHub(t *testing.T) {
	f := newFixture(enrolled())
	env, err := f.m.PrepMsg("", protocol.StatusSyncHash, map[string]string{"crl": "x"})
	require.NoError(t, err)
	assert.Equal(t, "hub_alice", env.To)
	assert.Equal(t, "hub_alice/laptop", env.From)
	assert.Equal(t, protocol.TypeProp, env.Type)
}

func TestBroadcastReachesEveryLink(t *testing.T) {
	f := newFixture(enrolled())
	hub, p1, p2 := &fakeHandle{}, &fakeHandle{}, &fakeHandle{sendErr: errors.New("gone")}
	f.m.RegisterConnection("hub_alice", hub, KindHub)
	f.m.RegisterConnection("hub_alice/phone", p1, KindPeer)
	f.m.RegisterConnection("hub_alice/tv", p2, KindPeer)

	err := f.m.Broadcast(protocol.StatusUpdateHash, map[string]string{"crl": "x"})
	require.Error(t, err)
	require.Len(t, hub.Sent(), 1)
	require.Len(t, p1.Sent(), 1)
	assert.Equal(t, "hub_alice/phone", p1.Sent()[0].To)
	assert.Equal(t, protocol.StatusUpdateHash, hub.Sent()[0].Payload.Status)
}

func TestUpdateDeviceInfo(t *testing.T) {
	f := newFixture(enrolled())
	f.m.RegisterConnection("hub_alice", &fakeHandle{}, KindHub)
	f.m.RegisterConnection("hub_alice/phone", &fakeHandle{}, KindPeer)

	upd := protocol.DeviceUpdate{
		FriendlyName: "Alice",
		ConnectedPzp: []protocol.DeviceRef{
			{Key: "hub_alice/laptop", FriendlyName: "me"},
			{Key: "hub_alice/phone", FriendlyName: "Phone"},
			{Key: "hub_alice/tv", FriendlyName: "TV"},
		},
		ConnectedPzh: []protocol.DeviceRef{{Key: "hub_alice"}, {Key: "hub_bob", FriendlyName: "Bob"}},
	}
	require.NoError(t, f.m.UpdateDeviceInfo("hub_alice", upd))
	require.NoError(t, f.m.UpdateDeviceInfo("hub_alice", upd))

	assert.Equal(t, "Alice's Laptop", f.m.FriendlyName())
	assert.Len(t, f.id.friendlys, 1)

	pending := f.m.PendingDevices()
	assert.Equal(t, map[string]string{"hub_alice/tv": "TV"}, pending.Pzp)
	assert.Equal(t, map[string]string{"hub_bob": "Bob"}, pending.Pzh)

	devices := f.m.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, Device{ID: "hub_alice", Kind: "hub", FriendlyName: "Alice"}, devices[0])
}

func TestSendUpdateToAll(t *testing.T) {
	f := newFixture(enrolled())
	hub := &fakeHandle{}
	f.m.RegisterConnection("hub_alice", hub, KindHub)

	require.NoError(t, f.m.SendUpdateToAll())
	require.Len(t, hub.Sent(), 1)
	var upd protocol.DeviceUpdate
	require.NoError(t, hub.Sent()[0].Decode(&upd))
	assert.Equal(t, "Laptop", upd.FriendlyName)
	assert.Equal(t, []protocol.DeviceRef{{Key: "hub_alice"}}, upd.ConnectedPzh)
	assert.Empty(t, upd.ConnectedPzp)
}

func TestResetUnenrolls(t *testing.T) {
	f := newFixture(enrolled())
	hub := &fakeHandle{}
	f.m.RegisterConnection("hub_alice", hub, KindHub)

	require.NoError(t, f.m.Reset(context.Background()))
	assert.True(t, hub.Closed())
	assert.Equal(t, 1, f.hub.cancels)
	assert.Equal(t, 1, f.id.resets)
	assert.False(t, f.m.Enrolled())
	assert.Equal(t, "laptop", f.m.SessionID())
	assert.Equal(t, NotConnected, f.m.HubState())
}

func TestOriginCovers(t *testing.T) {
	o := Origin{ID: "hub_alice/laptop", Kind: KindPeer}
	assert.False(t, o.Local())
	assert.True(t, o.Covers("hub_alice/laptop"))
	assert.True(t, o.Covers("hub_alice/laptop/app1"))
	assert.False(t, o.Covers("hub_alice/laptop_1"))
	assert.False(t, o.Covers("hub_alice"))

	assert.True(t, Origin{}.Local())
	assert.False(t, Origin{}.Covers(""))
}
