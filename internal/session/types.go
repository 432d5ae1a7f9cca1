// Package session holds the live routing state of a node: the hub link,
// peer links, the session id and the enrollment flag. It resolves where
// outbound envelopes go and performs the one-time enrollment transition.
package session

import (
	"context"
	"strings"

	"github.com/avaropoint/pzone/internal/identity"
	"github.com/avaropoint/pzone/internal/protocol"
)

// Kind distinguishes hub links from peer links.
type Kind int

const (
	KindPeer Kind = iota
	KindHub
)

func (k Kind) String() string {
	if k == KindHub {
		return "hub"
	}
	return "peer"
}

// Origin identifies the link an inbound envelope arrived on. The zero
// Origin is the node itself, such as an enrollment response fetched over
// HTTPS.
type Origin struct {
	// ID is the verified session id of the remote node.
	ID   string
	Kind Kind
}

// Local reports whether the envelope did not arrive over a link.
func (o Origin) Local() bool { return o.ID == "" }

// Covers reports whether from is the link's node or an address under it.
func (o Origin) Covers(from string) bool {
	return o.ID != "" && (from == o.ID || strings.HasPrefix(from, o.ID+"/"))
}

// LinkState is the aggregate state of all links of one kind.
type LinkState string

const (
	Connected    LinkState = "connected"
	NotConnected LinkState = "not_connected"
)

// Handle is a live connection an envelope can be written to. Send must
// write whole frames.
type Handle interface {
	Send(env *protocol.Envelope) error
	Close() error
}

// AppHandler receives envelopes addressed to local applications.
type AppHandler interface {
	DeliverToApp(to string, env *protocol.Envelope) error
}

// HubConnector opens the hub link.
type HubConnector interface {
	ConnectHub(ctx context.Context) error
	CancelRetry()
}

// Listener is told when a link of the given kind comes up or goes down.
type Listener interface {
	LinkChanged(kind Kind, id string, up bool)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(kind Kind, id string, up bool)

func (f ListenerFunc) LinkChanged(kind Kind, id string, up bool) { f(kind, id, up) }

// Identity is the part of the identity store the session manager uses.
type Identity interface {
	Metadata() identity.Metadata
	ApplyEnrollment(ctx context.Context, e identity.Enrollment) error
	SetFriendlyName(name string) error
	Reset(ctx context.Context) error
}

// PendingDevices are devices a hub reports as connected to it that this
// node has no direct link to, keyed by session id with friendly names.
type PendingDevices struct {
	Pzp map[string]string `json:"pzp"`
	Pzh map[string]string `json:"pzh"`
}

// Device is a directly linked node.
type Device struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	FriendlyName string `json:"friendlyName,omitempty"`
}
