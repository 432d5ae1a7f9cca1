package node

import (
	"context"
	"errors"

	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/identity"
	"github.com/avaropoint/pzone/internal/protocol"
	"github.com/avaropoint/pzone/internal/session"
	"github.com/avaropoint/pzone/internal/transport"
)

// supervise logs link events until ctx is done or the transport closes.
func (n *Node) supervise(ctx context.Context) {
	events := n.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handleEvent(ctx, ev)
		}
	}
}

func (n *Node) handleEvent(ctx context.Context, ev transport.Event) {
	log := n.log.With("kind", ev.Kind, "id", ev.ID, "state", ev.State)
	switch ev.State {
	case transport.StateAuthenticated:
		log.Info("link up")
		if n.registry != nil && ev.Kind == session.KindPeer {
			if err := n.registry.UpdateDeviceSeen(ctx, ev.ID, ev.Time); err != nil {
				log.Debug("device seen not recorded", "error", err)
			}
		}
	case transport.StateUnauthorized:
		if errors.Is(ev.Err, errs.ErrCertNotYetValid) {
			log.Error("peer certificate not yet valid, check the clock on both hub and device", "error", ev.Err)
			return
		}
		log.Warn("link unauthorized", "error", ev.Err)
	case transport.StateNotConnected:
		if ev.Err != nil {
			log.Info("link down", "error", ev.Err)
			return
		}
		log.Debug("link closed")
	default:
		log.Debug("link state changed")
	}
}

// linkChanged runs when a session link is registered or removed. A new
// hub link carries our device update; a hub pushes its artifact digests
// to every new peer so that the peer can pull what differs.
func (n *Node) linkChanged(kind session.Kind, id string, up bool) {
	if !up {
		return
	}
	if kind == session.KindHub {
		if err := n.sessions.SendUpdateToAll(); err != nil {
			n.log.Warn("device update not sent", "hub", id, "error", err)
		}
		return
	}
	if n.IsHub() {
		if err := n.sessions.SendProp(id, protocol.StatusSyncHash, n.identity.Hashes()); err != nil {
			n.log.Warn("sync digests not sent", "peer", id, "error", err)
		}
	}
}

// RevokeDevice revokes an enrolled device: its certificate is added to the
// CRL, the device leaves the trusted list, connected nodes receive the new
// CRL and the device's link is closed.
func (n *Node) RevokeDevice(ctx context.Context, id string) error {
	const op = "revokeDevice"
	if n.registry == nil {
		return errs.E(errs.KindRevocation, op, errs.ErrNotAuthority)
	}
	device, err := n.registry.GetDevice(ctx, id)
	if err != nil {
		return errs.E(errs.KindInput, op, err)
	}
	if _, err := n.trust.Revoke(ctx, []byte(device.Cert)); err != nil {
		return err
	}
	if err := n.identity.RecordRevocation(id); err != nil {
		return err
	}
	if err := n.registry.MarkDeviceRevoked(ctx, id, n.clock.Now()); err != nil {
		return errs.E(errs.KindPersistence, op, err)
	}

	content := n.identity.SyncContent([]string{identity.SyncCRL, identity.SyncTrustedList})
	if err := n.sessions.Broadcast(protocol.StatusUpdateHash, content); err != nil {
		n.log.Warn("revocation broadcast incomplete", "device", id, "error", err)
	}
	n.sessions.Cleanup(id)
	n.log.Info("device revoked", "device", id)
	return nil
}
