package session

import (
	"maps"
	"slices"
	"strings"

	"github.com/avaropoint/pzone/internal/protocol"
)

// FriendlyName returns the node's display name.
func (m *Manager) FriendlyName() string {
	return m.id.Metadata().FriendlyName
}

// SetFriendlyName persists a new display name.
func (m *Manager) SetFriendlyName(name string) error {
	return m.id.SetFriendlyName(name)
}

// DeviceUpdate describes this node and its links for an update message.
func (m *Manager) DeviceUpdate() protocol.DeviceUpdate {
	friendly := m.FriendlyName()
	m.mu.Lock()
	defer m.mu.Unlock()
	return protocol.DeviceUpdate{
		FriendlyName: friendly,
		ConnectedPzp: refs(m.peers),
		ConnectedPzh: refs(m.hubs),
	}
}

func refs(links map[string]*link) []protocol.DeviceRef {
	out := make([]protocol.DeviceRef, 0, len(links))
	for _, id := range slices.Sorted(maps.Keys(links)) {
		out = append(out, protocol.DeviceRef{Key: id, FriendlyName: links[id].friendlyName})
	}
	return out
}

// SendUpdateToAll tells every linked node this node's friendly name and
// connected devices.
func (m *Manager) SendUpdateToAll() error {
	return m.Broadcast(protocol.StatusUpdate, m.DeviceUpdate())
}

// UpdateDeviceInfo records the friendly names reported by from and the
// devices it is connected to. A hub's friendly name prefixes this node's
// own name once.
func (m *Manager) UpdateDeviceInfo(from string, upd protocol.DeviceUpdate) error {
	var rename string
	m.mu.Lock()
	if l, ok := m.hubs[from]; ok {
		l.friendlyName = upd.FriendlyName
		if upd.FriendlyName != "" {
			rename = upd.FriendlyName
		}
	} else if l, ok := m.peers[from]; ok {
		l.friendlyName = upd.FriendlyName
	}
	for _, d := range upd.ConnectedPzp {
		if _, linked := m.peers[d.Key]; !linked && d.Key != m.sessionID {
			m.pending.Pzp[d.Key] = d.FriendlyName
		}
	}
	for _, d := range upd.ConnectedPzh {
		if _, linked := m.hubs[d.Key]; !linked {
			m.pending.Pzh[d.Key] = d.FriendlyName
		}
	}
	m.mu.Unlock()

	if rename == "" {
		return nil
	}
	own := m.FriendlyName()
	if strings.Contains(own, rename) {
		return nil
	}
	return m.id.SetFriendlyName(rename + "'s " + own)
}
