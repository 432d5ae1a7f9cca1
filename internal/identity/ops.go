package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"go.uber.org/multierr"

	"github.com/avaropoint/pzone/internal/config"
	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/trust"
)

// Enrollment is the material a hub hands to an enrolling agent.
type Enrollment struct {
	HubID string
	// To is the address the hub assigned, "<hubId>/<name>" or a bare name.
	To         string
	ClientCert string
	MasterCert string
	MasterCRL  string
}

// ApplyEnrollment adopts the hub credentials and records the hub as the
// node's trust anchor and routing parent.
func (s *Store) ApplyEnrollment(ctx context.Context, e Enrollment) error {
	const op = "enroll"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Ready {
		return errs.E(errs.KindPersistence, op, errNotReady)
	}
	if e.HubID == "" {
		return errs.Errorf(errs.KindInput, op, "hub id missing")
	}

	serverName := ServerNameOf(e.HubID)
	s.trust.SetServerName(serverName)
	if err := s.trust.AdoptHubCredentials(ctx, e.ClientCert, e.MasterCert, e.MasterCRL); err != nil {
		s.trust.SetServerName(s.meta.ServerName)
		return err
	}

	assigned := e.To
	if i := strings.LastIndex(assigned, "/"); i >= 0 {
		assigned = assigned[i+1:]
	}
	s.meta.PzhAssignedID = ""
	if assigned != "" && assigned != s.meta.DeviceName {
		s.meta.PzhAssignedID = assigned
	}
	s.meta.PzhID = e.HubID
	s.meta.ServerName = serverName
	s.meta.Enrolled = true
	s.trusted.Pzh[e.HubID] = TrustedEntry{Address: serverName}

	s.log.Info("enrolled with hub", "hub", e.HubID, "session", s.meta.SessionID())
	return s.persist(op, fileMeta, fileCRL, fileTrusted, fileInternal)
}

// FriendlyName returns the display name of the node.
func (s *Store) FriendlyName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.FriendlyName
}

// SetFriendlyName changes and persists the display name.
func (s *Store) SetFriendlyName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.FriendlyName == name {
		return nil
	}
	s.meta.FriendlyName = name
	return s.persist("setFriendlyName", fileMeta)
}

// UpdateServiceCache adds or removes a named service and persists the cache.
func (s *Store) UpdateServiceCache(name string, remove bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.services, func(svc config.Service) bool { return svc.Name == name })
	switch {
	case remove && i >= 0:
		s.services = slices.Delete(s.services, i, i+1)
	case !remove && i < 0:
		s.services = append(s.services, config.Service{Name: name, Params: map[string]any{}})
	default:
		return nil
	}
	return s.persist("updateServiceCache", fileServices)
}

// Hashes returns the digest of each synchronized artifact.
func (s *Store) Hashes() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.trust.State()
	return map[string]string{
		SyncTrustedList: hashOf(s.trusted),
		SyncCRL:         hashOf(st.CRL),
		SyncCert:        hashOf(st.External),
		SyncExCertList:  hashOf(s.exCerts),
	}
}

// CompareHashes returns the local digest of every artifact whose digest
// differs from remote.
func (s *Store) CompareHashes(remote map[string]string) map[string]string {
	diff := map[string]string{}
	for name, local := range s.Hashes() {
		if remote[name] != local {
			diff[name] = local
		}
	}
	return diff
}

// SyncContent returns the content of the named artifacts for an
// update_hash reply.
func (s *Store) SyncContent(names []string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.trust.State()
	out := map[string]any{}
	for _, name := range names {
		switch name {
		case SyncTrustedList:
			out[name] = s.trusted.clone()
		case SyncCRL:
			out[name] = st.CRL
		case SyncCert:
			out[name] = st.External
		}
	}
	return out
}

// ApplySync stores the artifacts the hub this agent is enrolled with
// distributed. Nothing is applied unless every artifact decodes and the
// CRL verifies against the hub certificate.
func (s *Store) ApplySync(content map[string]json.RawMessage) error {
	const op = "applySync"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.NodeType == config.TypeHub || !s.meta.Enrolled {
		return errs.Errorf(errs.KindInput, op, "only an enrolled agent accepts hub artifacts")
	}

	var (
		tl    *TrustedList
		crl   *trust.CRL
		ext   trust.External
		dirty []string
	)
	for name, raw := range content {
		switch name {
		case SyncTrustedList:
			tl = &TrustedList{}
			if err := json.Unmarshal(raw, tl); err != nil {
				return errs.E(errs.KindInput, op, fmt.Errorf("trustedList: %w", err))
			}
			dirty = append(dirty, fileTrusted)
		case SyncCRL:
			crl = &trust.CRL{}
			if err := json.Unmarshal(raw, crl); err != nil {
				return errs.E(errs.KindInput, op, fmt.Errorf("crl: %w", err))
			}
			if err := s.trust.CheckHubCRL(crl.Value); err != nil {
				return err
			}
			dirty = append(dirty, fileCRL)
		case SyncCert:
			if err := json.Unmarshal(raw, &ext); err != nil {
				return errs.E(errs.KindInput, op, fmt.Errorf("cert: %w", err))
			}
			dirty = append(dirty, fileExternal)
		}
	}
	if len(dirty) == 0 {
		return nil
	}

	if crl != nil {
		if err := s.trust.SetCRL(crl.Value); err != nil {
			return err
		}
	}
	if tl != nil {
		prev := s.trusted
		s.trusted = tl.clone()
		if hub, ok := prev.Pzh[s.meta.PzhID]; ok {
			if _, listed := s.trusted.Pzh[s.meta.PzhID]; !listed {
				s.trusted.Pzh[s.meta.PzhID] = hub
			}
		}
	}
	if slices.Contains(dirty, fileExternal) {
		s.trust.SetExternal(ext)
	}
	s.log.Info("artifacts synchronized with hub", "files", strings.Join(dirty, ","))
	return s.persist(op, dirty...)
}

// RecordDevice adds an enrolled agent to a hub's trusted list and persists
// the signed certificate record.
func (s *Store) RecordDevice(id, friendlyName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trusted.Pzp[id] = TrustedEntry{FriendlyName: friendlyName}
	return s.persist("recordDevice", fileTrusted, fileInternal)
}

// RecordRevocation drops a revoked agent from a hub's trusted list and
// persists the updated CRL.
func (s *Store) RecordRevocation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trusted.Pzp, id)
	return s.persist("revoke", fileTrusted, fileCRL, fileInternal)
}

// PersistTrust writes the trust-owned artifacts after the trust manager
// changed them directly.
func (s *Store) PersistTrust() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist("persistTrust", fileCRL, fileInternal, fileExternal)
}

// Reset deletes the identity and every slot key, then bootstraps a fresh
// unenrolled identity.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.trust.DeleteKeys(ctx)
	for _, path := range Files(s.root) {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = multierr.Append(err, rmErr)
		}
	}
	if err != nil {
		s.log.Warn("identity reset incomplete", "error", err)
	}

	s.meta = Metadata{}
	return s.bootstrap(ctx)
}
