package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/avaropoint/pzone/internal/config"
)

// Metadata is persisted in metaData.json.
type Metadata struct {
	NodeType      string `json:"nodeType"`
	DeviceName    string `json:"deviceName"`
	RootPath      string `json:"rootPath"`
	ServerName    string `json:"serverName"`
	FriendlyName  string `json:"friendlyName"`
	Version       string `json:"version"`
	PzhID         string `json:"pzhId,omitempty"`
	PzhAssignedID string `json:"pzhAssignedId,omitempty"`
	Enrolled      bool   `json:"enrolled"`
}

// SessionID is the routing address of the node: the device name while
// unenrolled, otherwise the hub id qualified by the assigned (or own) name.
func (m Metadata) SessionID() string {
	if !m.Enrolled || m.PzhID == "" {
		return m.DeviceName
	}
	name := m.DeviceName
	if m.PzhAssignedID != "" {
		name = m.PzhAssignedID
	}
	return m.PzhID + "/" + name
}

// TrustedEntry describes a trusted hub or agent.
type TrustedEntry struct {
	Address      string `json:"address,omitempty"`
	FriendlyName string `json:"friendlyName,omitempty"`
}

// TrustedList is persisted in trustedList.json.
type TrustedList struct {
	Pzh map[string]TrustedEntry `json:"pzh"`
	Pzp map[string]TrustedEntry `json:"pzp"`
}

func newTrustedList() TrustedList {
	return TrustedList{Pzh: map[string]TrustedEntry{}, Pzp: map[string]TrustedEntry{}}
}

func (t TrustedList) clone() TrustedList {
	out := newTrustedList()
	for k, v := range t.Pzh {
		out.Pzh[k] = v
	}
	for k, v := range t.Pzp {
		out.Pzp[k] = v
	}
	return out
}

// UserDetails is persisted in userData/userDetails.json.
type UserDetails struct {
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	Authenticator string `json:"authenticator,omitempty"`
}

// UserPref is persisted in userData/userPref.json.
type UserPref struct {
	Ports config.Ports `json:"ports"`
}

// Artifact names used in sync messages.
const (
	SyncTrustedList = "trustedList"
	SyncCRL         = "crl"
	SyncCert        = "cert"
	SyncExCertList  = "exCertList"
)

// artifact binds one persisted file to the in-memory value it holds.
type artifact struct {
	key string
	ptr func(s *Store) any
}

func (a artifact) path(root string) string {
	return filepath.Join(root, filepath.FromSlash(a.key)+".json")
}

// Artifact keys, relative to the identity root without the .json suffix.
const (
	fileMeta      = "metaData"
	fileCRL       = "crl"
	fileTrusted   = "trustedList"
	fileUntrusted = "untrustedList"
	fileExCerts   = "exCertList"
	fileInternal  = "certificates/internal/certificates"
	fileExternal  = "certificates/external/certificates"
	fileDetails   = "userData/userDetails"
	fileServices  = "userData/serviceCache"
	filePref      = "userData/userPref"
)

// artifacts lists every file a complete identity root must contain.
var artifacts = []artifact{
	{fileMeta, func(s *Store) any { return &s.meta }},
	{fileCRL, func(s *Store) any { return &s.crl }},
	{fileTrusted, func(s *Store) any { return &s.trusted }},
	{fileUntrusted, func(s *Store) any { return &s.untrusted }},
	{fileExCerts, func(s *Store) any { return &s.exCerts }},
	{fileInternal, func(s *Store) any { return &s.internal }},
	{fileExternal, func(s *Store) any { return &s.external }},
	{fileDetails, func(s *Store) any { return &s.details }},
	{fileServices, func(s *Store) any { return &s.services }},
	{filePref, func(s *Store) any { return &s.pref }},
}

// Files returns the paths of every artifact under root.
func Files(root string) []string {
	out := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, a.path(root))
	}
	return out
}

// directories created at bootstrap.
var layout = []string{
	"logs",
	filepath.Join("certificates", "internal"),
	filepath.Join("certificates", "external"),
	"policies",
	"userData",
	"keys",
	"wrt",
}

var errEmptyArtifact = errors.New("artifact is empty")

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return fmt.Errorf("%s: %w", path, errEmptyArtifact)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", " ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()     //nolint:errcheck
		os.Remove(name) //nolint:errcheck
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()     //nolint:errcheck
		os.Remove(name) //nolint:errcheck
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name) //nolint:errcheck
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(name, 0o600); err != nil {
		os.Remove(name) //nolint:errcheck
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name) //nolint:errcheck
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// hashOf returns the hex SHA-256 of v's JSON encoding.
func hashOf(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
