// Package config loads node configuration from defaults, an optional YAML
// file and PZONE_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/avaropoint/pzone/internal/version"
)

// Node types.
const (
	TypeAgent = "pzp"
	TypeHub   = "pzh"
)

// Config is the complete node configuration.
type Config struct {
	Node      NodeConfig      `koanf:"node"`
	Cert      CertConfig      `koanf:"cert"`
	Ports     Ports           `koanf:"ports"`
	Services  ServiceDefaults `koanf:"services"`
	Transport TransportConfig `koanf:"transport"`
	Log       LogConfig       `koanf:"log"`
	Store     StoreConfig     `koanf:"store"`
	Version   string          `koanf:"version"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	Type         string `koanf:"type"`
	Name         string `koanf:"name"`
	Root         string `koanf:"root"`
	FriendlyName string `koanf:"friendlyName"`
}

// CertConfig holds the certificate subject attributes used for every CSR.
type CertConfig struct {
	Country string `koanf:"country" json:"country"`
	State   string `koanf:"state" json:"state"`
	City    string `koanf:"city" json:"city"`
	OrgName string `koanf:"orgname" json:"orgname"`
	OrgUnit string `koanf:"orgunit" json:"orgunit"`
	Email   string `koanf:"email" json:"email"`
	URL     string `koanf:"url" json:"url"`
}

// Ports are the listening ports persisted in user preferences.
type Ports struct {
	Provider          int `koanf:"provider" json:"provider"`
	ProviderWebServer int `koanf:"providerWebServer" json:"providerWebServer"`
	PzpTLS            int `koanf:"pzpTLS" json:"pzpTLS"`
}

// Service is a default service announced by a node.
type Service struct {
	Name   string         `koanf:"name" json:"name"`
	Params map[string]any `koanf:"params" json:"params,omitempty"`
}

// ServiceDefaults are the default service lists per node type.
type ServiceDefaults struct {
	Pzp []Service `koanf:"pzp"`
	Pzh []Service `koanf:"pzh"`
}

// TransportConfig tunes the TLS links.
type TransportConfig struct {
	// ListenHost is the interface the node binds; empty means all.
	ListenHost       string        `koanf:"listenHost"`
	DialTimeout      time.Duration `koanf:"dialTimeout"`
	HandshakeTimeout time.Duration `koanf:"handshakeTimeout"`
	RetryDelay       time.Duration `koanf:"retryDelay"`
}

// StoreConfig locates the hub's device registry database.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	root := ".pzone"
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".pzone")
	}

	return Config{
		Node: NodeConfig{
			Type: TypeAgent,
			Root: root,
		},
		Cert: CertConfig{
			Country: "UK",
			State:   "MX",
			City:    "ST",
			OrgName: "Personal Zone",
			OrgUnit: "Devices",
			Email:   "zone@localhost",
			URL:     "https://localhost/crl",
		},
		Ports: Ports{
			Provider:          8443,
			ProviderWebServer: 9443,
			PzpTLS:            8040,
		},
		Services: ServiceDefaults{
			Pzp: []Service{
				{Name: "http://webinos.org/api/events"},
				{Name: "http://webinos.org/api/file"},
				{Name: "http://webinos.org/api/discovery"},
				{Name: "http://webinos.org/api/test"},
			},
			Pzh: []Service{
				{Name: "http://webinos.org/api/events"},
				{Name: "http://webinos.org/api/discovery"},
			},
		},
		Transport: TransportConfig{
			DialTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			RetryDelay:       60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Version: version.Version,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Node.Type {
	case TypeAgent, TypeHub:
	default:
		return fmt.Errorf("node.type must be %q or %q, got %q", TypeAgent, TypeHub, c.Node.Type)
	}
	if c.Node.Root == "" {
		return fmt.Errorf("node.root is required")
	}
	for name, p := range map[string]int{
		"provider":          c.Ports.Provider,
		"providerWebServer": c.Ports.ProviderWebServer,
		"pzpTLS":            c.Ports.PzpTLS,
	} {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("ports.%s out of range: %d", name, p)
		}
	}
	if c.Transport.RetryDelay <= 0 {
		return fmt.Errorf("transport.retryDelay must be positive")
	}
	if c.Transport.DialTimeout <= 0 || c.Transport.HandshakeTimeout <= 0 {
		return fmt.Errorf("transport timeouts must be positive")
	}
	return nil
}

// StorePath returns the device registry path, defaulting to hub.db under
// the node root.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.Node.Root, "hub.db")
}

// KeyDir returns the directory holding the key database and its sealing key.
func (c *Config) KeyDir() string {
	return filepath.Join(c.Node.Root, "keys")
}

// DefaultServices returns the default service list for the configured node type.
func (c *Config) DefaultServices() []Service {
	if c.Node.Type == TypeHub {
		return c.Services.Pzh
	}
	return c.Services.Pzp
}

// DefaultFriendlyName returns the configured friendly name or a platform-based one.
func (c *Config) DefaultFriendlyName() string {
	if c.Node.FriendlyName != "" {
		return c.Node.FriendlyName
	}
	if c.Node.Type == TypeHub {
		return c.Node.Name
	}
	switch runtime.GOOS {
	case "windows":
		return "Windows PC"
	case "darwin":
		return "MacBook"
	case "android":
		return "Android Phone"
	case "linux", "freebsd":
		return "Linux Device"
	default:
		return "Device"
	}
}
