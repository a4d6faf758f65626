// Package config loads and validates the coordinator's and agent's TOML
// configuration files and provides the environment-variable bootstrap
// helpers used before the file is located.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"opendut/internal/model"
)

// Carl is the coordinator's configuration tree. Only network.bind is
// required; everything else has a workable default.
type Carl struct {
	Network     Network     `toml:"network"`
	VPN         VPN         `toml:"vpn"`
	Persistence Persistence `toml:"persistence"`
	Serve       Serve       `toml:"serve"`
}

type Network struct {
	Bind   Endpoint `toml:"bind"`
	Remote Endpoint `toml:"remote"`
	TLS    TLS      `toml:"tls"`
	OIDC   OIDC     `toml:"oidc"`
}

type Endpoint struct {
	Host string `toml:"host"`
	Port uint16 `toml:"port"`
}

func (e Endpoint) IsZero() bool { return e.Host == "" && e.Port == 0 }

func (e Endpoint) Address() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

type TLS struct {
	Enabled     bool   `toml:"enabled"`
	Certificate string `toml:"certificate"`
	Key         string `toml:"key"`
	CA          CA     `toml:"ca"`
}

type CA struct {
	Certificate string `toml:"certificate"`
}

type OIDC struct {
	Enabled bool       `toml:"enabled"`
	Issuer  Issuer     `toml:"issuer"`
	Client  OIDCClient `toml:"client"`
}

type Issuer struct {
	URL string `toml:"url"`
}

type OIDCClient struct {
	ID     string   `toml:"id"`
	Secret string   `toml:"secret"`
	Scopes []string `toml:"scopes"`
}

type VPN struct {
	Enabled bool    `toml:"enabled"`
	Kind    string  `toml:"kind"`
	Netbird Netbird `toml:"netbird"`
}

type Netbird struct {
	URL   string      `toml:"url"`
	Auth  NetbirdAuth `toml:"auth"`
	HTTPS HTTPSOnly   `toml:"https"`
}

type NetbirdAuth struct {
	Type   string `toml:"type"`
	Secret string `toml:"secret"`
}

type HTTPSOnly struct {
	Only bool `toml:"only"`
}

type Persistence struct {
	Kind     string   `toml:"kind"`
	Database Database `toml:"database"`
}

// Persistence kinds accepted by carl.
const (
	PersistenceMemory   = "memory"
	PersistenceDatabase = "database"
)

type Database struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type Serve struct {
	UI UI `toml:"ui"`
}

type UI struct {
	Directory string `toml:"directory"`
}

// LoadCarl reads and validates a coordinator configuration file.
func LoadCarl(path string) (Carl, error) {
	var cfg Carl
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: read config %s: %v", model.ErrFatal, path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse config %s: %v", model.ErrFatal, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces cross-field requirements: bind is mandatory, TLS
// material must be named when TLS is on, the OIDC issuer must be named
// when auth is on, and the database URL must be present when the
// relational backend is selected.
func (c Carl) Validate() error {
	if c.Network.Bind.Host == "" || c.Network.Bind.Port == 0 {
		return fmt.Errorf("%w: network.bind.host and network.bind.port are required", model.ErrValidation)
	}
	if c.Network.TLS.Enabled {
		if c.Network.TLS.Certificate == "" || c.Network.TLS.Key == "" {
			return fmt.Errorf("%w: network.tls.certificate and network.tls.key are required when TLS is enabled", model.ErrValidation)
		}
	}
	if c.Network.OIDC.Enabled && c.Network.OIDC.Issuer.URL == "" {
		return fmt.Errorf("%w: network.oidc.issuer.url is required when OIDC is enabled", model.ErrValidation)
	}
	switch c.Persistence.Kind {
	case "", PersistenceMemory:
	case PersistenceDatabase:
		if c.Persistence.Database.URL == "" {
			return fmt.Errorf("%w: persistence.database.url is required for the database backend", model.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown persistence.kind %q", model.ErrValidation, c.Persistence.Kind)
	}
	if c.VPN.Enabled {
		switch c.VPN.Kind {
		case "netbird":
			if c.VPN.Netbird.URL == "" {
				return fmt.Errorf("%w: vpn.netbird.url is required when the netbird integration is enabled", model.ErrValidation)
			}
		default:
			return fmt.Errorf("%w: unknown vpn.kind %q", model.ErrValidation, c.VPN.Kind)
		}
	}
	return nil
}

// Edgar is the agent's configuration tree, written by `edgar setup` and
// read on service start.
type Edgar struct {
	PeerID string     `toml:"peer-id"`
	Carl   CarlRemote `toml:"carl"`
	Auth   EdgarAuth  `toml:"auth"`
	VPN    EdgarVPN   `toml:"vpn"`
}

type CarlRemote struct {
	URL           string `toml:"url"`
	CACertificate string `toml:"ca-certificate"`
}

type EdgarAuth struct {
	Enabled      bool   `toml:"enabled"`
	IssuerURL    string `toml:"issuer-url"`
	ClientID     string `toml:"client-id"`
	ClientSecret string `toml:"client-secret"`
}

type EdgarVPN struct {
	Enabled   bool   `toml:"enabled"`
	Interface string `toml:"interface"`
	SetupKey  string `toml:"setup-key"`
}

// LoadEdgar reads and validates an agent configuration file.
func LoadEdgar(path string) (Edgar, error) {
	var cfg Edgar
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: read config %s: %v", model.ErrFatal, path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse config %s: %v", model.ErrFatal, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Edgar) Validate() error {
	if c.PeerID == "" {
		return fmt.Errorf("%w: peer-id is required", model.ErrValidation)
	}
	if _, err := model.ParsePeerID(c.PeerID); err != nil {
		return err
	}
	if c.Carl.URL == "" {
		return fmt.Errorf("%w: carl.url is required", model.ErrValidation)
	}
	return nil
}

// WriteEdgar serializes cfg to path with owner-only permissions; the file
// carries the auth secret from the setup bundle.
func WriteEdgar(path string, cfg Edgar) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write agent config %s: %w", path, err)
	}
	return nil
}
