package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadCarlFull(t *testing.T) {
	path := writeTempConfig(t, `
[network.bind]
host = "0.0.0.0"
port = 8080

[network.remote]
host = "carl.example.org"
port = 443

[network.tls]
enabled = true
certificate = "/etc/opendut/tls/carl.pem"
key = "/etc/opendut/tls/carl.key"

[network.tls.ca]
certificate = "/etc/opendut/tls/ca.pem"

[network.oidc]
enabled = true

[network.oidc.issuer]
url = "https://keycloak.example.org/realms/opendut"

[network.oidc.client]
id = "opendut-carl"
secret = "hunter2"
scopes = ["openid", "profile"]

[vpn]
enabled = true
kind = "netbird"

[vpn.netbird]
url = "https://netbird.example.org/api"

[vpn.netbird.auth]
type = "personal-access-token"
secret = "nb-token"

[vpn.netbird.https]
only = true

[persistence]
kind = "database"

[persistence.database]
url = "postgres://localhost:5432/opendut"
username = "carl"
password = "secret"

[serve.ui]
directory = "/opt/opendut/ui"
`)

	cfg, err := LoadCarl(path)
	if err != nil {
		t.Fatalf("LoadCarl: %v", err)
	}
	if got := cfg.Network.Bind.Address(); got != "0.0.0.0:8080" {
		t.Errorf("bind address = %q, want 0.0.0.0:8080", got)
	}
	if !cfg.Network.TLS.Enabled || cfg.Network.TLS.CA.Certificate != "/etc/opendut/tls/ca.pem" {
		t.Errorf("tls config not parsed: %+v", cfg.Network.TLS)
	}
	if cfg.Network.OIDC.Issuer.URL != "https://keycloak.example.org/realms/opendut" {
		t.Errorf("oidc issuer = %q", cfg.Network.OIDC.Issuer.URL)
	}
	if len(cfg.Network.OIDC.Client.Scopes) != 2 {
		t.Errorf("oidc scopes = %v", cfg.Network.OIDC.Client.Scopes)
	}
	if cfg.Persistence.Kind != PersistenceDatabase || cfg.Persistence.Database.Username != "carl" {
		t.Errorf("persistence config not parsed: %+v", cfg.Persistence)
	}
	if !cfg.VPN.Netbird.HTTPS.Only {
		t.Error("vpn.netbird.https.only not parsed")
	}
	if cfg.Serve.UI.Directory != "/opt/opendut/ui" {
		t.Errorf("serve.ui.directory = %q", cfg.Serve.UI.Directory)
	}
}

func TestLoadCarlMinimalDefaultsToMemory(t *testing.T) {
	path := writeTempConfig(t, `
[network.bind]
host = "127.0.0.1"
port = 9090
`)
	cfg, err := LoadCarl(path)
	if err != nil {
		t.Fatalf("LoadCarl: %v", err)
	}
	if cfg.Persistence.Kind != "" && cfg.Persistence.Kind != PersistenceMemory {
		t.Errorf("persistence kind = %q, want memory default", cfg.Persistence.Kind)
	}
}

func TestLoadCarlRejectsMissingBind(t *testing.T) {
	path := writeTempConfig(t, `
[persistence]
kind = "memory"
`)
	if _, err := LoadCarl(path); err == nil {
		t.Fatal("expected error for missing network.bind")
	}
}

func TestLoadCarlRejectsTLSWithoutMaterial(t *testing.T) {
	path := writeTempConfig(t, `
[network.bind]
host = "127.0.0.1"
port = 9090

[network.tls]
enabled = true
`)
	if _, err := LoadCarl(path); err == nil {
		t.Fatal("expected error for TLS enabled without certificate/key")
	}
}

func TestLoadCarlRejectsUnknownPersistenceKind(t *testing.T) {
	path := writeTempConfig(t, `
[network.bind]
host = "127.0.0.1"
port = 9090

[persistence]
kind = "etcd"
`)
	if _, err := LoadCarl(path); err == nil {
		t.Fatal("expected error for unknown persistence kind")
	}
}

func TestLoadCarlRejectsDatabaseWithoutURL(t *testing.T) {
	path := writeTempConfig(t, `
[network.bind]
host = "127.0.0.1"
port = 9090

[persistence]
kind = "database"
`)
	if _, err := LoadCarl(path); err == nil {
		t.Fatal("expected error for database backend without url")
	}
}

func TestEdgarRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgar.toml")
	in := Edgar{
		PeerID: "8d3dd8ba-bbd2-4225-a4b9-4d0e2cf65b3d",
		Carl: CarlRemote{
			URL:           "https://carl.example.org:443",
			CACertificate: "/etc/opendut/ca.pem",
		},
		Auth: EdgarAuth{Enabled: true, IssuerURL: "https://keycloak.example.org/realms/opendut", ClientID: "edgar"},
		VPN:  EdgarVPN{Enabled: true, Interface: "wt0"},
	}
	if err := WriteEdgar(path, in); err != nil {
		t.Fatalf("WriteEdgar: %v", err)
	}

	out, err := LoadEdgar(path)
	if err != nil {
		t.Fatalf("LoadEdgar: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file permissions = %o, want 600", perm)
	}
}

func TestLoadEdgarRejectsBadPeerID(t *testing.T) {
	path := writeTempConfig(t, `
peer-id = "not-a-uuid"

[carl]
url = "https://carl.example.org"
`)
	if _, err := LoadEdgar(path); err == nil {
		t.Fatal("expected error for malformed peer id")
	}
}
