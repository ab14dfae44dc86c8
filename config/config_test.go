package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

const testChainID = "cf057bbfb72640471fd910bcb67639c22df9f92470936cddc1ade0e2f2e7dc4f"

func validConfig() *Config {
	cfg := Default()
	cfg.DataDir = os.TempDir()
	cfg.Relay.PeerChainID = testChainID
	return cfg
}

func TestDefault_NeedsPeerChainID(t *testing.T) {
	err := Validate(Default())
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Validate(Default()) = %v, want ErrInvalid", err)
	}
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "icprelay.conf")
	content := `# comment
icp-relay-endpoint = 127.0.0.1:9876
icp-relay-connect = a.example.com:8899
icp-relay-connect = "b.example.com:8899"
agent-name = 'relay one'

log.level = debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if got := values["icp-relay-connect"]; got != "a.example.com:8899,b.example.com:8899" {
		t.Errorf("icp-relay-connect = %q", got)
	}
	if got := values["agent-name"]; got != "relay one" {
		t.Errorf("agent-name = %q, want quotes stripped", got)
	}

	cfg := validConfig()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig() error: %v", err)
	}
	if cfg.Relay.Endpoint != "127.0.0.1:9876" {
		t.Errorf("Endpoint = %q", cfg.Relay.Endpoint)
	}
	if len(cfg.Relay.Connect) != 2 || cfg.Relay.Connect[1] != "b.example.com:8899" {
		t.Errorf("Connect = %v", cfg.Relay.Connect)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	values, err := LoadFile(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("values = %v, want empty", values)
	}
}

func TestLoadFile_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.conf")
	if err := os.WriteFile(path, []byte("log.level = info\njust-a-word\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(path)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("LoadFile() error = %v, want line 2 error", err)
	}
}

func TestApplyFileConfig_Values(t *testing.T) {
	tests := []struct {
		key, value string
		check      func(*Config) bool
	}{
		{"sync-response-timeout", "7", func(c *Config) bool { return c.Sync.ResponseTimeout == 7*time.Second }},
		{"connect-retry-wait", "1500ms", func(c *Config) bool { return c.Net.RetryWait == 1500*time.Millisecond }},
		{"network-version-match", "yes", func(c *Config) bool { return c.Net.NetworkVersionMatch }},
		{"tx-skip-sign", "1", func(c *Config) bool { return c.Tx.SkipSign }},
		{"relaynodeid", "42", func(c *Config) bool { return c.Relay.NodeID == 42 }},
		{"rpc", "false", func(c *Config) bool { return !c.RPC.Enabled }},
		{"unknown-key", "whatever", func(c *Config) bool { return true }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := validConfig()
			if err := ApplyFileConfig(cfg, map[string]string{tt.key: tt.value}); err != nil {
				t.Fatalf("ApplyFileConfig() error: %v", err)
			}
			if !tt.check(cfg) {
				t.Errorf("%s = %s not applied", tt.key, tt.value)
			}
		})
	}
}

func TestApplyFileConfig_BadNumber(t *testing.T) {
	cfg := validConfig()
	err := ApplyFileConfig(cfg, map[string]string{"max-clients": "many"})
	if err == nil || !strings.Contains(err.Error(), "max-clients") {
		t.Fatalf("ApplyFileConfig() error = %v, want max-clients error", err)
	}
}

func TestFlags_OnlyChangedOverride(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := BindFlags(fs)
	err := fs.Parse([]string{
		"--max-clients=3",
		"--icp-relay-connect=a:1", "--icp-relay-connect=b:2",
		"--sync-response-timeout=2s",
	})
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	cfg := validConfig()
	cfg.Net.AgentName = "from-file"
	flags.Apply(cfg)

	if cfg.Net.MaxClients != 3 {
		t.Errorf("MaxClients = %d, want 3", cfg.Net.MaxClients)
	}
	if len(cfg.Relay.Connect) != 2 || cfg.Relay.Connect[0] != "a:1" {
		t.Errorf("Connect = %v", cfg.Relay.Connect)
	}
	if cfg.Sync.ResponseTimeout != 2*time.Second {
		t.Errorf("ResponseTimeout = %v", cfg.Sync.ResponseTimeout)
	}
	if cfg.Net.AgentName != "from-file" {
		t.Errorf("AgentName = %q, unset flag overrode file value", cfg.Net.AgentName)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "custom.conf")
	content := "icp-relay-peer-chain-id = " + testChainID + "\nmax-clients = 7\nlog.level = warn\n"
	if err := os.WriteFile(conf, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := BindFlags(fs)
	if err := fs.Parse([]string{"--datadir", dir, "-c", conf, "--log.level=error"}); err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	cfg, err := Load(flags)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.Net.MaxClients != 7 {
		t.Errorf("MaxClients = %d, want file value 7", cfg.Net.MaxClients)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want flag value", cfg.Log.Level)
	}
	for _, p := range []string{cfg.StateDir(), cfg.LogsDir(), cfg.ConfigFile()} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s not created: %v", p, err)
		}
	}
}

func TestWriteDefaultConfig_Parses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "icprelay.conf")
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatalf("WriteDefaultConfig() error: %v", err)
	}
	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	cfg := Default()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig() error: %v", err)
	}
	cfg.Relay.PeerChainID = testChainID
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() on default file: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"bad chain id", func(c *Config) { c.Relay.PeerChainID = "abcd" }},
		{"bad endpoint", func(c *Config) { c.Relay.Endpoint = "no-port" }},
		{"bad connect", func(c *Config) { c.Relay.Connect = []string{"::::"} }},
		{"bad contract", func(c *Config) { c.Relay.PeerContract = "UPPER" }},
		{"bad signer", func(c *Config) { c.Relay.Signer = "cochainrelay@" }},
		{"zero send blocks", func(c *Config) { c.Relay.MaxSendBlocks = 0 }},
		{"bad policy", func(c *Config) { c.Net.AllowedConnection = []string{"everyone"} }},
		{"specified without keys", func(c *Config) { c.Net.AllowedConnection = []string{"specified"} }},
		{"bad peer key", func(c *Config) { c.Net.PeerKeys = []string{"zz"} }},
		{"bad private key", func(c *Config) { c.Net.PrivateKey = "1234" }},
		{"negative clients", func(c *Config) { c.Net.MaxClients = -1 }},
		{"zero cleanup", func(c *Config) { c.Net.CleanupPeriod = 0 }},
		{"zero fetch span", func(c *Config) { c.Sync.FetchSpan = 0 }},
		{"bad chain rpc", func(c *Config) { c.Chain.RPC = "ftp://node" }},
		{"bad wallet url", func(c *Config) { c.Wallet.URL = "" }},
		{"bad compression", func(c *Config) { c.Tx.Compression = "brotli" }},
		{"zero workers", func(c *Config) { c.Tx.Workers = 0 }},
		{"bad rpc port", func(c *Config) { c.RPC.Port = 70000 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			if err := Validate(cfg); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestValidate_WalletNotNeeded(t *testing.T) {
	cfg := validConfig()
	cfg.Wallet.URL = ""
	cfg.Tx.SkipSign = true
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() with tx-skip-sign: %v", err)
	}

	cfg = validConfig()
	cfg.Wallet.URL = ""
	cfg.Wallet.Keystore = "/tmp/keystore.json"
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() with keystore: %v", err)
	}
}
