package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidate_OK(t *testing.T) {
	if err := defaultConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badPolicy", func(c *appConfig) { c.queuePolicy = "x" }},
		{"badQueueBuf", func(c *appConfig) { c.queueBuffer = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerial", func(c *appConfig) { c.serialDev = "" }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
		{"badGatewayID", func(c *appConfig) { c.gatewayID = -1 }},
		{"badNetwork", func(c *appConfig) { c.networkType = "zigbee" }},
		{"badDelimiter", func(c *appConfig) { c.delimiter = "ab" }},
		{"badMaxSize", func(c *appConfig) { c.maxMessageSize = 0 }},
		{"badBackoff", func(c *appConfig) { c.errorBackoff = 0 }},
		{"badMetricsInterval", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
	}
	for _, tc := range tests {
		base := defaultConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseDelimiter(t *testing.T) {
	ok := map[string]byte{`\n`: '\n', `\r`: '\r', `\t`: '\t', ";": ';', "0x0A": '\n', "0X7e": '~'}
	for in, want := range ok {
		got, err := parseDelimiter(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %q, %v want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"", `\0`, "0x00", "0xZZ", "0x100", "ab"} {
		if _, err := parseDelimiter(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}

func TestFramerConfig(t *testing.T) {
	c := defaultConfig()
	c.delimiter = ";"
	c.maxMessageSize = 64
	c.errorBackoff = 5 * time.Millisecond
	fc := c.framerConfig()
	if fc.Delimiter != ';' || fc.MaxSize != 64 || fc.ErrorBackoff != 5*time.Millisecond {
		t.Fatalf("unexpected framer config %+v", fc)
	}
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("serial-gateway", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestParseArgs_Defaults(t *testing.T) {
	cfg, showVersion := parseArgs(newFlagSet(), nil)
	if cfg == nil || showVersion {
		t.Fatalf("unexpected result cfg=%v version=%v", cfg, showVersion)
	}
	if cfg.listenAddr != ":5003" || cfg.maxMessageSize != 256 || cfg.errorBackoff != 10*time.Millisecond {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestParseArgs_Version(t *testing.T) {
	_, showVersion := parseArgs(newFlagSet(), []string{"-version"})
	if !showVersion {
		t.Fatalf("expected version flag")
	}
}

func TestParseArgs_Invalid(t *testing.T) {
	if cfg, _ := parseArgs(newFlagSet(), []string{"-queue-policy", "block"}); cfg != nil {
		t.Fatalf("expected nil config for invalid policy")
	}
}

// TestParseArgs_Precedence checks flag > env > file > default.
func TestParseArgs_Precedence(t *testing.T) {
	path := writeFile(t, `
serial: /dev/ttyACM0
baud: 9600
listen: ":6000"
gateway_name: attic
error_backoff: 25ms
mdns:
  enable: true
  name: attic-gw
`)
	t.Setenv("MYC_GATEWAY_BAUD", "57600")
	t.Setenv("MYC_GATEWAY_LISTEN", ":7000")
	cfg, _ := parseArgs(newFlagSet(), []string{"-config", path, "-listen", ":8000"})
	if cfg == nil {
		t.Fatal("expected config")
	}
	if cfg.serialDev != "/dev/ttyACM0" || cfg.gatewayName != "attic" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.baud != 57600 {
		t.Fatalf("env must override file: baud=%d", cfg.baud)
	}
	if cfg.listenAddr != ":8000" {
		t.Fatalf("flag must override env: listen=%s", cfg.listenAddr)
	}
	if cfg.errorBackoff != 25*time.Millisecond {
		t.Fatalf("expected duration from file, got %v", cfg.errorBackoff)
	}
	if !cfg.mdnsEnable || cfg.mdnsName != "attic-gw" {
		t.Fatalf("nested mdns section not applied: %+v", cfg)
	}
}

func TestParseArgs_ConfigFromEnv(t *testing.T) {
	path := writeFile(t, "max_message_size: 128\n")
	t.Setenv("MYC_GATEWAY_CONFIG", path)
	cfg, _ := parseArgs(newFlagSet(), nil)
	if cfg == nil || cfg.maxMessageSize != 128 {
		t.Fatalf("expected max-message-size from env-selected file, got %+v", cfg)
	}
}

func TestLoadConfigFile_Errors(t *testing.T) {
	if _, err := loadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := loadConfigFile(writeFile(t, "unknown_key: 1\n")); err == nil {
		t.Fatalf("expected error for unknown key")
	}
	if _, err := loadConfigFile(writeFile(t, "error_backoff: soon\n")); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
