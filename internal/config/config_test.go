package config

import (
	"testing"
	"time"

	ini "gopkg.in/ini.v1"
)

func parseString(t *testing.T, body string) *Config {
	t.Helper()
	file, err := ini.Load([]byte(body))
	if err != nil {
		t.Fatalf("ini.Load: %v", err)
	}
	return parse(file)
}

func TestParseFullConfig(t *testing.T) {
	cfg := parseString(t, `
[host]
url = ws://192.168.1.5:8123/api/bridge

[sip]
server = 192.168.1.1
bind = 0.0.0.0
port = 5062
register_expiry = 300
dial_timeout = 30

[line.homeassistant]
password = secret
display_name = Home Assistant

[line.doorbell]
password = other

[webrtc]
stun_servers = stun:stun.example.com:3478, stun:backup.example.com:3478

[log]
level = debug
`)

	if cfg.HostURL != "ws://192.168.1.5:8123/api/bridge" {
		t.Errorf("HostURL = %q", cfg.HostURL)
	}
	if cfg.Registrar != "192.168.1.1" {
		t.Errorf("Registrar = %q", cfg.Registrar)
	}
	if cfg.BasePort != 5062 {
		t.Errorf("BasePort = %d, want 5062", cfg.BasePort)
	}
	if cfg.RegisterExpiry != 300*time.Second {
		t.Errorf("RegisterExpiry = %v, want 5m", cfg.RegisterExpiry)
	}
	if cfg.DialTimeout != 30*time.Second {
		t.Errorf("DialTimeout = %v, want 30s", cfg.DialTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if len(cfg.STUNServers) != 2 || cfg.STUNServers[0] != "stun:stun.example.com:3478" {
		t.Errorf("STUNServers = %v", cfg.STUNServers)
	}

	if len(cfg.Lines) != 2 {
		t.Fatalf("len(Lines) = %d, want 2", len(cfg.Lines))
	}
	ha := cfg.Lines[0]
	if ha.User != "homeassistant" || ha.Password != "secret" || ha.DisplayName != "Home Assistant" {
		t.Errorf("first line = %+v", ha)
	}
	if ha.Port != 5062 {
		t.Errorf("first line port = %d, want base 5062", ha.Port)
	}
	if cfg.Lines[1].Port != 5063 {
		t.Errorf("second line port = %d, want 5063", cfg.Lines[1].Port)
	}
	if cfg.Lines[1].DisplayName != "doorbell" {
		t.Errorf("display name fallback = %q, want user", cfg.Lines[1].DisplayName)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg := parseString(t, `
[host]
url = ws://localhost:8123/bus

[sip]
server = pbx.local

[line.bridge]
password = pw
`)

	if cfg.BindAddr != "0.0.0.0" {
		t.Errorf("BindAddr default = %q", cfg.BindAddr)
	}
	if cfg.BasePort != 5060 {
		t.Errorf("BasePort default = %d", cfg.BasePort)
	}
	if cfg.RegisterExpiry != 120*time.Second {
		t.Errorf("RegisterExpiry default = %v", cfg.RegisterExpiry)
	}
	if cfg.DialTimeout != 90*time.Second {
		t.Errorf("DialTimeout default = %v", cfg.DialTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q", cfg.LogLevel)
	}
	if len(cfg.STUNServers) != 1 || cfg.STUNServers[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("STUNServers default = %v", cfg.STUNServers)
	}
}

func TestValidateRejectsMissingPieces(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no host url", "[sip]\nserver = pbx\n[line.a]\npassword = x\n"},
		{"no sip server", "[host]\nurl = ws://h\n[line.a]\npassword = x\n"},
		{"no lines", "[host]\nurl = ws://h\n[sip]\nserver = pbx\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := parseString(t, tc.body)
			if err := cfg.validate(); err == nil {
				t.Error("validate did not fail")
			}
		})
	}
}

func TestParseList(t *testing.T) {
	got := parseList(" a, ,b,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("parseList = %v, want [a b]", got)
	}
	if parseList("") != nil {
		t.Error("parseList(\"\") != nil")
	}
}
