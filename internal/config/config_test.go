package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var relayEnv = []string{
	"HOST", "PORT", "AWS_DEFAULT_REGION", "LOGLEVEL",
	"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN",
	"RELAY_CONFIG_FILE", "RELAY_BACKEND", "RELAY_MODEL_ID", "RELAY_UPSTREAM_URL",
	"RELAY_MAX_EVENT_SIZE", "RELAY_MAX_FRAME_BYTES", "RELAY_JWT_SECRET",
	"RELAY_DATABASE_URL", "RELAY_ALLOWED_ORIGINS", "RELAY_METADATA_ENDPOINT",
	"RELAY_SESSION_RETENTION_HOURS", "RELAY_ABANDONED_AFTER_HOURS", "RELAY_LOG_JSON",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range relayEnv {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr() != "0.0.0.0:8081" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr())
	}
	if cfg.Region != "us-east-1" || cfg.Backend != BackendBedrock || cfg.ModelID != "amazon.nova-sonic-v1:0" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.MaxEventSize != 10000 || cfg.MaxFrameBytes != 1<<20 {
		t.Fatalf("unexpected size limits %+v", cfg)
	}
	if cfg.HasStaticCredentials() {
		t.Fatal("no static credentials expected")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	yml := `
port: 9000
region: eu-west-1
backend: websocket
upstream_url: wss://bedrock-agentcore.eu-west-1.amazonaws.com/runtimes/arn/ws?qualifier=DEFAULT
allowed_origins: [https://app.example.com]
max_event_size: 8000
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RELAY_CONFIG_FILE", path)
	t.Setenv("PORT", "9100")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIA")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("env should override file port, got %d", cfg.Port)
	}
	if cfg.Region != "eu-west-1" || cfg.Backend != BackendWebSocket || cfg.MaxEventSize != 8000 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if !cfg.HasStaticCredentials() {
		t.Fatal("expected static credentials")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "bad port", env: map[string]string{"PORT": "70000"}, wantErr: "PORT"},
		{name: "non numeric port", env: map[string]string{"PORT": "http"}, wantErr: "PORT"},
		{name: "unknown backend", env: map[string]string{"RELAY_BACKEND": "grpc"}, wantErr: "RELAY_BACKEND"},
		{name: "websocket without url", env: map[string]string{"RELAY_BACKEND": "websocket"}, wantErr: "RELAY_UPSTREAM_URL"},
		{name: "websocket with http url", env: map[string]string{"RELAY_BACKEND": "websocket", "RELAY_UPSTREAM_URL": "https://x"}, wantErr: "ws://"},
		{name: "tiny event size", env: map[string]string{"RELAY_MAX_EVENT_SIZE": "100"}, wantErr: "RELAY_MAX_EVENT_SIZE"},
		{name: "half static credentials", env: map[string]string{"AWS_ACCESS_KEY_ID": "AKIA"}, wantErr: "AWS_SECRET_ACCESS_KEY"},
		{name: "bad log json", env: map[string]string{"RELAY_LOG_JSON": "maybe"}, wantErr: "RELAY_LOG_JSON"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
