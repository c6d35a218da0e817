package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Create temporary config file
	content := `
server:
  port: 9090
  host: "127.0.0.1"

database:
  host: "testdb"
  port: 5432
  user: "testuser"
  password: "testpass"
  dbname: "testdb"

transcoder:
  maxConcurrent: 8
  enableTwoPass: true
`

	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	// Load config
	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify loaded values
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host 127.0.0.1, got %s", cfg.Server.Host)
	}

	if cfg.Database.Host != "testdb" {
		t.Errorf("Expected database host testdb, got %s", cfg.Database.Host)
	}

	if cfg.Transcoder.MaxConcurrent != 8 {
		t.Errorf("Expected maxConcurrent 8, got %d", cfg.Transcoder.MaxConcurrent)
	}

	if !cfg.Transcoder.EnableTwoPass {
		t.Error("Expected enableTwoPass to be true")
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent file")
	}
}

func TestDefaults(t *testing.T) {
	content := "server:\n  port: 8081\n"

	tmpfile, err := os.CreateTemp("", "config-defaults-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Transcoder.MaxAttempts != 3 {
		t.Errorf("Expected default maxAttempts 3, got %d", cfg.Transcoder.MaxAttempts)
	}

	if cfg.Transcoder.HLSSegmentSeconds != 4 {
		t.Errorf("Expected default hlsSegmentSeconds 4, got %d", cfg.Transcoder.HLSSegmentSeconds)
	}

	if cfg.Transcoder.BackoffBase != 60*time.Second {
		t.Errorf("Expected default backoffBase 60s, got %v", cfg.Transcoder.BackoffBase)
	}

	if cfg.Streaming.SessionTTL != 2*time.Minute {
		t.Errorf("Expected default sessionTTL 2m, got %v", cfg.Streaming.SessionTTL)
	}
}
