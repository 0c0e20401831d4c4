// Copyright 2025 Certen Protocol
//
// Configuration tests

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BSE_AUTH_KEY", strings.Repeat("ab", 32))
}

func TestLoad_Defaults(t *testing.T) {
	validEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if cfg.MinDiskSpacePercent != 5.0 {
		t.Errorf("min disk space default mismatch: %f", cfg.MinDiskSpacePercent)
	}
	if cfg.MaxBlockSize != 10*1024*1024 {
		t.Errorf("max block size default mismatch: %d", cfg.MaxBlockSize)
	}
	if cfg.AssemblyTimeout != 30*time.Second {
		t.Errorf("assembly timeout default mismatch: %s", cfg.AssemblyTimeout)
	}
	if cfg.MaxPendingAssemblies != 1000 {
		t.Errorf("max pending default mismatch: %d", cfg.MaxPendingAssemblies)
	}
	if cfg.AuthSkew != 60*time.Second {
		t.Errorf("auth skew default mismatch: %s", cfg.AuthSkew)
	}
	if len(cfg.AuthKey()) != 32 {
		t.Errorf("auth key length mismatch: %d", len(cfg.AuthKey()))
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	validEnv(t)
	t.Setenv("BSE_ASSEMBLY_TIMEOUT", "45s")
	t.Setenv("BSE_MAX_PENDING_ASSEMBLIES", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.AssemblyTimeout != 45*time.Second {
		t.Errorf("assembly timeout override ignored: %s", cfg.AssemblyTimeout)
	}
	if cfg.MaxPendingAssemblies != 50 {
		t.Errorf("max pending override ignored: %d", cfg.MaxPendingAssemblies)
	}
}

func TestValidate_MissingKey(t *testing.T) {
	os.Unsetenv("BSE_AUTH_KEY")
	cfg, _ := Load()
	cfg.AuthKeyHex = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing auth key accepted")
	}

	cfg.AuthKeyHex = "abcd" // too short
	if err := cfg.Validate(); err == nil {
		t.Error("short auth key accepted")
	}

	cfg.AuthKeyHex = "not-hex!" + strings.Repeat("0", 56)
	if err := cfg.Validate(); err == nil {
		t.Error("non-hex auth key accepted")
	}
}

func TestValidate_SweepBound(t *testing.T) {
	validEnv(t)
	cfg, _ := Load()
	cfg.SweepInterval = cfg.AssemblyTimeout + time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("sweep interval larger than assembly timeout accepted")
	}
}

func TestLoadFile_Overlay(t *testing.T) {
	validEnv(t)
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := "data_dir: /var/lib/bse\nmax_block_size: 2048\nassembly_timeout: 15s\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("failed to load config file: %v", err)
	}
	if cfg.DataDir != "/var/lib/bse" {
		t.Errorf("file data_dir not applied: %s", cfg.DataDir)
	}
	if cfg.MaxBlockSize != 2048 {
		t.Errorf("file max_block_size not applied: %d", cfg.MaxBlockSize)
	}
	if cfg.AssemblyTimeout != 15*time.Second {
		t.Errorf("file assembly_timeout not applied: %s", cfg.AssemblyTimeout)
	}
	// Env-sourced fields the file does not set survive.
	if cfg.Identity != "block-storage" {
		t.Errorf("identity lost in overlay: %s", cfg.Identity)
	}
}
