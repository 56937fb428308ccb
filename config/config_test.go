package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("expected default listening port %d, got %d", DefaultListeningPort, firstCfg.ListeningPort)
	}
	if firstCfg.FilesDir != filepath.Join(tempDir, "files") {
		t.Fatalf("unexpected files dir %q", firstCfg.FilesDir)
	}
	if firstCfg.PINConfigured() {
		t.Fatalf("expected no PIN by default")
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	legacy := &DeviceConfig{
		DeviceID:      "legacy-device",
		ListeningPort: -4,
		PINHash:       "orphan-hash",
	}
	if err := Save(ConfigPath(tempDir), legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "legacy-device" {
		t.Fatalf("expected device ID to be retained, got %q", cfg.DeviceID)
	}
	if cfg.DeviceName == "" {
		t.Fatalf("expected device name to be filled")
	}
	if cfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("expected invalid port to normalize, got %d", cfg.ListeningPort)
	}
	if cfg.PINHash != "" || cfg.PINSalt != "" {
		t.Fatalf("expected half-written PIN to be dropped")
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level, got %q", cfg.LogLevel)
	}
}

func TestSetPINMatchesAndClears(t *testing.T) {
	cfg := &DeviceConfig{}
	if cfg.MatchPIN(1234) {
		t.Fatalf("expected no match without a PIN")
	}
	if err := cfg.SetPIN(1234); err != nil {
		t.Fatalf("SetPIN failed: %v", err)
	}
	if !cfg.PINConfigured() || !cfg.MatchPIN(1234) {
		t.Fatalf("expected configured PIN to match")
	}
	if cfg.MatchPIN(4321) {
		t.Fatalf("expected wrong PIN to fail")
	}
	cfg.ClearPIN()
	if cfg.PINConfigured() || cfg.MatchPIN(1234) {
		t.Fatalf("expected cleared PIN to never match")
	}
}

func TestServiceStateNotifiesListeners(t *testing.T) {
	state := NewServiceState(ServiceSnapshot{PinAccess: true})

	var seen []ServiceSnapshot
	state.OnChange(func(snapshot ServiceSnapshot) {
		seen = append(seen, snapshot)
	})

	state.SetFastMode(true)
	state.RevokePin()
	state.Refresh()

	if len(seen) != 3 {
		t.Fatalf("expected three notifications, got %d", len(seen))
	}
	if !seen[0].FastMode || !seen[0].PinAccess {
		t.Fatalf("unexpected first snapshot: %+v", seen[0])
	}
	if seen[1].PinAccess {
		t.Fatalf("expected PIN access to be revoked: %+v", seen[1])
	}
	if !state.FastMode() || state.PinAccess() || state.QRTrust() {
		t.Fatalf("unexpected final state: %+v", state.Snapshot())
	}
}
