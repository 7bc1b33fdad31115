package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rustyguts/mediaplane/config"
)

func TestDefault(t *testing.T) {
	opts := config.Default()
	if opts.MinDelayMs != 80 {
		t.Errorf("expected min_delay_ms 80 per spec default, got %d", opts.MinDelayMs)
	}
	if opts.SampleRate != 48000 {
		t.Errorf("expected sample_rate 48000, got %d", opts.SampleRate)
	}
	if opts.Channels != 1 {
		t.Errorf("expected channels 1, got %d", opts.Channels)
	}
	if !opts.EnableFastAccelerate {
		t.Error("expected fast accelerate enabled by default")
	}
	if opts.MaxPacketSize <= 0 {
		t.Error("expected a positive max_packet_size default")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	opts := config.Default()
	opts.SampleRate = 24000
	opts.Channels = 2
	opts.MinDelayMs = 120
	opts.VideoBitrateKbps = 2000

	if err := config.Save(path, opts); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load(path)
	if loaded.SampleRate != opts.SampleRate {
		t.Errorf("sample_rate: want %d got %d", opts.SampleRate, loaded.SampleRate)
	}
	if loaded.Channels != opts.Channels {
		t.Errorf("channels: want %d got %d", opts.Channels, loaded.Channels)
	}
	if loaded.MinDelayMs != opts.MinDelayMs {
		t.Errorf("min_delay_ms: want %d got %d", opts.MinDelayMs, loaded.MinDelayMs)
	}
	if loaded.VideoBitrateKbps != opts.VideoBitrateKbps {
		t.Errorf("video_bitrate_kbps: want %d got %d", opts.VideoBitrateKbps, loaded.VideoBitrateKbps)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	opts := config.Load(filepath.Join(dir, "missing.json"))
	if opts.SampleRate != config.Default().SampleRate {
		t.Errorf("expected defaults on missing file, got %+v", opts)
	}
}

func TestLoadCorruptFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	opts := config.Load(path)
	if opts.MinDelayMs != config.Default().MinDelayMs {
		t.Errorf("expected default min_delay_ms on corrupt file, got %d", opts.MinDelayMs)
	}
}

func TestSaveCreatesParentDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	if err := config.Save(path, config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestLoadPartialOverridesOverlayDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"sample_rate": 16000}`), 0o600); err != nil {
		t.Fatal(err)
	}

	opts := config.Load(path)
	if opts.SampleRate != 16000 {
		t.Errorf("expected overridden sample_rate, got %d", opts.SampleRate)
	}
	if opts.MinDelayMs != config.Default().MinDelayMs {
		t.Errorf("expected unspecified fields to keep their defaults, got min_delay_ms=%d", opts.MinDelayMs)
	}
}
