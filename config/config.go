// Package config manages the media plane's persistent settings. Settings
// are stored as JSON, mirroring the teacher's client/internal/config
// package — one struct, defaults for every field, never an error on load.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Options holds every recognized configuration option named in spec §6.4.
// Every field has a zero-value-safe default applied by Default/Load, so a
// caller can always start from a partially-specified Options and get sane
// behavior.
type Options struct {
	// Audio jitter buffer (spec §4.4, §6.4).
	SampleRate           uint32 `json:"sample_rate"`
	Channels             uint8  `json:"channels"`
	MinDelayMs           uint32 `json:"min_delay_ms"`
	MaxDelayMs           uint32 `json:"max_delay_ms"`
	EnableFastAccelerate bool   `json:"enable_fast_accelerate"`

	// Session heartbeat (spec §4.2, §5).
	HeartbeatIntervalMs uint32 `json:"heartbeat_interval_ms"`
	ClientTimeoutMs     uint32 `json:"client_timeout_ms"`

	// Encoder targets (spec §4.6).
	VideoBitrateKbps  int `json:"video_bitrate_kbps"`
	AudioBitrateKbps  int `json:"audio_bitrate_kbps"`
	ScreenBitrateKbps int `json:"screen_bitrate_kbps"`

	// Transport (spec §6.2, §7).
	MaxPacketSize int `json:"max_packet_size"`

	// Ambient process settings the spec's Options table doesn't name but a
	// complete server needs, kept in the same flat-struct shape as the
	// spec's own fields rather than a second config type.
	WSAddr           string `json:"ws_addr"`
	WebTransportAddr string `json:"webtransport_addr"`
	DBPath           string `json:"db_path"`
	CertValidityH    int    `json:"cert_validity_hours"`
}

// Default returns an Options populated with the spec's stated defaults
// (min_delay_ms: 80) and sensible values for everything else.
func Default() Options {
	return Options{
		SampleRate:           48000,
		Channels:             1,
		MinDelayMs:           80,
		MaxDelayMs:           1000,
		EnableFastAccelerate: true,
		HeartbeatIntervalMs:  5000,
		ClientTimeoutMs:      10000,
		VideoBitrateKbps:     1500,
		AudioBitrateKbps:     32,
		ScreenBitrateKbps:    1000,
		MaxPacketSize:        64 * 1024,
		WSAddr:               ":8443",
		WebTransportAddr:     ":4433",
		DBPath:               "mediaplane.db",
		CertValidityH:        24,
	}
}

// Path returns the absolute path to the config file under the user's
// config directory.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mediaplane", "config.json"), nil
}

// Load reads the config file at path and overlays it onto Default(). If
// the file is missing or unreadable, Default() is returned unmodified —
// never an error, matching the teacher's client config loader.
func Load(path string) Options {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return Default()
	}
	return opts
}

// Save writes opts to path as indented JSON, creating the parent directory
// if needed.
func Save(path string, opts Options) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(opts, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
