// Package config loads environment configuration for peerwave.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr   = "0.0.0.0:8686"
	defaultDataDir      = "./data"
	defaultTransport    = "push"
	defaultStoreBackend = "file"
	defaultRedisAddr    = "127.0.0.1:6379"
	defaultRelayURL     = "http://127.0.0.1:8686"
	defaultShareBaseURL = "http://127.0.0.1:8686"
	defaultPollMs       = 1000
	defaultDebounceMs   = 1000
	defaultDwellMs      = 30000
	defaultStunURL      = "stun:stun.l.google.com:19302"
)

// Config holds runtime configuration values.
type Config struct {
	ListenAddr    string
	DataDir       string
	RoomID        string
	ParticipantID string
	// Transport selects the signaling path: broadcast, poll, http, push,
	// or mesh.
	Transport string
	// StoreBackend selects message persistence: memory, file, or redis.
	StoreBackend string
	RedisAddr    string
	RelayURL     string
	ShareBaseURL string
	PollMs       int
	DebounceMs   int
	DwellMs      int
	AudioOn      bool
	VideoOn      bool
	ICEServers   []webrtc.ICEServer
}

// iceFile is the on-disk shape of the optional ICE server list.
type iceFile struct {
	Servers []struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username"`
		Credential string   `yaml:"credential"`
	} `yaml:"servers"`
}

// Load reads configuration from ./data/.env and environment variables.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DataDir:      defaultDataDir,
		Transport:    defaultTransport,
		StoreBackend: defaultStoreBackend,
		RedisAddr:    defaultRedisAddr,
		RelayURL:     defaultRelayURL,
		ShareBaseURL: defaultShareBaseURL,
		PollMs:       defaultPollMs,
		DebounceMs:   defaultDebounceMs,
		DwellMs:      defaultDwellMs,
		AudioOn:      true,
		VideoOn:      true,
	}

	if err := loadEnvFile(filepath.Join(cfg.DataDir, ".env")); err != nil {
		return Config{}, err
	}

	cfg.ListenAddr = envString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataDir = envString("DATA_DIR", cfg.DataDir)
	cfg.RoomID = envString("ROOM_ID", "")
	cfg.ParticipantID = envString("PARTICIPANT_ID", "")
	cfg.Transport = normalizeTransport(envString("TRANSPORT", cfg.Transport))
	cfg.StoreBackend = normalizeStoreBackend(envString("STORE_BACKEND", cfg.StoreBackend))
	cfg.RedisAddr = envString("REDIS_ADDR", cfg.RedisAddr)
	cfg.RelayURL = strings.TrimRight(envString("RELAY_URL", cfg.RelayURL), "/")
	cfg.ShareBaseURL = strings.TrimRight(envString("SHARE_BASE_URL", cfg.ShareBaseURL), "/")
	cfg.AudioOn = envBool("AUDIO_ON", cfg.AudioOn)
	cfg.VideoOn = envBool("VIDEO_ON", cfg.VideoOn)

	pollMs, err := envInt("POLL_INTERVAL_MS", cfg.PollMs)
	if err != nil {
		return Config{}, err
	}
	if pollMs <= 0 {
		return Config{}, fmt.Errorf("POLL_INTERVAL_MS must be > 0")
	}
	cfg.PollMs = pollMs

	debounceMs, err := envInt("INITIATOR_DEBOUNCE_MS", cfg.DebounceMs)
	if err != nil {
		return Config{}, err
	}
	if debounceMs <= 0 {
		return Config{}, fmt.Errorf("INITIATOR_DEBOUNCE_MS must be > 0")
	}
	cfg.DebounceMs = debounceMs

	dwellMs, err := envInt("NEGOTIATION_DWELL_MS", cfg.DwellMs)
	if err != nil {
		return Config{}, err
	}
	if dwellMs <= 0 {
		return Config{}, fmt.Errorf("NEGOTIATION_DWELL_MS must be > 0")
	}
	cfg.DwellMs = dwellMs

	servers, err := loadICEServers(envString("ICE_CONFIG_PATH", filepath.Join(cfg.DataDir, "ice.yaml")))
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = servers

	return cfg, nil
}

// loadICEServers reads the optional ICE server YAML. A missing file means
// the default public STUN server.
func loadICEServers(path string) ([]webrtc.ICEServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []webrtc.ICEServer{{URLs: []string{defaultStunURL}}}, nil
		}
		return nil, fmt.Errorf("read ice config: %w", err)
	}
	var file iceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse ice config: %w", err)
	}
	servers := make([]webrtc.ICEServer, 0, len(file.Servers))
	for _, s := range file.Servers {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: []string{defaultStunURL}}}
	}
	return servers, nil
}

// normalizeTransport ensures a supported transport value.
func normalizeTransport(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "broadcast", "poll", "http", "mesh":
		return strings.ToLower(strings.TrimSpace(value))
	default:
		return "push"
	}
}

// normalizeStoreBackend ensures a supported backend value.
func normalizeStoreBackend(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "memory", "redis":
		return strings.ToLower(strings.TrimSpace(value))
	default:
		return "file"
	}
}

// envString returns an env override when present, otherwise a default.
func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envInt returns an int env override when present, otherwise a default.
func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return value, nil
}

// envBool returns a bool env override when present, otherwise a default.
func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// loadEnvFile loads KEY=VALUE pairs from a .env file.
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := parseEnvLine(line)
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			if err := os.Setenv(key, value); err != nil {
				return err
			}
		}
	}

	return nil
}

// parseEnvLine parses a single .env line into key/value.
func parseEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	if strings.HasPrefix(line, "export ") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	}
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	key := strings.TrimSpace(parts[0])
	value := strings.TrimSpace(parts[1])
	if key == "" {
		return "", "", false
	}
	value = strings.Trim(value, `"'`)
	return key, value, true
}
