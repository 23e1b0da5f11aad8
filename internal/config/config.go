package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/callbridgehq/callbridge/internal/util"
)

type Config struct {
	Server    Server    `json:"server"`
	Endpoints Endpoints `json:"endpoints"`
	Paths     Paths     `json:"paths"`
	Chat      Chat      `json:"chat"`
	Logging   Logging   `json:"logging"`
}

type Server struct {
	// Bind address for the embedding server. The host page connects to
	// /ws, the calling SDK shim to /sdk.
	BindAddr string `json:"bind_addr"`
}

type Endpoints struct {
	// Auth API base URL (token exchange, chat subscription).
	AuthAPIURL string `json:"auth_api_url"`

	// Messaging API base URL (chat messages, thread membership).
	GraphAPIURL string `json:"graph_api_url"`

	// Notification channel websocket URL. Empty disables chat
	// notifications; messages then only load on explicit refetch.
	RealtimeURL string `json:"realtime_url"`
}

type Paths struct {
	// Directory for the chat history database. Empty disables persistence.
	DataDir string `json:"data_dir"`
}

type Chat struct {
	// Messages kept in memory per thread.
	BufferSize int `json:"buffer_size"`
}

type Logging struct {
	// Level applied to all subsystems: debug, info, warn, error.
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Server: Server{
			BindAddr: "127.0.0.1:8750",
		},
		Endpoints: Endpoints{
			AuthAPIURL:  "",
			GraphAPIURL: "",
			RealtimeURL: "",
		},
		Paths: Paths{
			DataDir: "data",
		},
		Chat: Chat{
			BufferSize: 100,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if strings.TrimSpace(c.Server.BindAddr) == "" {
		return errors.New("server.bind_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.BindAddr); err != nil {
		return fmt.Errorf("server.bind_addr: %v", err)
	}

	// Endpoints
	if err := validateHTTPURL(c.Endpoints.AuthAPIURL); err != nil {
		return fmt.Errorf("endpoints.auth_api_url: %w", err)
	}
	if err := validateHTTPURL(c.Endpoints.GraphAPIURL); err != nil {
		return fmt.Errorf("endpoints.graph_api_url: %w", err)
	}
	if rt := strings.TrimSpace(c.Endpoints.RealtimeURL); rt != "" {
		u, err := url.Parse(rt)
		if err != nil {
			return fmt.Errorf("endpoints.realtime_url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("endpoints.realtime_url: scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("endpoints.realtime_url: missing host")
		}
	}

	// Chat
	if c.Chat.BufferSize <= 0 {
		return errors.New("chat.buffer_size must be > 0")
	}

	// Logging
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// validateHTTPURL accepts empty (endpoint disabled) or an http(s) URL.
func validateHTTPURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
