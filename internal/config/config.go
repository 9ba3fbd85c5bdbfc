package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Identity   Identity    `json:"identity"`
	Store      Store       `json:"store"`
	ICEServers []ICEServer `json:"ice_servers"`
	Chat       Chat        `json:"chat"`
	History    History     `json:"history"`
}

type Identity struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

type Store struct {
	URL string `json:"url"`
}

// ICEServer is one STUN/TURN entry handed to the transport.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Chat struct {
	// Quiet period after the last keystroke before the typing flag
	// clears. 0 uses the built-in default.
	TypingDebounceMs int `json:"typing_debounce_ms"`
}

type History struct {
	// Directory for the local call-history database.
	Path string `json:"path"`
}

func Default() Config {
	return Config{
		Store: Store{
			URL: "ws://127.0.0.1:8787/store",
		},
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		Chat: Chat{
			TypingDebounceMs: 2000,
		},
		History: History{
			Path: "data",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.UID) == "" {
		return errors.New("identity.uid is required")
	}

	su := strings.TrimSpace(c.Store.URL)
	if su == "" {
		return errors.New("store.url is required")
	}
	u, err := url.Parse(su)
	if err != nil {
		return fmt.Errorf("store.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("store.url scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("store.url missing host")
	}

	for i, srv := range c.ICEServers {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("ice_servers[%d]: urls is required", i)
		}
		for _, raw := range srv.URLs {
			if !strings.HasPrefix(raw, "stun:") && !strings.HasPrefix(raw, "turn:") &&
				!strings.HasPrefix(raw, "turns:") {
				return fmt.Errorf("ice_servers[%d]: %q must be stun:, turn: or turns:", i, raw)
			}
		}
		if strings.HasPrefix(srv.URLs[0], "turn") && srv.Username == "" {
			return fmt.Errorf("ice_servers[%d]: turn servers require a username", i)
		}
	}

	if c.Chat.TypingDebounceMs < 0 {
		return errors.New("chat.typing_debounce_ms must be >= 0")
	}
	if strings.TrimSpace(c.History.Path) == "" {
		return errors.New("history.path is required")
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

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). The default config fails validation until
// identity.uid is filled in, so Ensure writes it without validating.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return Config{}, false, err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Config{}, false, err
		}
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
