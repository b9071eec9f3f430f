package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// CasterConfig is the caster binary's configuration, grounded on the
// teacher's ClientConfig/LoadClientConfig in pkg/config/client.go.
type CasterConfig struct {
	DirectorURL       string   `json:"director_url"`
	ClientName        string   `json:"client_name"`
	DisplayMonitorIDs []string `json:"display_monitor_ids"`
	LocalAPIPort      int      `json:"local_api_port"`
}

func DefaultCasterConfig() CasterConfig {
	return CasterConfig{
		DirectorURL:  "ws://127.0.0.1:9876/ws",
		LocalAPIPort: 9877,
	}
}

// LoadCasterConfig reads defaults, overlays path's JSON if present
// (defaulting to config/caster.json), then overlays BIKANPE_* env vars.
func LoadCasterConfig(path string) (CasterConfig, error) {
	if path == "" {
		path = filepath.Join("config", "caster.json")
	}
	cfg := DefaultCasterConfig()
	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &cfg)
	}

	if v := os.Getenv("BIKANPE_DIRECTOR_URL"); v != "" {
		cfg.DirectorURL = v
	}
	if v := os.Getenv("BIKANPE_CLIENT_NAME"); v != "" {
		cfg.ClientName = v
	}
	if v := os.Getenv("BIKANPE_DISPLAY_MONITOR_IDS"); v != "" {
		cfg.DisplayMonitorIDs = splitCSV(v)
	}
	if v := os.Getenv("BIKANPE_LOCAL_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LocalAPIPort = n
		}
	}

	cfg.DirectorURL = strings.TrimSpace(cfg.DirectorURL)
	cfg.ClientName = strings.TrimSpace(cfg.ClientName)
	return cfg, nil
}

// WatchCasterConfig watches path and delivers a freshly parsed config on
// the returned channel on every write, create or rename of that file,
// without comparing it to the previous config — the caster's
// Connect/Disconnect caller decides whether the change warrants a
// reconnect. Grounded on the
// teacher's watchClientConfig/reconnectCh pattern in cmd/client/main.go.
func WatchCasterConfig(path string) (<-chan CasterConfig, error) {
	if path == "" {
		path = filepath.Join("config", "caster.json")
	}
	out := make(chan CasterConfig, 1)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		close(out)
		return out, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		close(out)
		return out, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		close(out)
		return out, err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Base(ev.Name) != filepath.Base(abs) {
					continue
				}
				cfg, err := LoadCasterConfig(abs)
				if err != nil {
					log.Printf("config: reload failed: %v", err)
					continue
				}
				out <- cfg
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("config: watch error: %v", err)
			}
		}
	}()

	return out, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
