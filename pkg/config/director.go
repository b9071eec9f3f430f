package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// DirectorConfig is the director binary's three-tier configuration
// (defaults, overlaid by an optional JSON file, overlaid by env vars),
// grounded on the teacher's ServerConfig/LoadServerConfig in
// pkg/config/server.go.
type DirectorConfig struct {
	Addr             string   `json:"addr"`
	ServerName       string   `json:"server_name"`
	OutboxCapacity   int      `json:"outbox_capacity"`
	SlowConsumerMax  int      `json:"slow_consumer_max"`
	HistoryCapacity  int      `json:"history_capacity"`
	InitialMonitors  []InitialMonitor `json:"initial_monitors"`
}

// InitialMonitor seeds the monitor registry at startup — a feature the
// distilled spec left implicit but the original Tauri app exposes via
// its persisted monitor list (original_source/app/src-tauri's state
// restore on launch).
type InitialMonitor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

func defaultDirectorConfig() DirectorConfig {
	return DirectorConfig{
		Addr:            ":9876",
		ServerName:      "bikanpe-director",
		OutboxCapacity:  256,
		SlowConsumerMax: 5,
		HistoryCapacity: 500,
	}
}

// LoadDirectorConfig reads defaults, overlays path's JSON if present, then
// overlays BIKANPE_* env vars, in that precedence order.
func LoadDirectorConfig(path string) (DirectorConfig, error) {
	cfg := defaultDirectorConfig()

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			ext := strings.ToLower(filepath.Ext(path))
			switch ext {
			case ".json":
				if err := json.Unmarshal(b, &cfg); err != nil {
					return cfg, fmt.Errorf("parse json: %w", err)
				}
			default:
				return cfg, fmt.Errorf("unsupported config extension: %s", ext)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}

	if v := os.Getenv("BIKANPE_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("BIKANPE_SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}
	if v := os.Getenv("BIKANPE_OUTBOX_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OutboxCapacity = n
		}
	}
	if v := os.Getenv("BIKANPE_SLOW_CONSUMER_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SlowConsumerMax = n
		}
	}
	if v := os.Getenv("BIKANPE_HISTORY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryCapacity = n
		}
	}

	return cfg, nil
}

// WatchDirectorConfig watches path's containing directory and reloads on
// any write/create/rename targeting path, delivering the freshly parsed
// config on the returned channel. Grounded on the teacher's watchConfig
// in cmd/server/main.go.
func WatchDirectorConfig(path string) (<-chan DirectorConfig, error) {
	out := make(chan DirectorConfig, 1)
	if path == "" {
		close(out)
		return out, nil
	}

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
				cfg, err := LoadDirectorConfig(abs)
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
