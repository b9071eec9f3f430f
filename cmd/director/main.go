// Command director runs the Bi-Kanpe server hub: it accepts caster
// WebSocket connections, keeps the monitor registry, and broadcasts
// kanpe/flash/clear directives. Grounded on the teacher's
// cmd/server/main.go main()/setupLogging structure.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"bikanpe/fabric/pkg/config"
	"bikanpe/fabric/pkg/events"
	"bikanpe/fabric/pkg/hub"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/director.json", "director config file (json); priority: env > file > default")
	flag.Parse()

	setupLogging("director")

	cfg, err := config.LoadDirectorConfig(cfgPath)
	if err != nil {
		log.Printf("config load warning: %v; continuing with defaults/env", err)
		cfg, _ = config.LoadDirectorConfig("")
	}

	bus := events.New()
	go logEvents(bus)

	hubCfg := hub.DefaultConfig()
	hubCfg.ServerName = cfg.ServerName
	if cfg.OutboxCapacity > 0 {
		hubCfg.OutboxCapacity = cfg.OutboxCapacity
	}
	if cfg.SlowConsumerMax > 0 {
		hubCfg.SlowConsumerThreshold = cfg.SlowConsumerMax
	}
	if cfg.HistoryCapacity > 0 {
		hubCfg.HistoryCapacity = cfg.HistoryCapacity
	}

	h := hub.New(bus, hubCfg, log.Default())
	for _, seed := range cfg.InitialMonitors {
		if _, err := h.AddMonitor(seed.Name, seed.Description, seed.Color); err != nil {
			log.Printf("seed monitor %q failed: %v", seed.Name, err)
		}
	}

	addr := cfg.Addr
	port, err := addrPort(addr)
	if err != nil {
		log.Fatalf("invalid addr %q: %v", addr, err)
	}
	if err := h.Start(port); err != nil {
		log.Fatalf("hub start failed: %v", err)
	}
	log.Printf("director listening on %s (server_name=%s)", addr, cfg.ServerName)

	if cfgPath != "" {
		if updates, err := config.WatchDirectorConfig(cfgPath); err != nil {
			log.Printf("config watch error: %v", err)
		} else {
			go func() {
				for nc := range updates {
					log.Printf("config reloaded: %s", cfgPath)
					_ = nc // live-tunable fields (thresholds) are read at startup only; a full hot-swap is future work
				}
			}()
		}
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc

	log.Printf("director shutting down")
	if err := h.Stop(); err != nil {
		log.Printf("hub stop error: %v", err)
	}
}

func addrPort(addr string) (int, error) {
	_, portStr, found := cutLast(addr, ":")
	if !found {
		return 0, fmt.Errorf("missing port in %q", addr)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 0, err
	}
	return port, nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if string(s[i]) == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func logEvents(bus *events.Bus) {
	ch, _ := bus.Subscribe()
	for ev := range ch {
		log.Printf("event: %s %+v", ev.Kind, ev.Payload)
	}
}

// setupLogging configures rotating file logs at logs/director.log and
// also writes to stdout. Grounded on the teacher's identically named
// function in cmd/server/main.go and cmd/client/main.go.
func setupLogging(app string) {
	exe, _ := os.Executable()
	base := filepath.Dir(exe)
	dir := filepath.Join(base, "logs")
	_ = os.MkdirAll(dir, 0o755)
	file := filepath.Join(dir, app+".log")
	maxSize := getEnvInt("BIKANPE_LOG_MAX_SIZE_MB", 20)
	maxBackups := getEnvInt("BIKANPE_LOG_MAX_BACKUPS", 5)
	maxAge := getEnvInt("BIKANPE_LOG_MAX_AGE_DAYS", 7)
	w := &lumberjack.Logger{Filename: file, MaxSize: maxSize, MaxBackups: maxBackups, MaxAge: maxAge, Compress: false}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stdout, w))
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return def
}
