// Command caster runs a Bi-Kanpe client session: it connects to a
// director, mirrors the monitor registry, displays kanpe directives that
// pass its display filter, and exposes a loopback-only local control API
// for sending feedback. Grounded on the teacher's cmd/client/main.go
// main()/service-integration structure.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	svc "github.com/kardianos/service"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"bikanpe/fabric/pkg/config"
	"bikanpe/fabric/pkg/events"
	"bikanpe/fabric/pkg/localapi"
	"bikanpe/fabric/pkg/session"
)

var version = "0.1.0"

func main() {
	setupLogging("caster")

	cc, _ := config.LoadCasterConfig("")

	director := flag.String("director", cc.DirectorURL, "director ws url (env BIKANPE_DIRECTOR_URL or config/caster.json)")
	name := flag.String("name", cc.ClientName, "caster client name (env BIKANPE_CLIENT_NAME or config)")
	monitors := flag.String("monitors", strings.Join(cc.DisplayMonitorIDs, ","), "comma-separated display_monitor_ids")
	apiPort := flag.Int("local-api-port", cc.LocalAPIPort, "local control API port (loopback only)")
	svcCmd := flag.String("service", "", "service control: install|uninstall|start|stop|run")
	svcName := flag.String("svcname", "BiKanpeCaster", "service name")
	flag.Parse()

	if *name == "" {
		hn, _ := os.Hostname()
		*name = hn
	}
	displayIDs := splitAndTrim(*monitors)

	if *svcCmd != "" {
		if err := handleServiceCmd(*svcCmd, *svcName, *director, *name, displayIDs, *apiPort); err != nil {
			log.Fatalf("service %s failed: %v", *svcCmd, err)
		}
		return
	}

	runForeground(*director, *name, displayIDs, *apiPort)
}

func runForeground(directorURL, name string, displayIDs []string, apiPort int) {
	bus := events.New()
	go logEvents(bus)

	sess := session.New(bus, log.Default())
	if err := sess.Connect(directorURL, name, displayIDs); err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	log.Printf("caster %q connecting to %s (display_monitor_ids=%v)", name, directorURL, displayIDs)

	api := localapi.New(sess, name, log.Default())
	if err := api.Start(apiPort); err != nil {
		log.Fatalf("local control API start failed: %v", err)
	}
	log.Printf("local control API listening on 127.0.0.1:%d", apiPort)

	reconnectCh, err := config.WatchCasterConfig("")
	if err != nil {
		log.Printf("config watch error: %v", err)
	} else {
		go func() {
			for nc := range reconnectCh {
				log.Printf("config changed: director_url=%s name=%s", nc.DirectorURL, nc.ClientName)
				if nc.DirectorURL != "" && nc.DirectorURL != directorURL {
					_ = sess.Disconnect()
					directorURL = nc.DirectorURL
					_ = sess.Connect(directorURL, name, displayIDs)
				}
			}
		}()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc

	log.Printf("caster shutting down")
	_ = api.Stop()
	_ = sess.Disconnect()
}

func logEvents(bus *events.Bus) {
	ch, _ := bus.Subscribe()
	for ev := range ch {
		log.Printf("event: %s %+v", ev.Kind, ev.Payload)
	}
}

func splitAndTrim(s string) []string {
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

// program adapts a caster session into a kardianos/service Service,
// grounded on the teacher's program.Start/Stop in cmd/client/main.go.
type program struct {
	directorURL string
	name        string
	displayIDs  []string
	apiPort     int
}

func (p *program) Start(s svc.Service) error {
	go runForeground(p.directorURL, p.name, p.displayIDs, p.apiPort)
	return nil
}

func (p *program) Stop(s svc.Service) error {
	os.Exit(0)
	return nil
}

func handleServiceCmd(cmd, svcName, directorURL, name string, displayIDs []string, apiPort int) error {
	cfg := &svc.Config{
		Name:        svcName,
		DisplayName: svcName,
		Description: "Bi-Kanpe caster client",
		Option:      map[string]interface{}{"Restart": "on-failure", "RunAtLoad": true, "StartType": "automatic"},
	}
	p := &program{directorURL: directorURL, name: name, displayIDs: displayIDs, apiPort: apiPort}
	s, err := svc.New(p, cfg)
	if err != nil {
		return err
	}
	switch strings.ToLower(cmd) {
	case "install":
		return s.Install()
	case "uninstall":
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command: %s", cmd)
	}
}

// setupLogging configures rotating file logs at logs/caster.log and also
// writes to stdout. Grounded on the teacher's identically named function.
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
