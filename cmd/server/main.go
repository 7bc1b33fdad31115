// Command server runs the media plane: a WebSocket listener, a WebTransport
// listener, and a small REST API, all fanning packets through one shared
// room registry (spec §1, §6.2).
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rustyguts/mediaplane/config"
	"github.com/rustyguts/mediaplane/diagnostics"
	"github.com/rustyguts/mediaplane/room"
	"github.com/rustyguts/mediaplane/session"
	"github.com/rustyguts/mediaplane/store"
	"github.com/rustyguts/mediaplane/transport/webtransport"
	"github.com/rustyguts/mediaplane/transport/ws"
	"golang.org/x/time/rate"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		if runCLI(os.Args[1:], "mediaplane.db") {
			return
		}
	}

	wsAddr := flag.String("ws-addr", ":8443", "WebSocket listen address")
	wtAddr := flag.String("wt-addr", ":4433", "WebTransport (QUIC) listen address")
	apiAddr := flag.String("api-addr", ":8080", "REST API listen address (empty to disable)")
	dbPath := flag.String("db", "mediaplane.db", "SQLite database path")
	configPath := flag.String("config", "", "path to a JSON config file overlaying defaults (empty to use defaults only)")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	rateLimit := flag.Int("rate-limit", 20, "maximum opaque control messages per second per session")
	metricsInterval := flag.Duration("metrics-interval", 5*time.Second, "metrics logging interval")
	flag.Parse()

	opts := config.Default()
	if *configPath != "" {
		opts = config.Load(*configPath)
	}

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	tlsHostname := ""
	if host, _, err := net.SplitHostPort(*wtAddr); err == nil && host != "" {
		tlsHostname = host
	}
	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, tlsHostname)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}
	log.Printf("[server] TLS certificate fingerprint: %s", fingerprint)

	registry := room.NewRegistry()
	bus := diagnostics.NewBus()

	router := session.NewRouter(registry, session.Config{
		HeartbeatInterval: time.Duration(opts.HeartbeatIntervalMs) * time.Millisecond,
		HeartbeatFloor:    time.Duration(opts.ClientTimeoutMs) * time.Millisecond,
		RateLimit:         rate.Limit(*rateLimit),
		MaxPacketSize:     opts.MaxPacketSize,
	}).WithTelemetry(bus)

	// Persist every event the diagnostics bus carries (lifecycle and health
	// notifications alike) to the store's session_events table.
	go persistDiagnostics(context.Background(), bus, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	go runMetrics(ctx, registry, *metricsInterval)

	wtSrv := webtransport.NewServer(*wtAddr, "/rtc", tlsConfig, router)
	go func() {
		if err := wtSrv.Run(ctx); err != nil {
			log.Printf("[webtransport] %v", err)
		}
	}()

	if *apiAddr != "" {
		api := newAPIServer(registry, st, router)
		go api.Run(ctx, *apiAddr)
		log.Printf("[api] listening on %s", *apiAddr)
	}

	wsSrv := &http.Server{
		Addr:              *wsAddr,
		Handler:           ws.Handler(router),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		wsSrv.Shutdown(shutCtx)
	}()

	log.Printf("[ws] listening on %s", *wsAddr)
	if err := wsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[ws] %v", err)
	}
}

// persistDiagnostics drains the diagnostics bus and records every event as
// a session lifecycle row, decoupling the hot router path from SQLite
// writes (spec's "no persistence of media", only metadata).
func persistDiagnostics(ctx context.Context, bus *diagnostics.Bus, st *store.Store) {
	ch, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			if err := st.RecordEvent(string(evt.Session), "", evt.Name); err != nil {
				log.Printf("[store] record event: %v", err)
			}
		}
	}
}
