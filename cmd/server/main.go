// Package main implements wsbus, a WebSocket event bus server: clients connect
// on /ws, exchange {event, data} envelopes, and trusted backends publish to
// every client through /publish.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/codeGROOVE-dev/wsbus/pkg/logger"
	"github.com/codeGROOVE-dev/wsbus/pkg/security"
	"github.com/codeGROOVE-dev/wsbus/pkg/srv"
	"github.com/codeGROOVE-dev/wsbus/pkg/webhook"
)

const (
	readTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	idleTimeout    = 120 * time.Second
	maxHeaderBytes = 20 // Max header size multiplier (1 << 20 = 1MB)
)

var (
	addr          = flag.String("addr", ":8080", "HTTP service address")
	transport     = flag.String("transport", "xnet", "WebSocket implementation: xnet or gorilla")
	pollInterval  = flag.Duration("poll-interval", time.Second, "How often each session's socket is checked; negative disables polling")
	pingInterval  = flag.Duration("ping-interval", 54*time.Second, "How often each connection is pinged; negative disables pings")
	wsReadTimeout = flag.Duration("read-timeout", 90*time.Second, "Drop connections silent for this long, pongs included; negative disables")
	sendBuffer    = flag.Int("send-buffer", 256, "Outbound frames queued per session")
	malformed     = flag.String("malformed-event", "", "Publish non-envelope messages under this event instead of their raw text")
	requireParam  = flag.String("require-param", "", "Reject connections whose URL lacks this query parameter")
	maxConnsPerIP = flag.Int("max-conns-per-ip", 10, "Maximum WebSocket connections per IP")
	maxConnsTotal = flag.Int("max-conns-total", 1000, "Maximum total WebSocket connections")
	publishSecret = flag.String("publish-secret", os.Getenv("WSBUS_PUBLISH_SECRET"), "HMAC secret for /publish; empty disables the endpoint")
	allowedEvents = flag.String("allowed-events", func() string {
		if value := os.Getenv("WSBUS_ALLOWED_EVENTS"); value != "" {
			return value
		}
		return "*"
	}(), "Comma-separated list of events /publish may broadcast (use '*' for all)")
	relay       = flag.Bool("relay", true, "Relay chat events between clients and announce joins and leaves")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	letsencrypt = flag.Bool("letsencrypt", false, "Use Let's Encrypt for automatic TLS certificates")
	leDomains   = flag.String("le-domains", "", "Comma-separated list of domains for Let's Encrypt certificates")
	leCacheDir  = flag.String("le-cache-dir", "./.letsencrypt", "Cache directory for Let's Encrypt certificates")
	leEmail     = flag.String("le-email", "", "Contact email for Let's Encrypt notifications")
)

//nolint:funlen,gocognit,revive,maintidx // Main function orchestrates entire server setup and cannot be split without losing clarity
func main() {
	flag.Parse()

	if *debug {
		logger.SetLogger(logger.NewWithLevel(os.Stderr, slog.LevelDebug))
	}

	if *transport != "xnet" && *transport != "gorilla" {
		log.Fatalf("ERROR: unknown -transport %q (want xnet or gorilla)", *transport)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := srv.New(srv.Config{
		Metrics:        registry,
		PollInterval:   *pollInterval,
		PingInterval:   *pingInterval,
		ReadTimeout:    *wsReadTimeout,
		SendBuffer:     *sendBuffer,
		MalformedEvent: *malformed,
	})

	if *requireParam != "" {
		name := *requireParam
		bus.SetGate(func(info *srv.AdmissionInfo) bool {
			return info.Params[name] != ""
		})
		log.Printf("Admission requires query parameter %q", name)
	}

	if *relay {
		registerRelay(bus)
		log.Println("Chat relay handlers registered")
	}

	connLimiter := security.NewConnectionLimiter(*maxConnsPerIP, *maxConnsTotal)

	mux := http.NewServeMux()

	// Health check endpoint - exact match only
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("wsbus is running\n")); err != nil {
				log.Printf("failed to write health check response: %v", err)
			}
			return
		}
		log.Printf("404 Not Found: path=%s ip=%s", r.URL.Path, security.ClientIP(r))
		http.NotFound(w, r)
	})
	log.Println("Registered health check handler at /")

	var upgrade http.Handler = bus
	if *transport == "gorilla" {
		upgrade = bus.GorillaHandler(&websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Non-browser clients send no Origin; use -require-param to restrict access.
			CheckOrigin: func(*http.Request) bool { return true },
		})
	}
	wsHandler := connLimiter.Limit(upgrade)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ip := security.ClientIP(r)
		log.Printf("WebSocket request START: path=%s ip=%s user_agent=%s", r.URL.Path, ip, r.UserAgent())

		wsHandler.ServeHTTP(w, r)
		log.Printf("WebSocket request END: ip=%s duration=%v", ip, time.Since(startTime))
	})
	log.Printf("Registered WebSocket handler at /ws (transport=%s)", *transport)

	if *publishSecret != "" {
		var allowed []string
		if *allowedEvents != "*" {
			allowed = strings.Split(*allowedEvents, ",")
			for i := range allowed {
				allowed[i] = strings.TrimSpace(allowed[i])
			}
			log.Printf("Allowing published events: %v", allowed)
		}
		mux.Handle("/publish", webhook.NewHandler(bus, *publishSecret, allowed))
		log.Println("Registered publish handler at /publish")
	} else {
		log.Print("WARNING: -publish-secret not set; /publish is disabled")
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	log.Println("Registered metrics handler at /metrics")

	server := &http.Server{
		Addr:           *addr,
		Handler:        mux,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << maxHeaderBytes, // 1MB
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		// Sessions first: hijacked connections are invisible to http.Server.Shutdown.
		if err := bus.Shutdown(shutdownCtx); err != nil {
			log.Printf("bus shutdown error: %v", err)
		}
		connLimiter.Stop()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
		close(done)
	}()

	var err error

	if *letsencrypt {
		if *leDomains == "" {
			log.Print("ERROR: Let's Encrypt requires -le-domains to be specified")
			return
		}

		domains := strings.Split(*leDomains, ",")
		for i := range domains {
			domains[i] = strings.TrimSpace(domains[i])
		}

		if err := os.MkdirAll(*leCacheDir, 0o700); err != nil {
			log.Printf("failed to create Let's Encrypt cache directory: %v", err)
			return
		}

		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(domains...),
			Cache:      autocert.DirCache(*leCacheDir),
			Email:      *leEmail,
		}

		server.Addr = ":443"
		server.TLSConfig = &tls.Config{
			GetCertificate: certManager.GetCertificate,
			MinVersion:     tls.VersionTLS13,
		}

		// Start HTTP server for ACME challenges
		go func() {
			acmeServer := &http.Server{
				Addr:         ":80",
				Handler:      certManager.HTTPHandler(nil),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  120 * time.Second,
			}
			log.Println("starting HTTP server on :80 for Let's Encrypt ACME challenges")
			if err := acmeServer.ListenAndServe(); err != nil {
				log.Printf("HTTP ACME server error: %v", err)
				log.Print("WARNING: Let's Encrypt certificate issuance/renewal may fail without port 80")
			}
		}()

		log.Printf("starting HTTPS server on :443 with Let's Encrypt for domains: %v", domains)
		err = server.ListenAndServeTLS("", "")
	} else {
		log.Print("WARNING: TLS not enabled. Use -letsencrypt for production")
		log.Printf("starting HTTP server on %s", *addr)
		err = server.ListenAndServe()
	}

	if err != http.ErrServerClosed {
		log.Printf("server error: %v", err)
		return
	}

	<-done
	log.Println("server stopped")
}
