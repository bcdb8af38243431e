// main is the gateway process entrypoint, grounded on
// cmd/mcp-broker-router/main.go's flag/listener/signal-handling shape
// with the Envoy ext_proc gRPC server and the Kubernetes controller mode
// dropped: this gateway has no xDS control plane or in-process Kubernetes
// controller to serve. The OAuth protected-resource document is served by
// the gateway's Router.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/mcp-hub/gateway/internal/gateway"
	"github.com/mcp-hub/gateway/internal/ratelimit"
)

func main() {
	var (
		listenAddr           string
		backendsConfigPath   string
		proxiesConfigPath    string
		credentialMount      string
		sessionSigningKey    string
		sessionIndexURL      string
		logLevel             int
		logFormat            string
		maxSessionsPerClient int
		maxSessionsPerProxy  int
	)

	flag.StringVar(&listenAddr, "listen-address", "0.0.0.0:8080", "public address the gateway serves proxy endpoints on")
	flag.StringVar(&backendsConfigPath, "backends-config", "./config/backends.json", "path to the backends configuration document")
	flag.StringVar(&proxiesConfigPath, "proxies-config", "./config/proxies.json", "path to the proxies configuration document")
	flag.StringVar(&credentialMount, "credential-mount", "/etc/mcp-credentials", "mount path credRef: header values resolve against")
	flag.StringVar(&sessionSigningKey, "session-signing-key", os.Getenv("MCP_GATEWAY_SESSION_SIGNING_KEY"), "signing key for session id JWTs")
	flag.StringVar(&sessionIndexURL, "session-index-url", "", "optional redis URL for the session index; empty uses an in-process map")
	flag.IntVar(&logLevel, "log-level", int(slog.LevelInfo), "log level: -4=debug, 0=info, 4=warn, 8=error")
	flag.StringVar(&logFormat, "log-format", "txt", "switch to json logs with --log-format=json")
	flag.IntVar(&maxSessionsPerClient, "max-sessions-per-client", ratelimit.DefaultMaxSessionsPerClient, "admission cap on concurrent sessions per client IP")
	flag.IntVar(&maxSessionsPerProxy, "max-sessions-per-proxy", ratelimit.DefaultMaxSessionsPerProxy, "admission cap on concurrent sessions per proxy")
	flag.Parse()

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.Level(logLevel)}
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if sessionSigningKey == "" {
		log.Fatal("no session signing key provided: set --session-signing-key or MCP_GATEWAY_SESSION_SIGNING_KEY")
	}

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.MaxSessionsPerClient = maxSessionsPerClient
	rlCfg.MaxSessionsPerProxy = maxSessionsPerProxy

	gw, err := gateway.New(gateway.Options{
		BackendsConfigPath: backendsConfigPath,
		ProxiesConfigPath:  proxiesConfigPath,
		CredentialMount:    credentialMount,
		SessionSigningKey:  sessionSigningKey,
		SessionIndexURL:    sessionIndexURL,
		RateLimit:          rlCfg,
		Logger:             logger,
	})
	if err != nil {
		log.Fatalf("gateway: construction failed: %v", err)
	}

	if err := gw.Load(); err != nil {
		log.Fatalf("gateway: initial config load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw.OnConfigChange(ctx, gw.Document())
	gw.Watch(ctx)

	logger.Info("gateway: running auto-start pass")
	res, err := gw.RunAutoStart(ctx)
	if err != nil {
		log.Fatalf("gateway: auto-start aborted (fatal misconfiguration): %v", err)
	}
	logger.Info("gateway: auto-start complete",
		"backends_started", res.BackendsStarted, "backends_failed", res.BackendsFailed,
		"proxies_started", res.ProxiesStarted, "proxies_skipped", res.ProxiesSkipped)

	go gw.RunSessionReaper(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", gw.MetricsHandler())
	mux.Handle("/", gw.Router())

	httpSrv := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // EVENT sessions are long-lived SSE streams (spec §5)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	go func() {
		logger.Info("gateway: listening", "address", listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: listen error: %v", err)
		}
	}()

	<-stop
	logger.Info("gateway: shutting down")
	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownRelease()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("gateway: HTTP shutdown error: %v", err)
	}
	gw.Shutdown()
}
