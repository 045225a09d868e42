// Command roxyd is the intercepting proxy's server entrypoint: it loads
// configuration, loads or generates the CA, wires the flow store,
// script host, and upstream client into a mitm.Handler, and serves the
// plain/CONNECT listener plus the optional HTTP/3 and metrics
// listeners until a shutdown signal arrives.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/fergdev/roxy/internal/ca"
	"github.com/fergdev/roxy/internal/config"
	"github.com/fergdev/roxy/internal/flowstore"
	"github.com/fergdev/roxy/internal/metrics"
	"github.com/fergdev/roxy/internal/mitm"
	"github.com/fergdev/roxy/internal/redact"
	"github.com/fergdev/roxy/internal/script"
	_ "github.com/fergdev/roxy/internal/script/js"
	_ "github.com/fergdev/roxy/internal/script/lua"
	_ "github.com/fergdev/roxy/internal/script/py"
	"github.com/fergdev/roxy/internal/upstream"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	listenAddr := flag.String("listen", "", "Proxy listen address (overrides config)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	showCA := flag.Bool("show-ca", false, "Show CA certificate path and exit")
	exportP12 := flag.String("export-p12", "", "Copy the CA's PKCS#12 bundle to this path and exit")
	showHelp := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *showHelp {
		printHelp()
		os.Exit(0)
	}
	if *showVersion {
		fmt.Printf("roxyd %s (%s)\n", version, commit)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debugMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(logger, "failed to load configuration", err)
	}
	if *listenAddr != "" {
		cfg.Proxy.Listen = *listenAddr
	}

	caDir, err := cfg.CADir()
	if err != nil {
		fatal(logger, "failed to determine CA directory", err)
	}
	if err := os.MkdirAll(caDir, 0700); err != nil {
		fatal(logger, "failed to create CA directory", err)
	}

	authority, err := ca.LoadOrGenerate(caDir, cfg.CA.ValidityYears)
	if err != nil {
		fatal(logger, "failed to load/generate CA", err)
	}
	caFiles := ca.PathsFor(caDir)
	caPath := caFiles.CertPEM
	logger.Info("CA ready", "path", caPath)

	if *showCA {
		fmt.Printf("CA certificate: %s\n", caPath)
		fmt.Printf("PKCS#12 bundle: %s (password: roxy, for stores that reject PEM)\n", caFiles.P12CertOnly)
		fmt.Println("\nTo trust this CA:")
		fmt.Println("  macOS:   sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain " + caPath)
		fmt.Println("  Linux:   sudo cp " + caPath + " /usr/local/share/ca-certificates/roxy.crt && sudo update-ca-certificates")
		fmt.Println("  Windows: certutil -addstore -f \"ROOT\" " + caPath)
		os.Exit(0)
	}

	if *exportP12 != "" {
		bundle, err := os.ReadFile(caFiles.P12CertOnly)
		if err != nil {
			fatal(logger, "failed to read generated PKCS#12 bundle", err)
		}
		if err := os.WriteFile(*exportP12, bundle, 0600); err != nil {
			fatal(logger, "failed to write PKCS#12 bundle", err)
		}
		fmt.Printf("CA bundle copied to %s (password: roxy)\n", *exportP12)
		os.Exit(0)
	}

	leafCache := ca.NewLeafCache(authority, cfg.CA.LeafCacheSize)
	if cfg.CA.LeafKeyAlgorithm == "rsa" {
		leafCache = leafCache.WithKeyAlgorithm(ca.KeyRSA)
	}

	hostFilter := mitm.NewHostFilter(cfg.Proxy.Intercept, cfg.Proxy.Exclude)

	redactor, err := redact.New(&cfg.Redaction)
	if err != nil {
		fatal(logger, "failed to build redactor", err)
	}

	store, err := openStore(cfg, redactor)
	if err != nil {
		fatal(logger, "failed to open flow store", err)
	}

	scriptHost := script.NewHost(cfg.Script.HookTimeout, logger)
	if cfg.Script.File != "" {
		if err := loadScript(scriptHost, cfg.Script.Language, cfg.Script.File); err != nil {
			logger.Error("failed to load interceptor script", "file", cfg.Script.File, "error", err)
		} else {
			logger.Info("interceptor script loaded", "file", cfg.Script.File, "language", cfg.Script.Language)
			go watchScript(scriptHost, cfg.Script.Language, cfg.Script.File, logger)
		}
	}

	upstreamClient := upstream.New(upstream.Options{
		ConnectTimeout: cfg.Timeouts.Connect,
		TLSTimeout:     cfg.Timeouts.TLS,
		RequestTimeout: cfg.Timeouts.Request,
	})

	handler := &mitm.Handler{
		CA:           authority,
		LeafCache:    leafCache,
		HostFilter:   hostFilter,
		Store:        store,
		Script:       scriptHost,
		Upstream:     upstreamClient,
		Logger:       logger,
		MaxBodyBytes: int(cfg.Body.MaxBytes),
		TLSTimeout:   cfg.Timeouts.TLS,
	}

	proxyListener, err := net.Listen("tcp", cfg.Proxy.ListenAddr())
	if err != nil {
		fatal(logger, "failed to bind proxy listener", err)
	}
	proxySrv := &http.Server{Handler: handler}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	var h3Srv *http3.Server
	if cfg.Proxy.H3Port != 0 {
		h3Srv, err = startH3Listener(cfg, leafCache, handler, logger)
		if err != nil {
			logger.Error("failed to start HTTP/3 listener", "error", err)
			h3Srv = nil
		}
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		token, err := cfg.MetricsToken()
		if err != nil {
			logger.Error("failed to generate metrics token", "error", err)
		} else {
			metricsSrv = metrics.NewServer(cfg.Metrics.Listen, token)
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server error", "error", err)
				}
			}()
			logger.Info("metrics server starting", "addr", cfg.Metrics.Listen, "token", token)
		}
	}

	printBanner(cfg, caPath, proxyListener.Addr().String())

	go func() {
		if err := proxySrv.Serve(proxyListener); err != nil && err != http.ErrServerClosed {
			logger.Error("proxy server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down")
	if err := proxySrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("proxy shutdown error", "error", err)
	}
	if h3Srv != nil {
		if err := h3Srv.Close(); err != nil {
			logger.Error("HTTP/3 shutdown error", "error", err)
		}
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown error", "error", err)
		}
	}
	if err := scriptHost.Stop(shutdownCtx); err != nil {
		logger.Error("script host shutdown error", "error", err)
	}

	logger.Info("roxyd shutdown complete")
}

// openStore picks the configured Flow Store backend. An empty backend
// (the default) keeps flows in memory only. Durable backends redact
// headers/bodies before persisting; the in-memory layer they wrap stays
// unredacted so scripts and live subscribers still see raw data.
func openStore(cfg *config.Config, redactor *redact.Redactor) (flowstore.Store, error) {
	switch cfg.Persistence.Backend {
	case "sqlite":
		return flowstore.NewSQLiteStore(cfg.Persistence.DBPath, cfg.Memory.MaxFlows, redactor)
	case "redis":
		return flowstore.NewRedisStore(cfg.Persistence.RedisAddr, cfg.Memory.MaxFlows, redactor)
	default:
		return flowstore.NewMemory(cfg.Memory.MaxFlows), nil
	}
}

func loadScript(host *script.Host, language, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lang := script.Language(language)
	if lang == script.LanguageNone {
		lang = languageFromExt(path)
	}
	return host.SetScript(context.Background(), lang, string(src))
}

func languageFromExt(path string) script.Language {
	switch filepath.Ext(path) {
	case ".lua":
		return script.LanguageLua
	case ".py":
		return script.LanguagePython
	default:
		return script.LanguageJavaScript
	}
}

// watchScript polls the script file's mtime and reloads it on change.
// The teacher's config package reloads by polling rather than inotify
// (config.go's reload loop follows the same pattern); scripts are edited
// far less often than requests arrive, so a second of staleness is fine.
func watchScript(host *script.Host, language, path string, logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	lastMod := info.ModTime()

	for range ticker.C {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !info.ModTime().After(lastMod) {
			continue
		}
		lastMod = info.ModTime()
		if err := loadScript(host, language, path); err != nil {
			logger.Error("failed to reload interceptor script", "file", path, "error", err)
			continue
		}
		logger.Info("interceptor script reloaded", "file", path)
	}
}

// startH3Listener binds a dedicated UDP/QUIC listener that terminates
// HTTP/3 directly, bypassing the CONNECT dispatch state machine
// entirely: a client configured to use roxy as an HTTP/3 proxy dials
// this port, QUIC terminates here with a leaf cert minted for the
// listener's own identity, and requests land on the same mitm.Handler
// as the plain/TLS-MITM paths.
func startH3Listener(cfg *config.Config, leafCache *ca.LeafCache, handler http.Handler, logger *slog.Logger) (*http3.Server, error) {
	leaf, err := leafCache.Sign("roxy-proxy", []string{"roxy-proxy", "localhost"})
	if err != nil {
		return nil, fmt.Errorf("minting HTTP/3 listener certificate: %w", err)
	}

	srv := &http3.Server{
		Addr: net.JoinHostPort(cfg.Proxy.Host, strconv.Itoa(cfg.Proxy.H3Port)),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{*leaf},
			NextProtos:   []string{http3.NextProtoH3},
		},
		Handler: handler,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("HTTP/3 server error", "error", err)
		}
	}()
	logger.Info("HTTP/3 listener starting", "addr", srv.Addr)
	return srv, nil
}

func printBanner(cfg *config.Config, caPath, proxyAddr string) {
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Proxy: http://%s\n", proxyAddr)
	if cfg.Proxy.H3Port != 0 {
		fmt.Fprintf(os.Stderr, "  HTTP/3: %s:%d (QUIC)\n", cfg.Proxy.Host, cfg.Proxy.H3Port)
	}
	fmt.Fprintf(os.Stderr, "  CA:    %s\n", caPath)
	if cfg.Persistence.Backend != "" {
		fmt.Fprintf(os.Stderr, "  Store: %s\n", cfg.Persistence.Backend)
	}
	if cfg.Metrics.Enabled {
		fmt.Fprintf(os.Stderr, "  Metrics: http://%s/metrics\n", cfg.Metrics.Listen)
	}
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  export HTTPS_PROXY=http://%s\n", proxyAddr)
	fmt.Fprintf(os.Stderr, "  export HTTP_PROXY=http://%s\n", proxyAddr)
	fmt.Fprintf(os.Stderr, "  export SSL_CERT_FILE=%s\n", caPath)
	fmt.Fprintf(os.Stderr, "\n")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func printHelp() {
	fmt.Print(`roxy - intercepting HTTP/S proxy

USAGE:
    roxyd [OPTIONS]

OPTIONS:
    -config <path>    Path to configuration file
    -listen <addr>    Proxy listen address (overrides config)
    -debug            Enable debug logging
    -version          Show version information
    -show-ca          Show CA certificate path and trust instructions
    -export-p12 <path> Write the CA as a PKCS#12 bundle and exit
    -help             Show this help message
`)
}
