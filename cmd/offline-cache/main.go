package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/representacao-comercial/offline-cache"
	"github.com/representacao-comercial/offline-cache/cache"
	"github.com/representacao-comercial/offline-cache/pkg/connectivity"
	"github.com/representacao-comercial/offline-cache/pkg/spa"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	staticFlag         string
	providerFlag       string
	dbFilenameFlag     string
	cacheNameFlag      string
	offlineFlag        bool
	probeFlag          string
	adminFlag          string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.StringVar(&staticFlag, "static", "", "Static folder to serve instead of an origin (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Cache storage provider: memory, sqlite or leveldb (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file or directory (overrides config)")
	flag.StringVar(&cacheNameFlag, "cache-name", "", "Current cache identifier (overrides config)")
	flag.BoolVar(&offlineFlag, "offline", false, "Start offline")
	flag.StringVar(&probeFlag, "probe", "", "Connectivity probe interval, e.g. 5s (overrides config)")
	flag.StringVar(&adminFlag, "admin", "", "Address for the admin routes, e.g. 127.0.0.1:8081 (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := loadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Str("config", configFilenameFlag).Msg("Could not load config")
	}
	applyFlags(&cfg)
	if err := cfg.validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	logger, logFile, err := newLogger(cfg.Log, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.Log.File).Msg("Cannot open log file")
	}
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := 0
	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Exiting")
		code = 1
	}
	stop()
	if logFile != nil {
		logFile.Close()
	}
	os.Exit(code)
}

// newLogger logs to the console and, if the config names a file, also appends to that file.
// The file is returned so that it can be closed on exit.
func newLogger(cfg LogConfig, console io.Writer) (zerolog.Logger, io.Closer, error) {
	level := zerolog.DebugLevel
	if cfg.Trace {
		level = zerolog.TraceLevel
		// the global level defaults to debug and would drop trace events
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}
	var out io.Writer = zerolog.ConsoleWriter{Out: console}
	var file *os.File
	if cfg.File != "" {
		var err error
		file, err = os.OpenFile(cfg.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		out = zerolog.MultiLevelWriter(out, file)
	}
	logger := zerolog.New(out).Level(level).With().
		Timestamp().
		Str("version", version).
		Logger()
	if file == nil {
		return logger, nil, nil
	}
	return logger, file, nil
}

func applyFlags(cfg *Config) {
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if originFlag != "" {
		cfg.Server.Origin = originFlag
		cfg.Server.Static = ""
	}
	if hostFlag != "" {
		cfg.Server.Host = hostFlag
	}
	if staticFlag != "" {
		cfg.Server.Static = staticFlag
		cfg.Server.Origin = ""
	}
	if providerFlag != "" {
		cfg.Storage.Provider = providerFlag
	}
	if dbFilenameFlag != "" {
		cfg.Storage.Path = dbFilenameFlag
	}
	if cacheNameFlag != "" {
		cfg.CacheName = cacheNameFlag
	}
	if offlineFlag {
		cfg.Connectivity.Offline = true
	}
	if probeFlag != "" {
		cfg.Connectivity.Probe = probeFlag
	}
	if adminFlag != "" {
		cfg.Server.Admin = adminFlag
	}
	if verbosityTraceFlag {
		cfg.Log.Trace = true
	}
	if logFilenameFlag != "" {
		cfg.Log.File = logFilenameFlag
	}
}

func openStorage(provider, path string) (cache.Storage, error) {
	switch provider {
	case "memory":
		return cache.NewMemStorage(), nil
	case "sqlite":
		if path == "memory" {
			path = ""
		}
		return cache.NewSQLiteStorage(path)
	case "leveldb":
		return cache.NewLevelDBStorage(path)
	}
	return nil, fmt.Errorf("unsupported cache provider: %s", provider)
}

// network returns the transport to the application and, for origins, the address to probe.
func network(cfg Config) (http.RoundTripper, string, string, error) {
	if cfg.Server.Static != "" {
		return offlinecache.HandlerTransport(spa.Handler(cfg.Server.Static)), "static:" + cfg.Server.Static, "", nil
	}
	originURL, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, "", "", fmt.Errorf("could not parse origin url: %w", err)
	}
	if originURL.Scheme == "" || originURL.Host == "" {
		return nil, "", "", fmt.Errorf("origin url %q needs scheme and host", cfg.Server.Origin)
	}
	address := originURL.Host
	if originURL.Port() == "" {
		port := "80"
		if originURL.Scheme == "https" {
			port = "443"
		}
		address = net.JoinHostPort(originURL.Hostname(), port)
	}
	return offlinecache.OriginTransport(*originURL, cfg.Server.Host), originURL.String(), address, nil
}

func run(ctx context.Context, cfg Config) error {
	storage, err := openStorage(cfg.Storage.Provider, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer storage.Close()

	transport, originId, probeAddress, err := network(cfg)
	if err != nil {
		return err
	}

	var online connectivity.Signal = connectivity.NewFlag(!cfg.Connectivity.Offline)
	if cfg.Connectivity.probeDur > 0 && !cfg.Connectivity.Offline {
		probe := connectivity.NewProbe(probeAddress, cfg.Connectivity.probeDur)
		go probe.Run(ctx)
		online = probe
	}

	logger := log.With().Str("origin", originId).Logger()
	agent, err := offlinecache.New(offlinecache.Config{
		Storage:   storage,
		CacheName: cfg.CacheName,
		Manifest:  cfg.Manifest,
		Network:   transport,
		Online:    online,
		OriginId:  originId,
		Logger:    &logger,
	})
	if err != nil {
		return err
	}

	// a new version only takes over once its install has succeeded
	if online.Online() {
		if err := agent.Install(ctx); err != nil {
			return err
		}
		if _, err := agent.Activate(ctx); err != nil {
			logger.Warn().Err(err).Msg("Some stale caches could not be deleted")
		}
	} else {
		logger.Warn().Msg("Starting offline, serving from existing caches without install")
	}

	servers := []*server{{
		name:    "public",
		addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		handler: agent.Router(),
	}}
	if cfg.Server.Admin != "" {
		servers = append(servers, &server{
			name:    "admin",
			addr:    cfg.Server.Admin,
			handler: agent.AdminRouter(),
		})
	} else {
		logger.Debug().Msg("Admin routes disabled")
	}
	logger.Info().Str("cache", agent.CacheName()).Bool("online", agent.Online()).Msg("Agent ready")
	return serve(ctx, servers, logger)
}

type server struct {
	name    string
	addr    string
	handler http.Handler
}

// serve runs the servers until the context is done or one of them fails, then shuts all of them down.
func serve(ctx context.Context, servers []*server, logger zerolog.Logger) error {
	srvs := make([]*http.Server, len(servers))
	listeners := make([]net.Listener, len(servers))
	for i, s := range servers {
		ln, err := net.Listen("tcp", s.addr)
		if err != nil {
			for _, l := range listeners[:i] {
				l.Close()
			}
			return fmt.Errorf("listen %s (%s): %w", s.addr, s.name, err)
		}
		listeners[i] = ln
		srvs[i] = &http.Server{
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range servers {
		g.Go(func() error {
			logger.Info().Str("server", s.name).Msgf("Serving %s", listeners[i].Addr())
			if err := srvs[i].Serve(listeners[i]); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", s.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range srvs {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
