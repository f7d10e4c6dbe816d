// Callrelay, October 2026
// License AGPL3

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/knadh/callrelay/internal/hub"
	"github.com/knadh/callrelay/internal/metrics"
	"github.com/knadh/callrelay/store"
	"github.com/knadh/callrelay/store/mem"
	"github.com/knadh/callrelay/store/redis"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/stuffbin"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

// App is the global app context that's passed around.
type App struct {
	hub     *hub.Hub
	router  *hub.Router
	cfg     *hub.Config
	fs      stuffbin.FileSystem
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// defaultConfig is loaded before the config files.
var defaultConfig = map[string]interface{}{
	"app.address":                  ":9000",
	"app.name":                     "callrelay",
	"app.max_message_length":       65536,
	"app.max_message_queue":        256,
	"app.websocket_timeout":        "10s",
	"app.ping_interval":            "54s",
	"app.pong_timeout":             "60s",
	"app.room_age":                 "12h",
	"app.flush_candidates_on_join": false,
	"app.log_level":                "info",
	"app.tor":                      false,
	"app.tor_exe":                  "tor",

	"store.type":                   "mem",
	"store.mem.cleanup_interval":   "1m",
	"store.redis.address":          "127.0.0.1:6379",
	"store.redis.active_conns":     100,
	"store.redis.idle_conns":       20,
	"store.redis.timeout":          "3s",
	"store.redis.prefix_room":      "CALLRELAY:room:%s",
	"store.redis.prefix_candidate": "CALLRELAY:cand:%s:%s",
	"store.redis.prefix_data":      "CALLRELAY:data:%s",
}

func loadConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.String("app.address", ":9000", "Address to listen on")
	f.String("app.log_level", "info", "Log level (debug, info, warn, error)")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	ko.Load(confmap.Provider(defaultConfig, "."), nil)

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		slog.Info("reading config", "file", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			slog.Warn("error reading config", "err", err)
		}
	}

	// Merge env flags into config.
	if err := ko.Load(env.Provider("CALLRELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CALLRELAY_")), "__", ".", -1)
	}), nil); err != nil {
		slog.Warn("error loading env config", "err", err)
	}

	// Merge command line flags into config.
	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// initLogger returns the app's logger writing to stdout at the given level.
func initLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	l := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		AddSource:  true,
		Level:      lvl,
		TimeFormat: "2006-01-02 15:04:05.000",
	}))
	slog.SetDefault(l)
	return l
}

// initFS initializes the stuffbin embedded static filesystem.
func initFS(l *slog.Logger) stuffbin.FileSystem {
	// Get self executable path to initialise stuffed FS.
	exe, err := os.Executable()
	if err != nil {
		l.Error("error getting executable path", "err", err)
		os.Exit(1)
	}

	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("./", "./static")
			if err != nil {
				l.Error("error falling back to local filesystem", "err", err)
				os.Exit(1)
			}
		} else {
			l.Error("error reading stuffed binary", "err", err)
			os.Exit(1)
		}
	}
	return fs
}

// initStore initializes the snapshot store configured in store.type.
func initStore(l *slog.Logger) (store.Store, error) {
	switch typ := ko.String("store.type"); typ {
	case "mem":
		var cfg mem.Config
		if err := ko.Unmarshal("store.mem", &cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling 'store.mem' config: %w", err)
		}
		return mem.New(cfg)

	case "redis":
		var cfg redis.Config
		if err := ko.Unmarshal("store.redis", &cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling 'store.redis' config: %w", err)
		}
		l.Info("connecting to redis", "address", cfg.Address)
		return redis.New(cfg)

	default:
		return nil, fmt.Errorf("unknown store type '%s'", typ)
	}
}

// initHTTPRouter registers the app's HTTP routes.
func initHTTPRouter(app *App) http.Handler {
	r := chi.NewRouter()
	r.Get("/", wrap(handleIndex, app, 0))
	r.Get("/ws", wrap(handleWS, app, 0))
	r.Get("/offer/{callID}", wrap(handleGetOffer, app, hasSnapshot))
	r.Get("/health", wrap(handleHealth, app, 0))
	r.Handle("/metrics", app.metrics.Handler())
	r.Get("/static/*", func(w http.ResponseWriter, r *http.Request) {
		app.fs.FileServer().ServeHTTP(w, r)
	})
	return r
}

func main() {
	// Load configuration from files.
	loadConfig()

	var cfg hub.Config
	if err := ko.Unmarshal("app", &cfg); err != nil {
		slog.Error("error unmarshalling 'app' config", "err", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.LogLevel)

	if cfg.PingInterval <= 0 || cfg.PongTimeout <= cfg.PingInterval {
		logger.Error("app.ping_interval should be > 0 and < app.pong_timeout")
		os.Exit(1)
	}
	if cfg.MaxMessageQueue < 1 || cfg.MaxMessageLen < 1 {
		logger.Error("app.max_message_queue and app.max_message_length should be > 0")
		os.Exit(1)
	}

	// Initialize global app context.
	app := &App{
		cfg:     &cfg,
		logger:  logger,
		fs:      initFS(logger),
		metrics: metrics.New("callrelay"),
	}

	st, err := initStore(logger)
	if err != nil {
		logger.Error("error initializing store", "err", err)
		os.Exit(1)
	}
	app.hub = hub.NewHub(app.cfg, st, app.metrics, logger)
	app.router = hub.NewRouter(app.hub)

	handler := initHTTPRouter(app)
	srv := &http.Server{
		Addr:    cfg.Address,
		Handler: handler,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// Start the app.
	g.Go(func() error {
		logger.Info("starting server", "address", cfg.Address, "version", buildString)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("couldn't start server: %w", err)
		}
		return nil
	})

	// Optionally expose the same routes as an onion service.
	if cfg.Tor {
		g.Go(func() error {
			pk, err := getOrCreatePK(st)
			if err != nil {
				return fmt.Errorf("error getting onion key: %w", err)
			}
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return err
			}
			ts := &torServer{
				Handler:    handler,
				PrivateKey: pk,
				ExePath:    cfg.TorExe,
				log:        logger,
			}
			return ts.Serve(ctx, ln)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(c)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
