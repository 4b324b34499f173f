package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	flag "github.com/spf13/pflag"

	"github.com/ezspot/ezspot/internal/auth"
	"github.com/ezspot/ezspot/internal/hub"
	"github.com/ezspot/ezspot/internal/password"
	"github.com/ezspot/ezspot/internal/room"
	"github.com/ezspot/ezspot/store"
	"github.com/ezspot/ezspot/store/fs"
	"github.com/ezspot/ezspot/store/mem"
	"github.com/ezspot/ezspot/store/redis"
)

var (
	logger = log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)
	ko     = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

// App is the global app context that's passed around.
type App struct {
	cfg      appConfig
	registry *room.Registry
	auth     *auth.Service
	hub      *hub.Hub
	logger   *log.Logger
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
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, fpath := range cFiles {
		log.Printf("reading config: %s", fpath)
		if err := ko.Load(file.Provider(fpath), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}

	// Merge env flags into config.
	if err := ko.Load(env.Provider("EZSPOT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "EZSPOT_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	// Merge command line flags into config.
	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// initStore initializes the configured store backend.
func initStore() store.Store {
	switch t := ko.String("store.type"); t {
	case "redis":
		var cfg redis.Config
		if err := ko.Unmarshal("store.redis", &cfg); err != nil {
			logger.Fatalf("error unmarshalling 'store.redis' config: %v", err)
		}
		s, err := redis.New(cfg)
		if err != nil {
			logger.Fatalf("error initializing redis store: %v", err)
		}
		return s
	case "fs":
		var cfg fs.Config
		if err := ko.Unmarshal("store.fs", &cfg); err != nil {
			logger.Fatalf("error unmarshalling 'store.fs' config: %v", err)
		}
		s, err := fs.New(cfg, logger)
		if err != nil {
			logger.Fatalf("error initializing fs store: %v", err)
		}
		return s
	case "memory", "":
		s, err := mem.New(mem.Config{})
		if err != nil {
			logger.Fatalf("error initializing memory store: %v", err)
		}
		return s
	default:
		logger.Fatalf("unknown store.type %q", t)
	}
	return nil
}

// initRoutes registers the HTTP routes on a new chi router.
func initRoutes(app *App) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/api/rooms", wrap(handleCreateRoom, app, 0))
	r.Post("/api/rooms/{roomID}/invites", wrap(handleCreateInvite, app, hasAuth))
	r.Post(authPath+"/login", wrap(handleLogin, app, 0))
	r.Post(authPath+"/refresh", wrap(handleRefresh, app, 0))
	r.Post(authPath+"/logout", wrap(handleLogout, app, hasAuth))
	r.Post(authPath+"/ws-ticket", wrap(handleWSTicket, app, hasAuth))
	r.Get("/ws/{roomID}", wrap(handleWS, app, 0))
	return r
}

// Catch OS interrupts and respond accordingly.
func catchInterrupts() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range c {
			logger.Printf("shutting down: %v", sig)
			os.Exit(0)
		}
	}()
}

func main() {
	// Load configuration from files.
	loadConfig()

	app := &App{logger: logger}
	if err := ko.Unmarshal("app", &app.cfg); err != nil {
		logger.Fatalf("error unmarshalling 'app' config: %v", err)
	}
	if app.cfg.RefreshCookie == "" {
		app.cfg.RefreshCookie = "refresh_token"
	}

	var roomCfg room.Config
	if err := ko.Unmarshal("room", &roomCfg); err != nil {
		logger.Fatalf("error unmarshalling 'room' config: %v", err)
	}
	if roomCfg.MaxRooms < 1 {
		logger.Fatal("room.max_rooms should be >= 1")
	}

	// A password policy that can't generate is a config error. Fail at
	// startup, not on the first room creation.
	if _, err := password.Generate(roomCfg.Password); err != nil {
		logger.Fatalf("invalid room.password policy: %v", err)
	}

	var authCfg auth.Config
	if err := ko.Unmarshal("auth", &authCfg); err != nil {
		logger.Fatalf("error unmarshalling 'auth' config: %v", err)
	}
	if authCfg.Secret == "" {
		logger.Fatal("auth.secret is required")
	}
	if authCfg.AccessTTL <= 0 || authCfg.RefreshTTL <= 0 || authCfg.WSTicketTTL <= 0 {
		logger.Fatal("auth.access_ttl, auth.refresh_ttl and auth.ws_ticket_ttl should be > 0")
	}

	var hubCfg hub.Config
	if err := ko.Unmarshal("hub", &hubCfg); err != nil {
		logger.Fatalf("error unmarshalling 'hub' config: %v", err)
	}

	// Initialize the store and the services on top of it.
	st := initStore()
	app.registry = room.NewRegistry(roomCfg, st, logger)
	app.auth = auth.NewService(authCfg, app.registry, st, logger)
	app.hub = hub.NewHub(&hubCfg, app.registry, logger)

	// Register HTTP routes.
	r := initRoutes(app)

	catchInterrupts()

	// Optionally serve over an onion service as well.
	if app.cfg.Tor {
		go func() {
			if err := serveOnion(app.cfg.TorPKFile, r, logger); err != nil {
				logger.Fatalf("error serving onion service: %v", err)
			}
		}()
	}

	// Start the app.
	srv := &http.Server{
		Addr:    app.cfg.Address,
		Handler: r,
	}
	logger.Printf("starting server on %v", app.cfg.Address)
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatalf("couldn't start server: %v", err)
	}
}
