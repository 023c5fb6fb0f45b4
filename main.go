package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/katulong/katulong/internal/access"
	"github.com/katulong/katulong/internal/auth"
	"github.com/katulong/katulong/internal/config"
	"github.com/katulong/katulong/internal/crypto"
	"github.com/katulong/katulong/internal/daemon"
	"github.com/katulong/katulong/internal/daemonclient"
	"github.com/katulong/katulong/internal/handlers"
	"github.com/katulong/katulong/internal/logging"
	"github.com/katulong/katulong/internal/middleware"
	"github.com/katulong/katulong/internal/sshd"
	"github.com/katulong/katulong/internal/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: katulong [command]

Commands:
  serve                         run the relay and SSH server (default)
  daemon start|stop|status|run  manage the PTY daemon
  version                       print the version
`)
}

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		fs := flag.NewFlagSet("serve", flag.ExitOnError)
		fs.Parse(args)
		runServe()
	case "daemon":
		runDaemonCommand(args)
	case "version":
		fmt.Printf("katulong %s\n", Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
}

func runDaemonCommand(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: katulong daemon start|stop|status|run")
		os.Exit(2)
	}
	sub := args[0]
	fs := flag.NewFlagSet("daemon "+sub, flag.ExitOnError)
	fs.Parse(args[1:])

	config.Load()
	cfg := config.Cfg

	switch sub {
	case "start":
		if err := daemon.Start(cfg.SocketPath, cfg.DataDir); err != nil {
			log.Fatalf("daemon start: %v", err)
		}
	case "stop":
		if err := daemon.Stop(cfg.SocketPath, cfg.DataDir); err != nil {
			log.Fatalf("daemon stop: %v", err)
		}
	case "status":
		pid, alive := daemon.Status(cfg.DataDir)
		if !alive {
			fmt.Println("Daemon not running")
			os.Exit(1)
		}
		fmt.Printf("Daemon running (pid %d)\n", pid)
	case "run":
		logging.Init()
		if err := daemon.Run(cfg.SocketPath, cfg.DataDir, cfg.Shell); err != nil {
			log.Fatalf("daemon run: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown daemon command %q\n\nUsage: katulong daemon start|stop|status|run\n", sub)
		os.Exit(2)
	}
}

func runServe() {
	config.Load()
	logging.Init()
	cfg := config.Cfg

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pidFile := filepath.Join(cfg.DataDir, "katulong.pid")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		log.Printf("WARNING: write pid file: %v", err)
	}

	// The daemon outlives the relay so PTY sessions survive restarts.
	// Spawn one when the socket is dead; never replace a live one.
	if !daemon.Probe(cfg.SocketPath) {
		log.Printf("no daemon on %s, starting one", cfg.SocketPath)
		if err := daemon.Start(cfg.SocketPath, cfg.DataDir); err != nil {
			log.Printf("WARNING: daemon start failed: %v", err)
		}
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("store init: %v", err)
	}
	lockout := store.NewLockout()
	go lockout.Sweep(ctx)

	ks, err := crypto.NewKeystore(filepath.Join(cfg.DataDir, "tls"))
	if err != nil {
		log.Fatalf("keystore init: %v", err)
	}
	certs, err := crypto.NewManager(ks)
	if err != nil {
		log.Fatalf("certificate init: %v", err)
	}

	authSvc := auth.NewService(st, lockout, cfg.SetupToken)

	// Two daemon connections: the daemon fans broadcasts out to every
	// socket, so the relay hub and the SSH server each get their own.
	relayDaemon := daemonclient.New(cfg.SocketPath)
	relayDaemon.OnReconnect(handlers.Terminals.ReattachAll)
	sshDaemon := daemonclient.New(cfg.SocketPath)
	go relayDaemon.Run(ctx)
	go sshDaemon.Run(ctx)

	handlers.Store = st
	handlers.Auth = authSvc
	handlers.Daemon = relayDaemon
	handlers.Certs = certs
	handlers.UploadsDir = filepath.Join(cfg.DataDir, "uploads")

	go handlers.Terminals.Run(ctx)

	sshSrv, err := sshd.New(sshd.Config{
		Addr:     ":" + strconv.Itoa(cfg.SSHPort),
		Password: cfg.SSHPassword,
		Fallback: cfg.SetupToken,
		Keystore: ks,
		Daemon:   sshDaemon,
		Lockout:  lockout,
	})
	if err != nil {
		log.Fatalf("ssh init: %v", err)
	}
	go func() {
		if err := sshSrv.ListenAndServe(ctx); err != nil {
			log.Fatalf("ssh server: %v", err)
		}
	}()

	maintenance := cron.New()
	maintenance.AddFunc("@every 15m", func() {
		if n, err := st.PurgeExpiredSessions(); err != nil {
			log.Printf("session purge: %v", err)
		} else if n > 0 {
			log.Printf("purged %d expired login sessions", n)
		}
		authSvc.SweepExpired()
		if err := certs.EnsureServerCert(); err != nil {
			log.Printf("certificate renewal: %v", err)
		}
	})
	maintenance.Start()

	r := newRouter(cfg, st)

	httpSrv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: r,
	}
	httpsSrv := &http.Server{
		Addr:      ":" + strconv.Itoa(cfg.HTTPSPort),
		Handler:   r,
		TLSConfig: certs.TLSConfig(),
	}

	go func() {
		log.Printf("http listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()
	go func() {
		log.Printf("https listening on %s", httpsSrv.Addr)
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Fatalf("https server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	handlers.SetDraining()
	handlers.Terminals.CloseAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := httpsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("https shutdown: %v", err)
	}

	maintenance.Stop()
	sshSrv.Close()
	daemon.RemovePidIfOurs(pidFile)
	log.Println("server stopped")
}

func newRouter(cfg config.Settings, st *store.Store) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.WithTier(access.Detector{NoAuth: cfg.NoAuth}))

	// Reachable before any credential exists.
	r.Get("/health", handlers.Health)
	r.Get("/connect/info", handlers.ConnectInfo)
	r.Get("/connect/trust", handlers.ConnectTrust)

	// The terminal socket guards itself: tier check, Origin check and
	// cookie validation happen before the upgrade.
	r.Get("/ws", handlers.TerminalWS)

	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.MaxBody(1 << 20))

		r.Get("/status", handlers.AuthStatus)
		r.Post("/register/options", handlers.RegisterOptions)
		r.Post("/register/verify", handlers.RegisterVerify)
		r.Post("/login/options", handlers.LoginOptions)
		r.Post("/login/verify", handlers.LoginVerify)
		r.Post("/logout", handlers.Logout)

		// The new device calls verify with only the code and PIN; the
		// trusted device starting the pairing must be logged in.
		r.Post("/pair/verify", handlers.PairVerify)
		r.Get("/pair/status/{code}", handlers.PairStatus)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(st))
			r.Use(middleware.RequireCSRF)
			r.Post("/pair/start", handlers.PairStart)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(st))
		r.Use(middleware.RequireCSRF)

		r.Get("/api/credentials", handlers.ListCredentials)
		r.Patch("/api/credentials/{id}", handlers.RenameCredential)
		r.Delete("/api/credentials/{id}", handlers.DeleteCredential)

		r.Get("/api/tokens", handlers.ListSetupTokens)
		r.Post("/api/tokens", handlers.CreateSetupToken)
		r.Patch("/api/tokens/{id}", handlers.RenameSetupToken)
		r.Delete("/api/tokens/{id}", handlers.DeleteSetupToken)

		r.Get("/api/config", handlers.GetInstanceConfig)
		r.Put("/api/config/{field}", handlers.UpdateInstanceConfig)

		r.Get("/api/logs", handlers.ServerLogs)
		r.Delete("/api/logs", handlers.ClearServerLogs)
		r.Get("/ssh/password", handlers.SSHPassword)

		r.Get("/sessions", handlers.ListSessions)
		r.Post("/sessions", handlers.CreateSession)
		r.Put("/sessions/{name}", handlers.RenameSession)
		r.Delete("/sessions/{name}", handlers.DeleteSession)

		r.Get("/shortcuts", handlers.GetShortcuts)
		r.Put("/shortcuts", handlers.PutShortcuts)

		r.With(middleware.MaxBody(10 << 20)).Post("/upload", handlers.Upload)
		r.Get("/uploads/{name}", handlers.ServeUpload)
	})

	// Everything else is the web UI.
	static := middleware.NewStatic(cfg.PublicDir)
	r.NotFound(static.ServeHTTP)

	return r
}
