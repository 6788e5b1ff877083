package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/auth"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/config"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/directory"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/media"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/transport"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/webrtcpeer"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code so deferred cleanup completes before
// main exits.
func run(args []string) int {
	// A missing .env is the normal case outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		return 2
	}

	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	// ICE sockets are only opened once a call creates a peer connection.
	api, err := webrtcpeer.NewAPI(cfg, logger.With("component", "webrtc"))
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, token, err := resolveCredentials(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to authenticate", "err", err)
		return 2
	}
	selfID, err := resolveSelfID(ctx, cfg, token, dir)
	if err != nil {
		logger.Error("failed to determine local participant id", "err", err)
		return 2
	}

	logger.Info("starting livelink-session",
		"server_url", cfg.ServerURL,
		"api_url", cfg.APIURL,
		"self_id", selfID,
		"mode", cfg.Mode,
		"auth_forward_mode", cfg.AuthForwardMode,
		"token", auth.Redact(token),
		"listen_addr", cfg.ListenAddr,
		"ring_timeout", cfg.RingTimeout,
		"reconnect_interval", cfg.ReconnectInterval,
		"ice_servers", len(cfg.ICEServers),
	)
	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	coord, err := coordinator.New(coordinator.Config{
		Transport:         transport.OptionsFromConfig(cfg, token),
		SelfID:            selfID,
		Media:             &media.SyntheticSource{FrameInterval: syntheticFrameInterval},
		NewNegotiator:     coordinator.PeerNegotiators(webrtcpeer.NewFactory(api, cfg.ICEServers, logger)),
		Directory:         dir,
		RingTimeout:       cfg.RingTimeout,
		TypingIdleTimeout: cfg.TypingIdleTimeout,
		ReconnectInterval: cfg.ReconnectInterval,
		Logger:            logger,
		Metrics:           m,
	})
	if err != nil {
		logger.Error("failed to build session", "err", err)
		return 2
	}
	defer coord.Close()

	if _, err := coord.Connect(ctx); err != nil {
		if transport.IsUnauthorized(err) || cfg.ReconnectInterval <= 0 {
			logger.Error("failed to connect to relay", "err", err)
			return 1
		}
		logger.Warn("relay unavailable; retrying in the background", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.ListenAddr != "" {
		srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime), httpserver.Source{
			State:   func() any { return coord.Snapshot() },
			Ready:   func() error { return messagesReady(coord.Channel()) },
			Metrics: m,
		})
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			return 1
		}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown failed", "err", err)
			}
			return nil
		})
	}

	con := newConsole(coord, os.Stdout)
	unsubscribe := coord.Subscribe(con.Render)
	defer unsubscribe()
	g.Go(func() error {
		if err := con.Run(gctx, os.Stdin); err != nil {
			logger.Warn("console input closed", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("session exited", "err", err)
		return 1
	}
	return 0
}

const syntheticFrameInterval = 20 * time.Millisecond

// resolveCredentials returns the bearer token and, when the REST API is
// usable, a directory client sharing it. A password login runs only when
// no token is configured.
func resolveCredentials(ctx context.Context, cfg config.Config, logger *slog.Logger) (*directory.Client, string, error) {
	token := cfg.Token
	if token == "" && cfg.Username == "" {
		return nil, "", nil
	}
	dir := directory.NewClient(cfg.APIURL, token)
	dir.Logger = logger.With("component", "directory")
	if token == "" {
		var err error
		token, err = dir.Login(ctx, cfg.Username, cfg.Password)
		if err != nil {
			return nil, "", fmt.Errorf("login as %q: %w", cfg.Username, err)
		}
	}
	return dir, token, nil
}

func resolveSelfID(ctx context.Context, cfg config.Config, token string, dir *directory.Client) (string, error) {
	if cfg.SelfID != "" {
		return cfg.SelfID, nil
	}
	if token == "" {
		return "", fmt.Errorf("%s is required when no credential is configured", config.EnvSelfID)
	}
	id, err := auth.SubjectFromToken(token)
	if err == nil {
		return id, nil
	}
	if dir == nil {
		return "", err
	}
	me, meErr := dir.Me(ctx)
	if meErr != nil {
		return "", errors.Join(err, meErr)
	}
	if me.ID == "" {
		return "", err
	}
	return me.ID, nil
}

func messagesReady(ch *transport.Channel) error {
	if !ch.Connected(transport.NamespaceMessages) {
		return errors.New("messages namespace disconnected")
	}
	return nil
}
