// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/callbridgehq/callbridge/internal/authapi"
	"github.com/callbridgehq/callbridge/internal/calling"
	"github.com/callbridgehq/callbridge/internal/chat"
	"github.com/callbridgehq/callbridge/internal/config"
	"github.com/callbridgehq/callbridge/internal/graph"
	"github.com/callbridgehq/callbridge/internal/host"
	"github.com/callbridgehq/callbridge/internal/identity"
	"github.com/callbridgehq/callbridge/internal/realtime"
	"github.com/callbridgehq/callbridge/internal/session"
	"github.com/callbridgehq/callbridge/internal/storage"
)

var log = logging.Logger("main")

var (
	configPath  = flag.String("config", "config.json", "Path to config file")
	showVersion = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("callbridge v%s\n", appVersion)
		return
	}

	cfg, created, err := config.Ensure(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if created {
		log.Infof("wrote default config to %s", *configPath)
	}
	applyLogLevel(cfg.Logging.Level)

	// Hot-reload only applies the log level; endpoint changes need a restart.
	stopWatch, err := config.Watch(*configPath, func(next config.Config) {
		applyLogLevel(next.Logging.Level)
	})
	if err != nil {
		log.Warnf("config watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	var store *storage.Store
	if cfg.Paths.DataDir != "" {
		store, err = storage.Open(cfg.Paths.DataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "storage: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	auth := authapi.NewClient(cfg.Endpoints.AuthAPIURL)
	manager := session.NewManager()
	defer manager.Close()

	// SDK shims connect to /sdk and park here until a page handshake
	// claims one as the call backend.
	bridges := make(chan *calling.Bridge, 4)
	sdkUpgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	provision := func(ctx context.Context, req host.ProvisionRequest) (host.Provisioned, error) {
		creds, err := auth.GenerateToken(ctx, req.RepID)
		if err != nil {
			return host.Provisioned{}, fmt.Errorf("token exchange: %w", err)
		}

		var backend *calling.Bridge
		select {
		case backend = <-bridges:
		case <-ctx.Done():
			return host.Provisioned{}, errors.New("no calling backend connected")
		}

		var gc *graph.Client
		if cfg.Endpoints.GraphAPIURL != "" {
			gc = graph.NewClient(cfg.Endpoints.GraphAPIURL, creds.TokenSource())
		}

		var cm *chat.Manager
		var rt *realtime.Channel
		if gc != nil {
			cm = chat.New(chat.Config{
				API:        gc,
				Store:      store,
				ChatID:     req.ChatID,
				SelfUserID: creds.UserID,
				BufferSize: cfg.Chat.BufferSize,
			})
			go func() {
				fetchCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := cm.Refetch(fetchCtx); err != nil {
					log.Warnf("initial chat fetch: %v", err)
				}
			}()

			if cfg.Endpoints.RealtimeURL != "" {
				if err := auth.CreateChatSubscription(ctx, creds.AccessToken, req.ChatID); err != nil {
					log.Warnf("chat subscription: %v", err)
				}
				header := http.Header{"Authorization": {"Bearer " + creds.AccessToken}}
				rt = realtime.Connect(cfg.Endpoints.RealtimeURL, header)
				events, _ := rt.Subscribe()
				go cm.Watch(events)
			}
		}

		onTerminated := func() {
			if rt != nil {
				rt.Close()
			}
			if cm != nil {
				cm.Close()
				cm.Purge()
			}
			req.OnTerminated()
		}

		sessCfg := session.Config{
			Backend:      backend,
			Self:         identity.CommunicationUser(creds.CommunicationUserID),
			OnTerminated: onTerminated,
		}
		if gc != nil {
			sessCfg.Directory = gc.MemberLookup(req.ChatID)
		}

		sess, err := manager.Create(req.ConnID, sessCfg)
		if err != nil {
			onTerminated()
			return host.Provisioned{}, err
		}
		return host.Provisioned{Session: sess, Chat: cm}, nil
	}

	bridge := host.NewServer(provision)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", bridge.HandleWS)
	mux.HandleFunc("/sdk", func(w http.ResponseWriter, r *http.Request) {
		conn, err := sdkUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("sdk upgrade failed: %v", err)
			return
		}
		select {
		case bridges <- calling.NewBridge(conn):
			log.Infof("calling backend connected from %s", r.RemoteAddr)
		default:
			log.Warnf("rejecting extra calling backend from %s", r.RemoteAddr)
			conn.Close()
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:    cfg.Server.BindAddr,
		Handler: mux,
	}

	go func() {
		log.Infof("callbridge v%s listening on %s", appVersion, cfg.Server.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "server: %v\n", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infof("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
}

func applyLogLevel(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("unknown log level %q, keeping current", level)
		return
	}
	logging.SetAllLoggers(lvl)
}
