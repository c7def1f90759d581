// notisyncd keeps a local notification collection synchronized with the
// marketplace backend: realtime push over a websocket channel, periodic
// snapshot reconciliation, pessimistic mutations, and an advisory durable
// mirror. A small HTTP control API on loopback exposes the collection to UI
// processes.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hireloop/notisync/internal/backend"
	"github.com/hireloop/notisync/internal/config"
	"github.com/hireloop/notisync/internal/credential"
	"github.com/hireloop/notisync/internal/ctlapi"
	"github.com/hireloop/notisync/internal/mirror"
	"github.com/hireloop/notisync/internal/notify"
	"github.com/hireloop/notisync/internal/realtime"
	"github.com/hireloop/notisync/internal/syncer"
)

func main() {
	log := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	baseURL := flag.String("base-url", cfg.APIBaseURL, "notification API base URL")
	realtimeURL := flag.String("realtime-url", cfg.RealtimeURL, "realtime websocket URL")
	listenAddr := flag.String("listen", cfg.ListenAddr, "control API listen address")
	tokenFile := flag.String("token-file", cfg.TokenFile, "path of the bearer token file")
	mirrorBackend := flag.String("mirror", cfg.MirrorBackend, "mirror backend: file, postgres, redis, none")
	once := flag.Bool("once", false, "reconcile once and exit")
	flag.Parse()
	cfg.APIBaseURL = *baseURL
	cfg.RealtimeURL = *realtimeURL
	cfg.ListenAddr = *listenAddr
	cfg.TokenFile = *tokenFile
	cfg.MirrorBackend = *mirrorBackend

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	creds, credsCloser, err := buildCredentialProvider(cfg, log)
	if err != nil {
		log.Fatalf("initializing credential provider: %v", err)
	}
	if credsCloser != nil {
		defer func() { _ = credsCloser() }()
	}

	store := notify.NewStore()

	normalizer, err := notify.NewNormalizer()
	if err != nil {
		log.Fatalf("compiling event schemas: %v", err)
	}

	mirrorBack, err := buildMirrorBackend(cfg)
	if err != nil {
		log.Fatalf("initializing mirror backend: %v", err)
	}

	client := backend.NewClient(cfg.APIBaseURL, creds, &http.Client{Timeout: cfg.RequestTimeout})
	scheduler := syncer.NewScheduler(client, store, syncer.SchedulerOptions{
		Interval:     cfg.SyncInterval,
		Jitter:       cfg.SyncJitter,
		FetchTimeout: cfg.RequestTimeout,
		Logger:       log,
	})
	coordinator := syncer.NewCoordinator(client, store, cfg.RequestTimeout, log)
	dispatcher := syncer.NewDispatcher(store, normalizer, log)

	channel := realtime.NewManager(realtime.Options{
		URL:         cfg.RealtimeURL,
		Credentials: creds,
		MaxAttempts: cfg.MaxReconnectAttempts,
		BaseDelay:   cfg.ReconnectBaseDelay,
		Logger:      log,
	})
	channel.OnEvent(dispatcher.HandleEvent)
	channel.OnStatus(func(status realtime.Status) {
		log.WithField("component", "realtime").Infof("channel %s", status)
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		if err := scheduler.ReconcileOnce(rootCtx); err != nil {
			log.Fatalf("reconciliation failed: %v", err)
		}
		log.Infof("reconciled %d notifications (%d unread)", store.Len(), store.UnreadCount())
		return
	}

	var m *mirror.Mirror
	if mirrorBack != nil {
		m = mirror.New(mirrorBack, store, log)
		m.Rehydrate()
		m.Attach()
		defer func() { _ = m.Close() }()
		log.Infof("mirror rehydrated %d notifications", store.Len())
	}

	channel.Connect()
	defer channel.Disconnect()
	scheduler.Start(rootCtx)
	defer scheduler.Stop()

	api := ctlapi.NewServer(store, coordinator, scheduler, channel, log)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("control API listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("control API stopped: %v", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

// buildCredentialProvider picks the credential source: an explicit token wins,
// then a watched token file, then the OS keyring. The returned closer is nil
// when the provider holds no resources.
func buildCredentialProvider(cfg config.Config, log *logrus.Logger) (credential.Provider, func() error, error) {
	if strings.TrimSpace(cfg.Token) != "" {
		return credential.Static{Token: cfg.Token}, nil, nil
	}
	if strings.TrimSpace(cfg.TokenFile) != "" {
		provider, err := credential.NewFileProvider(cfg.TokenFile, log)
		if err != nil {
			return nil, nil, err
		}
		return provider, provider.Close, nil
	}
	return credential.NewKeyringProvider(cfg.KeyringService, cfg.KeyringKey), nil, nil
}

func buildMirrorBackend(cfg config.Config) (mirror.Backend, error) {
	switch cfg.MirrorBackend {
	case "none":
		return nil, nil
	case "file":
		return mirror.NewJSONFileBackend(cfg.MirrorFile), nil
	case "postgres":
		return mirror.NewPostgresBackend(cfg.PostgresDSN)
	case "redis":
		return mirror.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), nil
	default:
		return nil, errors.New("unknown mirror backend " + cfg.MirrorBackend)
	}
}
