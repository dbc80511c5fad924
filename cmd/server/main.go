package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/suPer8Hu/convoshare/internal/auth"
	"github.com/suPer8Hu/convoshare/internal/config"
	"github.com/suPer8Hu/convoshare/internal/conversation"
	"github.com/suPer8Hu/convoshare/internal/db"
	"github.com/suPer8Hu/convoshare/internal/events"
	"github.com/suPer8Hu/convoshare/internal/httpapi"
	"github.com/suPer8Hu/convoshare/internal/httpapi/handlers"
	"github.com/suPer8Hu/convoshare/internal/logging"
	"github.com/suPer8Hu/convoshare/internal/session"
	"github.com/suPer8Hu/convoshare/internal/store/rabbitmq"
	"github.com/suPer8Hu/convoshare/internal/store/redisstore"
)

func main() {
	var (
		configPath = pflag.String("config", "", "optional YAML config file; environment variables override it")
		addr       = pflag.String("addr", "", "listen address (overrides HTTP_ADDR)")
		dev        = pflag.Bool("dev", false, "human-readable logs; also allows the built-in dev session secret")
	)
	pflag.Parse()

	cfg := config.Load()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			panic(err)
		}
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if err := cfg.CheckSecrets(*dev); err != nil {
		panic(err)
	}

	log, err := logging.New(cfg.LogLevel, *dev)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
	}

	// identity
	keys := auth.NewKeyCache(cfg.GoogleCertsURL, cfg.KeyCacheTTL,
		auth.WithFetchTimeout(cfg.KeyFetchTimeout),
		auth.WithLogger(log.Named("keycache")),
	)
	idTokens := auth.NewValidator(keys, cfg.GoogleClientID, cfg.GoogleIssuer)

	var subjects auth.SubjectCache
	if rds, err := redisstore.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
		log.Warn("redis unavailable, access tokens will not be cached", zap.Error(err))
	} else {
		defer func() { _ = rds.Close() }()
		subjects = rds
	}
	accessTokens := auth.NewIntrospector(cfg.GoogleTokenInfoURL, nil, subjects, cfg.IntrospectionCacheTTL, log.Named("introspect"))

	sealer, err := session.NewSealer(cfg.SessionSecret)
	if err != nil {
		return err
	}
	sessions := session.NewManager(sealer, cfg.SessionTTL, session.CookieOptions{
		Name:   cfg.SessionCookieName,
		Secure: cfg.SessionCookieSecure,
	})

	// events
	var publisher events.Publisher = events.Nop{}
	if pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.Warn("rabbitmq unavailable, lifecycle events disabled", zap.Error(err))
	} else {
		defer func() { _ = pub.Close() }()
		publisher = pub
	}

	convs := conversation.NewService(conversation.NewRepo(gdb), cfg.FreeConversationLimit,
		conversation.WithPublisher(publisher),
		conversation.WithLogger(log.Named("conversation")),
	)

	resolver := session.Chain{
		sessions,
		session.BearerResolver(idTokens, log),
		session.HeaderResolver(accessTokens, "X-Access-Token", "", log),
	}
	h := handlers.NewHandler(convs, sessions, idTokens, log)
	router := httpapi.NewRouter(h, resolver, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server started", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("server stopped cleanly")
	return nil
}
