package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowchat/internal/api"
	"escrowchat/internal/httpserver"
	"escrowchat/internal/milestone"
	"escrowchat/internal/model"
	"escrowchat/internal/payment"
	"escrowchat/internal/room"
	"escrowchat/internal/session"
	"escrowchat/internal/shell"
	"escrowchat/pkg/config"
	"escrowchat/pkg/logger"
	redisclient "escrowchat/pkg/redis"
	"escrowchat/pkg/util"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	env := flag.String("env", config.GetConfigEnv(), "config environment (local, production)")
	configDir := flag.String("config", "config", "config directory")
	chatID := flag.String("chat", "", "conversation to open on start")
	email := flag.String("email", os.Getenv("ESCROW_EMAIL"), "sign in with email (password from ESCROW_PASSWORD)")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*env, *configDir)
	if err != nil {
		// logger 依赖配置，这里只能直接退出
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.NewLogger(cfg.Log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Capture guard: redis when configured, in-process otherwise
	var (
		guard payment.Guard = util.NewMemoryDeduper()
		rdb   *goredis.Client
	)
	if cfg.Redis.Enabled {
		rdb, err = redisclient.NewRedisClient(cfg.Redis, log)
		if err != nil {
			log.Warn("Redis unavailable, capture guard falls back to memory", zap.Error(err))
		} else {
			defer rdb.Close()
			guard = util.NewDeduperWithLogger(rdb, cfg.Redis.GuardTTL, log)
		}
	}

	// Collaborators and session
	client := api.NewClient(cfg.API, log)
	sess := session.NewResolver(client, log)

	user, err := signIn(ctx, sess, cfg.Session.Token, *email)
	if err != nil {
		log.Fatal("Sign in failed", zap.Error(err))
	}

	resolver, err := milestone.ResolverByName(cfg.Milestone.Strategy)
	if err != nil {
		log.Fatal("Invalid milestone strategy", zap.Error(err))
	}

	rooms := room.NewManager(room.Deps{
		API:      client,
		Session:  sess,
		Realtime: cfg.Realtime,
		Resolver: resolver,
		Guard:    guard,
		Logger:   log,
	})
	defer rooms.Close()

	sh := shell.New(client, rooms, *user, os.Stdout, log)

	// Payment return listener
	var ready httpserver.ReadyFunc
	if rdb != nil {
		ready = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	router := httpserver.NewRouter(cfg.Callback, sh, ready, log)
	srv := &http.Server{
		Addr:    cfg.Callback.Port,
		Handler: router.Engine,
	}
	go func() {
		log.Info("Payment return listener starting",
			zap.String("addr", cfg.Callback.Port),
			zap.String("path", cfg.Callback.Path),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Payment return listener failed", zap.Error(err))
		}
	}()

	if err := sh.Run(ctx, os.Stdin, *chatID); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Shell stopped", zap.Error(err))
	}

	// Graceful shutdown
	rooms.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Payment return listener shutdown error", zap.Error(err))
	}
	log.Info("escrowchat exited")
}

// signIn 优先使用已有凭证，否则用邮箱密码登录
func signIn(ctx context.Context, sess *session.Resolver, token, email string) (*model.User, error) {
	if token != "" {
		return sess.SignIn(ctx, token)
	}
	if email != "" {
		return sess.Login(ctx, email, os.Getenv("ESCROW_PASSWORD"))
	}
	return nil, session.ErrUnauthenticated
}
