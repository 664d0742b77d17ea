package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opscrm/chatsync/internal/auth"
	"github.com/opscrm/chatsync/internal/channel"
	"github.com/opscrm/chatsync/internal/config"
	"github.com/opscrm/chatsync/internal/engine"
	"github.com/opscrm/chatsync/internal/logger"
	"github.com/opscrm/chatsync/internal/metrics"
	"github.com/opscrm/chatsync/internal/model"
	"github.com/opscrm/chatsync/internal/rest"
	"github.com/opscrm/chatsync/internal/unread"
	"github.com/opscrm/chatsync/internal/window"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	userID := flag.String("user", "", "user id for this session")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	lg, err := logger.New(logger.Config{Development: cfg.Env != "production"})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer lg.Sync()

	token := cfg.Auth.Token
	if env := os.Getenv("CHATSYNC_TOKEN"); env != "" {
		token = env
	}
	if token == "" {
		lg.Fatal("no access token: set auth.token or CHATSYNC_TOKEN")
	}
	tokens := auth.NewSource(token, nil)

	// cross-tab window state via redis when configured; a per-process
	// store otherwise
	var store window.SharedStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			lg.Fatalw("redis ping", "err", err)
		}
		cancel()
		defer rdb.Close()
		store = window.NewRedisStore(rdb, cfg.Redis.Prefix)
	} else {
		store = window.NewMemoryStore()
	}

	eng := engine.New(engine.Config{
		UserID: *userID,
		ChatHub: channel.Config{
			Name:          "chat",
			URL:           cfg.Hub.ChatURL,
			Handshake:     cfg.Handshake,
			WriteDeadline: cfg.WriteDeadline,
			PingInterval:  cfg.PingInterval,
			InvokeTimeout: cfg.InvokeTimeout,
			MaxAttempts:   cfg.Hub.MaxReconnectAttempts,
		},
		OperatorHub: channel.Config{
			Name:          "operator",
			URL:           cfg.Hub.OperatorURL,
			Handshake:     cfg.Handshake,
			WriteDeadline: cfg.WriteDeadline,
			PingInterval:  cfg.PingInterval,
			InvokeTimeout: cfg.InvokeTimeout,
			MaxAttempts:   cfg.Hub.MaxReconnectAttempts,
		},
		API: rest.Config{
			BaseURL:            cfg.API.BaseURL,
			Timeout:            cfg.APITimeout,
			RetryMaxElapsed:    cfg.APIRetryElapsed,
			RateLimitPerMinute: cfg.API.RateLimitPerMinute,
		},
		MaxOpenWindows:  cfg.Chat.MaxOpenWindows,
		TypingDebounce:  cfg.TypingDebounce,
		TypingExpiry:    cfg.TypingExpiry,
		HistoryPageSize: cfg.Chat.HistoryPageSize,
	}, tokens, store, lg)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		lg.Fatalw("engine start", "err", err)
	}

	if cfg.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			addr := fmt.Sprintf(":%d", cfg.MetricsPort)
			lg.Infow("metrics listening", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				lg.Warnw("metrics server", "err", err)
			}
		}()
	}

	eng.Conversations().Subscribe(func(convs []model.Conversation) {
		lg.Infow("conversation list updated", "count", len(convs))
	})
	eng.UnreadTotals().Subscribe(func(t unread.Totals) {
		lg.Infow("unread changed", "total", t.Total)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	lg.Infow("signal received, shutting down", "signal", s.String())
	eng.Stop()
}
