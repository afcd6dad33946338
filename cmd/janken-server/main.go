package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appcfg "github.com/kapu/janken-rush-go/internal/config"
	"github.com/kapu/janken-rush-go/internal/events"
	"github.com/kapu/janken-rush-go/internal/gateway"
	"github.com/kapu/janken-rush-go/internal/history"
	"github.com/kapu/janken-rush-go/internal/obslog"
	"github.com/kapu/janken-rush-go/internal/room"
	"github.com/kapu/janken-rush-go/internal/wallet"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	opts, err := parseRedisURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("redis connect error: %v", err)
	}
	cancel()

	var repo history.Repository
	if cfg.DatabaseURL != "" {
		repo, err = history.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("history repo init error: %v", err)
		}
	} else {
		obslog.L().Warn("no DATABASE_URL, match history kept in memory")
		repo = history.NewMemoryRepository()
	}

	var wal wallet.Service = wallet.Noop{}
	if cfg.WalletURL != "" {
		wal = wallet.NewClient(cfg.WalletURL)
	} else {
		obslog.L().Warn("no WALLET_URL, currency credits disabled")
	}

	bus := events.NewRedisBus(rdb)
	mgr := room.NewManager(rdb, bus, cfg.RoomTTL())
	srv := gateway.NewServer(mgr, bus, wal, repo, cfg.RefreshInterval(), cfg.ResultDelay(), cfg.MaxRooms)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		obslog.L().Info("server_listen", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Fatal("server_error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.L().Info("server_shutdown")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutCtx)
	_ = repo.Close()
	_ = rdb.Close()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
