package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marcellomaugeri/PolyMirror.AI/internal/admission"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/chain"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/config"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/ingest"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/ledger"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/pricing"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/provider"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/redeemer"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/store"
	"github.com/marcellomaugeri/PolyMirror.AI/internal/voucher"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain client (owner key + ABI binding) ────────────────────────────────
	onchain, err := chain.NewClient(cfg)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}

	// ── Core components ───────────────────────────────────────────────────────
	prices := pricing.NewTable(cfg.Pricing.USDCentsPerPOL)
	ldg := ledger.New(rdb, log)
	st := store.New(rdb)

	authority := voucher.NewAuthority(rdb, onchain, onchain.ChainID(), onchain.ContractAddress(), log)

	chat, err := provider.NewClient(cfg.Provider)
	if err != nil {
		log.Fatal("provider client init failed", zap.Error(err))
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	go ingest.New(rdb, onchain, ldg, log).Run(ctx)
	go redeemer.New(st, ldg, onchain, cfg.Redeemer, log).Run(ctx)
	go runReservationSweep(ctx, ldg, cfg.Redeemer.StaleReservationSec, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	admission.NewHandler(authority, ldg, prices, chat, st, log).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// runReservationSweep releases reservations abandoned by a crash between
// reserve and reconcile, on a fraction of the stale bound so a stuck hold
// never outlives two sweep periods.
func runReservationSweep(ctx context.Context, ldg *ledger.Ledger, staleSec int64, log *zap.Logger) {
	maxAge := time.Duration(staleSec) * time.Second
	ticker := time.NewTicker(maxAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := ldg.SweepStaleReservations(ctx, maxAge)
			if err != nil {
				log.Error("reservation sweep failed", zap.Error(err))
			} else if swept > 0 {
				log.Warn("released stale reservations", zap.Int("count", swept))
			}
		}
	}
}
