package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kapu/banchess-server/internal/clock"
	appcfg "github.com/kapu/banchess-server/internal/config"
	"github.com/kapu/banchess-server/internal/game"
	"github.com/kapu/banchess-server/internal/hub"
	"github.com/kapu/banchess-server/internal/lobby"
	"github.com/kapu/banchess-server/internal/obslog"
	"github.com/kapu/banchess-server/internal/oracle/banchess"
	"github.com/kapu/banchess-server/internal/persist"
	"github.com/kapu/banchess-server/internal/session"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	store, err := session.NewStoreFromURL(cfg.RedisURL, time.Duration(cfg.SessionTTLSec)*time.Second)
	if err != nil {
		obslog.L().Fatal("session store init error", zap.Error(err))
	}
	defer store.Close()

	repo, err := persist.NewRepository(cfg.DatabaseURL)
	if err != nil {
		obslog.L().Fatal("durable repository init error", zap.Error(err))
	}
	defer repo.Close()

	orc := banchess.New()
	clocks := clock.NewScheduler(store,
		time.Duration(cfg.TickMs)*time.Millisecond,
		clock.WithFreezeOnRestart(cfg.FreezeClocksOnRestart),
	)
	games := game.NewManager(store, orc, clocks)
	resolver := persist.NewService(store, repo, time.Duration(cfg.SoloGraceSec)*time.Second)
	games.AttachPersister(resolver)
	clocks.SetTimeoutFunc(games.HandleTimeout)

	lobbies := lobby.NewManager(store.Client(), games)
	h := hub.New(games, resolver, time.Duration(cfg.ClockBroadcastSec)*time.Second)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := clocks.RecoverActive(rootCtx); err != nil {
		obslog.L().Warn("clock recovery error", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.Routes(lobbies, cfg.DefaultTimeControl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		err := clocks.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := h.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		obslog.L().Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		obslog.L().Info("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		clocks.Shutdown()
		return srv.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil {
		obslog.L().Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	obslog.L().Info("bye")
}
