// Package main запускает HTTP-сервер сервиса столовой кампуса.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/canteen-system/internal/config"
	"github.com/mmeshcher/canteen-system/internal/handler"
	"github.com/mmeshcher/canteen-system/internal/identity"
	"github.com/mmeshcher/canteen-system/internal/middleware"
	"github.com/mmeshcher/canteen-system/internal/razorpay"
	"github.com/mmeshcher/canteen-system/internal/repository"
	"github.com/mmeshcher/canteen-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	payments := razorpay.NewClient(cfg.RazorpayAddress, cfg.RazorpayKeyID, cfg.RazorpayKeySecret)
	verifier := identity.NewJWTVerifier(cfg.AuthSecret)

	svc := service.NewService(repo, payments, logger, cfg.ReadyRetention, cfg.CleanupInterval)

	authMiddleware := middleware.NewAuthMiddleware(verifier, repo)
	h := handler.NewHandler(svc, verifier, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой уборки залежавшихся готовых заказов
	g.Go(func() error {
		svc.StartCleanupSweep(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting canteen server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
