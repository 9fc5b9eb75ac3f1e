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

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"directline/internal/config"
	"directline/internal/database"
	"directline/internal/handler"
	"directline/internal/logging"
	"directline/internal/messaging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// .envファイルを読み込み
	envErr := godotenv.Load()

	// 環境変数を読み込み
	cfg := config.Load()

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		logrus.WithError(err).Fatal("Invalid logging configuration")
	}
	if envErr != nil {
		logrus.WithError(envErr).Warn(".env file not found, using environment and defaults")
	}

	// データベース接続を初期化
	db, err := database.Init(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := messaging.New(db, messaging.Options{
		MaxTextLength:     cfg.MaxTextLength,
		PresenceQueueSize: cfg.PresenceQueueSize,
	})

	// プレゼンス配信ワーカーを開始
	go svc.RunPresence(ctx)

	h := handler.New(svc, cfg)
	router := h.SetupRouter()

	// CORS対応
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", cfg.IdentityHeader},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Println("========================================")
	fmt.Println("  Directline Messaging Server")
	fmt.Println("========================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Server: http://localhost:%s\n", cfg.ServerPort)
	fmt.Printf("  WebSocket: ws://localhost:%s/ws\n", cfg.ServerPort)
	fmt.Printf("  Database: %s\n", cfg.DBDriver)
	fmt.Printf("  Allowed Origins: %v\n", cfg.AllowedOrigins)
	fmt.Println("========================================")

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", srv.Addr).Info("Server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logrus.WithError(err).Fatal("Server failed")
		}
	case <-ctx.Done():
	}

	logrus.Info("Shutting down")

	// WebSocket はハイジャック済みなので Shutdown では閉じられない
	svc.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Graceful shutdown failed")
	}
	logrus.Info("Server stopped")
}
