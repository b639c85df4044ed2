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

	"dealescrow/internal/api"
	"dealescrow/internal/config"
	"dealescrow/internal/engine"
	"dealescrow/internal/ledger"
	"dealescrow/internal/ledger/signer"
	"dealescrow/internal/ledger/stream"
	"dealescrow/internal/ledger/toncenter"
	"dealescrow/internal/logger"
	"dealescrow/internal/storage"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	db, err := storage.InitDB(cfg.Storage.DSN)
	if err != nil {
		logger.WithError(err).Fatal("Не удалось открыть хранилище сделок.")
	}
	defer db.Close()
	repo := storage.NewDealRepo(db)
	repo.SetMutateAttempts(cfg.Engine.MutateAttempts)

	image, err := os.ReadFile(cfg.Ledger.CodePath)
	if err != nil {
		logger.WithError(err).Fatal("Не удалось прочитать образ кода контракта.")
	}
	code, err := ledger.LoadCode(image)
	if err != nil {
		logger.WithError(err).Fatal("Образ кода контракта не разобран.")
	}

	client := toncenter.New(toncenter.Config{
		BaseURL: cfg.Ledger.BaseURL,
		APIKey:  cfg.Ledger.APIKey,
		Timeout: cfg.Ledger.Timeout,
		RPS:     cfg.Ledger.RPS,
	}, logger)
	client.SetObserver(engine.ObserveLedgerRequest)

	sign := signer.New(cfg.Signer.URL, cfg.Signer.Token, cfg.Signer.Timeout, logger)
	eng := engine.New(cfg, code, client, sign, repo, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Ledger.StreamURL != "" {
		ws := stream.New(cfg.Ledger.StreamURL, cfg.Ledger.APIKey, logger)
		if err := ws.Connect(ctx); err != nil {
			logger.WithError(err).Fatal("Не удалось подключиться к потоку леджера.")
		}
		defer ws.Close()
		eng.SetSubscriber(ws)
		go eng.HandleEvents(ctx, ws.Events())
	}

	go func() {
		if err := eng.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Движок эскроу завершился с ошибкой.")
		}
	}()

	errorLog := logger.Writer()
	defer errorLog.Close()

	srv := &http.Server{
		Addr:         cfg.API.Listen,
		Handler:      api.NewRouter(ctx, eng, cfg.Escrow, logger),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		ErrorLog:     log.New(errorLog, "", 0),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP-сервер завершился с ошибкой.")
		}
	}()

	logger.WithFields(map[string]any{"listen": cfg.API.Listen}).Info("Сервис эскроу запущен.")
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP-сервер остановлен с ошибкой.")
	}
	cancel()

	logger.Info("Сервис эскроу остановлен.")
}
