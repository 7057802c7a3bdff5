package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/config"
	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"github.com/MarcoPoloResearchLab/parley/internal/logging"
	"github.com/MarcoPoloResearchLab/parley/internal/push"
	"github.com/MarcoPoloResearchLab/parley/internal/recordstore"
	"github.com/MarcoPoloResearchLab/parley/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the record store HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, recordstore.Schema(), logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		Audience:      appConfig.Auth.Audience,
		TokenTTL:      appConfig.Auth.TokenTTL,
	})
	if err != nil {
		return err
	}

	hub := server.NewNotificationHub()
	var notifier recordstore.Notifier = hub
	var fanout *push.Fanout
	if appConfig.RedisAddress != "" {
		redisClient := push.NewRedisClient(appConfig.RedisAddress, "", 0)
		defer redisClient.Close()
		fanout, err = push.NewFanout(push.Config{
			Transport: push.NewRedisTransport(redisClient, appConfig.RedisChannel),
			Local:     hub,
			Logger:    logger.Named("push"),
		})
		if err != nil {
			return err
		}
		notifier = fanout
	}

	store, err := recordstore.NewService(recordstore.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: recordstore.NewUUIDProvider(),
		Logger:     logger.Named("recordstore"),
		Notifier:   notifier,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:          tokenIssuer,
		Store:           store,
		Hub:             hub,
		Logger:          logger.Named("http"),
		AllowedOrigins:  appConfig.AllowedOrigins,
		BootstrapSecret: appConfig.Auth.BootstrapSecret,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.Bool("redis_fanout", fanout != nil))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if fanout != nil {
		group.Go(func() error {
			return fanout.Run(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
