package main

import (
	"github.com/MarcoPoloResearchLab/parley/internal/client"
	"github.com/MarcoPoloResearchLab/parley/internal/config"
	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"github.com/MarcoPoloResearchLab/parley/internal/logging"
	"github.com/MarcoPoloResearchLab/parley/internal/remote"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// device bundles the runtime of the local installation with its transport.
type device struct {
	runtime *client.Runtime
	remote  *remote.Client
	logger  *zap.Logger
	close   func()
}

func openDevice() (*device, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(clientConfig.DatabasePath, client.Schema(), logger.Named("database"))
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	closeDatabase := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		_ = logger.Sync()
	}

	remoteClient, err := remote.NewClient(remote.Config{
		BaseURL:        clientConfig.ServerURL,
		Token:          clientConfig.Token,
		RequestTimeout: clientConfig.RequestTimeout,
		Logger:         logger.Named("remote"),
	})
	if err != nil {
		closeDatabase()
		return nil, err
	}

	runtime, err := client.New(client.Config{
		Store:            remoteClient,
		Database:         db,
		Logger:           logger,
		Cooldown:         clientConfig.Cooldown,
		PassTimeout:      clientConfig.PassTimeout,
		SignalingTimeout: clientConfig.SignalingTimeout,
		PeriodicInterval: clientConfig.PeriodicInterval,
		OutboxBaseDelay:  clientConfig.OutboxBaseDelay,
		OutboxMaxDelay:   clientConfig.OutboxMaxDelay,
	})
	if err != nil {
		closeDatabase()
		return nil, err
	}
	return &device{runtime: runtime, remote: remoteClient, logger: logger, close: closeDatabase}, nil
}
