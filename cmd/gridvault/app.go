package main

import (
	"time"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/authors"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/config"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/conflicts"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/database"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/history"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/rollback"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// application holds the wired version-store subsystem shared by every command.
type application struct {
	config      config.AppConfig
	logger      *zap.Logger
	store       *versions.Service
	engine      *history.Engine
	detector    *conflicts.Detector
	coordinator *rollback.Coordinator
	authors     *authors.Service
	closeDB     func() error
}

func openApplication(configViper *viper.Viper) (*application, error) {
	appConfig, err := config.Load(configViper)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	store, err := versions.NewService(versions.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: versions.NewUUIDProvider(),
		Logger:     logger,
		BatchSize:  appConfig.IngestBatchSize,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	engine, err := history.NewEngine(history.EngineConfig{Store: store, CacheSize: appConfig.HistoryCacheSize, Logger: logger})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	detector, err := conflicts.NewDetector(conflicts.DetectorConfig{Store: store, Logger: logger, MaxRetries: appConfig.ConflictMaxRetries})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	coordinator, err := rollback.NewCoordinator(rollback.CoordinatorConfig{Store: store, Engine: engine, Logger: logger})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	directory, err := authors.NewService(authors.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &application{
		config:      appConfig,
		logger:      logger,
		store:       store,
		engine:      engine,
		detector:    detector,
		coordinator: coordinator,
		authors:     directory,
		closeDB:     sqlDB.Close,
	}, nil
}

func (a *application) Close() {
	_ = a.logger.Sync()
	_ = a.closeDB()
}
