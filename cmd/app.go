package cmd

import (
	"context"
	"fmt"

	"github.com/AzielCF/az-publish/core/config"
	coreDB "github.com/AzielCF/az-publish/core/database"
	"github.com/AzielCF/az-publish/infrastructure/platforms"
	"github.com/AzielCF/az-publish/infrastructure/valkey"
	"github.com/AzielCF/az-publish/pkg/crypto"
	"github.com/AzielCF/az-publish/pkg/utils"
	"github.com/AzielCF/az-publish/publishing/application"
	"github.com/AzielCF/az-publish/publishing/media"
	"github.com/AzielCF/az-publish/publishing/receipt"
	"github.com/AzielCF/az-publish/publishing/repository"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// container holds every long-lived component of one process.
type container struct {
	cfg      *config.Config
	db       *gorm.DB
	vk       *valkey.Client
	items    *repository.ContentGormRepository
	creds    *repository.CredentialGormStore
	engine   *application.Engine
	itemSvc  *application.ItemService
	health   *application.HealthService
	serverID string
}

// initStores opens the database and Valkey and migrates the schema. It is all
// the credential commands need.
func initStores(ctx context.Context) (*container, error) {
	cfg := config.Global
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	if err := utils.CreateFolder(cfg.Paths.Storages, cfg.Paths.Media, cfg.Paths.Uploads); err != nil {
		return nil, err
	}

	db, err := coreDB.NewDatabase(cfg)
	if err != nil {
		return nil, err
	}

	cipher, err := crypto.NewTokenCipher(cfg.Security.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("token cipher: %w", err)
	}

	c := &container{
		cfg:      cfg,
		db:       db,
		items:    repository.NewContentGormRepository(db),
		creds:    repository.NewCredentialGormStore(db, cipher),
		serverID: utils.GetPersistentServerID(cfg.App.ServerID, cfg.Paths.Storages),
	}
	if err := c.items.Init(ctx); err != nil {
		return nil, fmt.Errorf("migrate content items: %w", err)
	}
	if err := c.creds.Init(ctx); err != nil {
		return nil, fmt.Errorf("migrate credentials: %w", err)
	}

	if cfg.Database.ValkeyEnabled {
		vk, err := valkey.NewClient(valkey.Config{
			Address:   cfg.Database.ValkeyAddress,
			Password:  cfg.Database.ValkeyPassword,
			DB:        cfg.Database.ValkeyDB,
			KeyPrefix: cfg.Database.ValkeyKeyPrefix,
		})
		if err != nil {
			// Interval scans and the in-memory ledger keep the engine correct without it.
			logrus.WithError(err).Warn("[APP] Valkey unavailable, continuing without wake signals and shared receipts")
		} else {
			c.vk = vk
		}
	}
	return c, nil
}

// initEngine builds the dispatch side on top of the stores.
func (c *container) initEngine() error {
	cfg := c.cfg

	store, err := media.NewFileStore(cfg.Paths.Media, cfg.Media.BaseURL)
	if err != nil {
		return err
	}
	resolver := media.NewResolver(media.Config{
		BaseURL:      cfg.Media.BaseURL,
		UploadDir:    cfg.Paths.Uploads,
		ProbeTimeout: cfg.Media.ProbeTimeout,
		MaxBytes:     cfg.Media.MaxBytes,
	}, store)

	var ledger receipt.Ledger = receipt.NewMemoryLedger(cfg.Engine.ReceiptTTL)
	var signals application.Signaler
	if c.vk != nil {
		ledger = receipt.NewValkeyLedger(c.vk, cfg.Engine.ReceiptTTL)
		signals = c.vk
	}

	coordinator := application.NewCoordinator(c.items, c.creds, platforms.NewRegistry(cfg.Platforms), resolver, ledger,
		application.CoordinatorConfig{
			InstanceID:        c.serverID,
			LeaseDuration:     cfg.Engine.LeaseDuration,
			PublishTimeout:    cfg.Engine.PublishTimeout,
			TargetConcurrency: cfg.Engine.TargetConcurrency,
			FollowUpPasses:    cfg.Engine.FollowUpPasses,
			FollowUpDelay:     cfg.Engine.FollowUpDelay,
			Policy: application.RetryPolicy{
				BaseDelay:   cfg.Engine.RetryBaseDelay,
				MaxDelay:    cfg.Engine.RetryMaxDelay,
				MaxAttempts: cfg.Engine.RetryMaxAttempts,
				Jitter:      cfg.Engine.RetryJitter,
			},
		})

	c.engine = application.NewEngine(
		application.NewScanner(c.items, cfg.Engine.ScanBatchSize),
		coordinator,
		signals,
		application.EngineConfig{
			ScanInterval: cfg.Engine.ScanInterval,
			Workers:      cfg.Engine.Workers,
			QueueSize:    cfg.Engine.QueueSize,
		},
	)
	c.itemSvc = application.NewItemService(c.items, c.engine)

	var vkPinger application.Pinger
	if c.vk != nil {
		vkPinger = c.vk
	}
	c.health = application.NewHealthService(application.PingerFunc(func(ctx context.Context) error {
		sqlDB, err := c.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}), vkPinger, c.creds)

	logrus.Infof("[APP] Engine ready on %s (workers=%d, scan every %s)", c.serverID, cfg.Engine.Workers, cfg.Engine.ScanInterval)
	return nil
}

// Close stops the engine, then releases Valkey and the database.
func (c *container) Close() {
	logrus.Info("[APP] Stopping application...")
	if c.engine != nil {
		c.engine.Stop()
	}
	if c.vk != nil {
		c.vk.Close()
	}
	if sqlDB, err := c.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logrus.Info("[APP] Application stopped cleanly.")
}
