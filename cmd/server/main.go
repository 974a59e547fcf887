package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/kenneth/docvault/internal/audit"
	"github.com/kenneth/docvault/internal/blob"
	"github.com/kenneth/docvault/internal/config"
	"github.com/kenneth/docvault/internal/crypto"
	"github.com/kenneth/docvault/internal/gateway"
	"github.com/kenneth/docvault/internal/kms"
	"github.com/kenneth/docvault/internal/metrics"
	"github.com/kenneth/docvault/internal/store"
	"github.com/kenneth/docvault/internal/token"
	"github.com/kenneth/docvault/internal/tracing"
	"github.com/kenneth/docvault/internal/vault"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Set log level from config
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting document vault")

	// Initialize tracing
	shutdownTracing, err := tracing.Init(context.Background(), cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	// Initialize metrics
	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector()

	// Initialize blob store
	var blobs blob.Store
	switch cfg.Blob.Backend {
	case "s3":
		blobs, err = blob.NewS3(context.Background(), blob.S3Options{
			Bucket:       cfg.Blob.Bucket,
			Region:       cfg.Blob.Region,
			Endpoint:     cfg.Blob.Endpoint,
			AccessKey:    cfg.Blob.AccessKey,
			SecretKey:    cfg.Blob.SecretKey,
			UsePathStyle: cfg.Blob.UsePathStyle,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create S3 blob store")
		}
		logger.WithFields(logrus.Fields{
			"bucket": cfg.Blob.Bucket,
			"region": cfg.Blob.Region,
		}).Info("S3 blob store initialized")
	case "memory":
		blobs = blob.NewMemory()
		logger.Warn("Using in-memory blob store, objects will not survive a restart")
	}

	// Initialize key authority client
	var keys kms.KeyWrapper
	switch cfg.KMS.Mode {
	case "remote":
		keys, err = kms.NewRemote(kms.RemoteOptions{
			Endpoint:    cfg.KMS.Endpoint,
			KeyID:       cfg.KMS.KeyID,
			APIToken:    cfg.KMS.APIToken,
			Timeout:     cfg.KMS.Timeout,
			MaxAttempts: cfg.KMS.MaxAttempts,
			OnRetry:     m.RecordKMSRetry,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create KMS client")
		}
		logger.WithFields(logrus.Fields{
			"endpoint": cfg.KMS.Endpoint,
			"key_id":   cfg.KMS.KeyID,
		}).Info("Remote key authority initialized")
	case "local":
		keys, err = kms.NewLocalFromFile(cfg.KMS.KeyFile)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load local master key")
		}
		logger.Info("Local key wrapper initialized")
	}

	// Initialize envelope cipher
	cipher, err := crypto.NewCipher(cfg.Encryption.PreferredAlgorithm, cfg.Encryption.SupportedAlgorithms)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create envelope cipher")
	}

	// Open the metadata and audit database
	db, err := bbolt.Open(cfg.StorePath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store database")
	}
	defer db.Close()

	st, err := store.New(db)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize metadata store")
	}

	// Initialize audit ledger
	var sinks []audit.Sink
	if cfg.Audit.MirrorToLog {
		sinks = append(sinks, audit.NewLogSink(logger))
	}
	ledger, err := audit.NewLedger(db, audit.Options{
		Logger:              logger,
		Sinks:               sinks,
		ComplianceFloorDays: cfg.Audit.RetentionFloorDays,
		CleanupBatchSize:    cfg.Audit.CleanupBatchSize,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize audit ledger")
	}

	// Initialize token issuer
	secret, err := cfg.TokenSecret()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load token secret")
	}
	issuer, err := token.NewIssuer(secret, cfg.Tokens.Issuer)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create token issuer")
	}

	// Initialize vault service
	svc, err := vault.NewService(vault.Options{
		Cipher:              cipher,
		Keys:                keys,
		Store:               st,
		Blobs:               blobs,
		Ledger:              ledger,
		Tokens:              issuer,
		Metrics:             m,
		Logger:              logger,
		MaxObjectSize:       cfg.Upload.MaxObjectSize,
		AllowedContentTypes: cfg.Upload.AllowedContentTypes,
		DataClassification:  cfg.Audit.DataClassification,
		RetentionDays:       cfg.Audit.RetentionDays,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create vault service")
	}

	// Watch the config file for reloadable settings
	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start config reloader")
	}
	defer reloader.Stop()
	reloader.SetOnReloadCallback(func(old, new *config.Config) error {
		if old.LogLevel != new.LogLevel {
			level, err := logrus.ParseLevel(new.LogLevel)
			if err != nil {
				return err
			}
			logger.SetLevel(level)
			logger.WithField("level", new.LogLevel).Info("Log level updated")
		}
		if old.Audit.RetentionFloorDays != new.Audit.RetentionFloorDays {
			ledger.SetComplianceFloor(new.Audit.RetentionFloorDays)
			logger.WithField("floor_days", new.Audit.RetentionFloorDays).Info("Audit retention floor updated")
		}
		return nil
	})

	// Setup router
	router := mux.NewRouter()
	if cfg.Tracing.Enabled {
		router.Use(gateway.TracingMiddleware())
	}
	router.Use(gateway.LoggingMiddleware(logger, m))
	gateway.NewHandler(svc, logger, m).RegisterRoutes(router)

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.WithError(err).Warn("Tracing shutdown failed")
	}
	logger.Info("Server stopped gracefully")
}
