package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/rota/backend/internal/attachments"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/config"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/database"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/filestore"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/metadata"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/schedules"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rota-api",
		Short: "Team schedule attachment and audit service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("trusted-proxies", nil, "Proxy IPs or CIDRs whose X-Forwarded-For is trusted")
	cmd.PersistentFlags().String("storage-root", defaults.GetString("storage.root"), "Directory relative paths are resolved against")
	cmd.PersistentFlags().String("uploads-dir", defaults.GetString("uploads.dir"), "Attachment upload directory")
	cmd.PersistentFlags().Int("max-files", defaults.GetInt("uploads.max_files"), "Maximum files per upload request")
	cmd.PersistentFlags().Int("max-file-size-mb", defaults.GetInt("uploads.max_file_size_mb"), "Maximum size of one uploaded file in megabytes")
	cmd.PersistentFlags().String("metadata-driver", defaults.GetString("metadata.driver"), "Metadata store driver (json, sqlite)")
	cmd.PersistentFlags().String("metadata-path", defaults.GetString("metadata.path"), "Metadata document or database path")
	cmd.PersistentFlags().String("audit-log", defaults.GetString("audit.log_path"), "Operation log path")
	cmd.PersistentFlags().Int("audit-max-size-mb", defaults.GetInt("audit.max_size_mb"), "Operation log size before rotation in megabytes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().Bool("events", defaults.GetBool("events.enabled"), "Serve the /events change stream")
	cmd.PersistentFlags().Bool("metrics", defaults.GetBool("metrics.enabled"), "Serve Prometheus metrics on /metrics")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.trusted_proxies", "trusted-proxies")
	bindFlag(cmd, "storage.root", "storage-root")
	bindFlag(cmd, "uploads.dir", "uploads-dir")
	bindFlag(cmd, "uploads.max_files", "max-files")
	bindFlag(cmd, "uploads.max_file_size_mb", "max-file-size-mb")
	bindFlag(cmd, "metadata.driver", "metadata-driver")
	bindFlag(cmd, "metadata.path", "metadata-path")
	bindFlag(cmd, "audit.log_path", "audit-log")
	bindFlag(cmd, "audit.max_size_mb", "audit-max-size-mb")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "events.enabled", "events")
	bindFlag(cmd, "metrics.enabled", "metrics")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func openRepository(appConfig config.AppConfig, ids metadata.IDProvider, logger *zap.Logger) (metadata.Repository, error) {
	path := appConfig.ResolvePath(appConfig.MetadataPath)
	switch appConfig.MetadataDriver {
	case config.DriverSQLite:
		db, err := database.OpenSQLite(path, ids, logger)
		if err != nil {
			return nil, err
		}
		return metadata.NewSQLiteStore(metadata.SQLiteStoreConfig{
			Database: db,
			Logger:   logger,
		})
	default:
		return metadata.OpenDocumentStore(metadata.DocumentStoreConfig{
			Path:       path,
			IDProvider: ids,
			Logger:     logger,
		})
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	gin.SetMode(gin.ReleaseMode)

	ids := metadata.NewUUIDProvider()
	repository, err := openRepository(appConfig, ids, logger)
	if err != nil {
		return err
	}
	defer repository.Close()

	fileStore, err := filestore.New(filestore.Config{
		Root:       appConfig.StorageRoot,
		UploadsDir: appConfig.UploadsDir,
		Schedules:  repository,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var metrics *server.Metrics
	var auditListeners []audit.Listener
	if appConfig.MetricsEnabled {
		metrics = server.NewMetrics()
		auditListeners = append(auditListeners, metrics.AuditListener())
	}

	auditWriter := audit.OpenFile(appConfig.ResolvePath(appConfig.AuditLogPath), appConfig.AuditMaxSizeMB)
	defer auditWriter.Close()
	auditLogger := audit.NewLogger(audit.LoggerConfig{
		Writer:    auditWriter,
		Clock:     time.Now,
		Logger:    logger,
		Listeners: auditListeners,
	})

	attachmentService, err := attachments.NewService(attachments.ServiceConfig{
		Repository:  repository,
		Files:       fileStore,
		Recorder:    auditLogger,
		IDProvider:  ids,
		Clock:       time.Now,
		Logger:      logger,
		MaxFiles:    appConfig.MaxFiles,
		MaxFileSize: appConfig.MaxFileSizeBytes(),
	})
	if err != nil {
		return err
	}

	scheduleService, err := schedules.NewService(schedules.ServiceConfig{
		Repository: repository,
		Detector:   changes.NewDetector(),
		Recorder:   auditLogger,
		IDProvider: ids,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var realtime *server.RealtimeDispatcher
	if appConfig.EventsEnabled {
		realtime = server.NewRealtimeDispatcher()
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Schedules:      scheduleService,
		Attachments:    attachmentService,
		UploadsDir:     fileStore.UploadsDir(),
		MaxUploadBytes: appConfig.MaxUploadBytes(),
		TrustedProxies: appConfig.TrustedProxies,
		Realtime:       realtime,
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("metadata_driver", appConfig.MetadataDriver),
			zap.String("uploads_dir", fileStore.UploadsDir()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
