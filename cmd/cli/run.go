package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pipeflow/internal/app"
	"pipeflow/internal/models"
	"pipeflow/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var flagAutoMigrate bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the HTTP API and automation engine",
	RunE:  run,
}

func init() {
	runCmd.Flags().BoolVar(&flagAutoMigrate, "migrate", false, "auto-migrate the schema before serving")
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	// OpenTelemetry 初始化（可选）
	shutdownOTel, err := observability.SetupTracing(cmd.Context(), cfg.Monitoring.Tracing)
	if err != nil {
		logger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := app.OpenDatabase(cfg)
	if err != nil {
		return err
	}
	if flagAutoMigrate {
		if err := db.AutoMigrate(models.AllModels()...); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	application := app.New(cfg, db, nil, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: application.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		application.Close()
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	// 等待已排队的级联执行完成
	application.Close()
	logger.Info("Server exited")
	return nil
}
