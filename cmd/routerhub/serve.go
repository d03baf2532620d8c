package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/dispatch/pkg/config"
	"github.com/DeBrosOfficial/dispatch/pkg/hub"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
)

var (
	configPath string
	listenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub",
	Long:  "Run the hub. Settings come from --config (default ~/.dispatch/hub.yaml when present).",
	RunE:  serve,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to the hub config file")
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address, overrides listen_addr")
}

// loadConfig resolves the config file. An explicit --config must exist; the
// default path is only used when it does.
func loadConfig() (*config.HubConfig, error) {
	path := configPath
	if path == "" {
		if p, err := config.DefaultPath("hub.yaml"); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}
	cfg, err := config.LoadHubConfig(path)
	if err != nil {
		return nil, err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid hub configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.FromConfig(logging.ComponentHub, cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.ComponentInfo(logging.ComponentGeneral, "Loaded hub configuration",
		zap.String("config", configPath),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Duration("default_permits_wait", cfg.DefaultPermitsWait))

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := hub.NewServer(cfg, logger)
	if err := server.Start(ctx); err != nil {
		logger.ComponentError(logging.ComponentGeneral, "Hub stopped with error", zap.Error(err))
		return err
	}
	logger.ComponentInfo(logging.ComponentGeneral, "Hub shutdown complete")
	return nil
}
