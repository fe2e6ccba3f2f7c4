package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coilworks/coil/internal/core"
	"github.com/coilworks/coil/pkg/config"
)

const version = "0.1.0"

var configPath string

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rootCmd := &cobra.Command{
		Use:     "coil",
		Short:   "Coil - closed-loop agent orchestration core",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newCheckCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration core until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			c, err := core.New(cfg, core.Options{})
			if err != nil {
				return fmt.Errorf("failed to build core: %w", err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := c.Start(ctx); err != nil {
				c.Stop(ctx)
				return fmt.Errorf("failed to start core: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.Printf("[Main] Received %s, shutting down", sig)

			c.Stop(ctx)
			return nil
		},
	}
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and backend connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			c, err := core.New(cfg, core.Options{})
			if err != nil {
				return fmt.Errorf("failed to build core: %w", err)
			}
			defer c.Stop(cmd.Context())

			if err := c.Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Printf("[Main] Config file %s not found, using defaults", configPath)
		return config.DefaultConfig(), nil
	}
	cfg, err := config.LoadConfigFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	return cfg, nil
}
