package main

import (
	"fmt"
	"os"

	"ms-counters/internal/config"
	"ms-counters/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "counter-service",
		Short:         "Real-time event counters with SSE and WebSocket updates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newFeedCommand())
	return root
}

// loadConfig reads .env when present, then the environment.
func loadConfig() (*config.Config, *logger.Logger) {
	envErr := godotenv.Load()

	cfg := config.Load()
	log := logger.NewWithOptions(logger.Options{
		Dir:      cfg.Log.Dir,
		Name:     "counter-service",
		MinLevel: logger.ParseLevel(cfg.Log.Level),
	})

	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	return cfg, log
}
