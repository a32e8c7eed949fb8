package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"echopal/internal/bootstrap"
	"echopal/internal/config"
)

const version = "0.3.0"

var flagConfig string

var rootCmd = &cobra.Command{
	Use:           "echopal",
	Short:         "Answer questions from bank policy PDFs",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default $CONFIG_FILE or configs/config.toml)")
}

func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		return config.LoadFile(flagConfig)
	}
	return config.Load()
}

// withEngine opens the retrieval engine for the duration of fn.
func withEngine(ctx context.Context, fn func(*bootstrap.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := bootstrap.NewEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()
	return fn(engine)
}
