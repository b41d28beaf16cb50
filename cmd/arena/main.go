// Command arena is a terminal client for model arena sessions: chat with
// one model or compare two side by side.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aigoflow/arena/internal/config"
	"github.com/aigoflow/arena/pkg/client"
)

var (
	envFile string
	profile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "arena",
	Short: "Chat with language models and compare their answers",
	Long: `Arena talks to an arena backend. A session is either direct (one
model), compare (two named models side by side) or random (two anonymous
models). Replies stream in as they are generated.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "Optional .env file to load")
	rootCmd.PersistentFlags().StringVar(&profile, "config", "", "Optional YAML config profile")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(rateCmd)
}

// setup loads configuration, installs the stderr logger and builds an engine
func setup() (*config.Config, *client.Engine, error) {
	cfg, err := config.Load(envFile, profile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := slog.LevelWarn
	if verbose {
		level = cfg.SlogLevel()
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	engine, err := client.New(cfg, client.Options{Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return cfg, engine, nil
}
