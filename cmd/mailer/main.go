// Package main is the entry point for the mailer command.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/mailer-lite/driver"
	_ "github.com/shineum/mailer-lite/driver/graph"
	_ "github.com/shineum/mailer-lite/driver/mail"
	_ "github.com/shineum/mailer-lite/driver/resend"
	_ "github.com/shineum/mailer-lite/driver/ses"
	_ "github.com/shineum/mailer-lite/driver/smtp"
	_ "github.com/shineum/mailer-lite/driver/stdout"
	"github.com/shineum/mailer-lite/internal/config"
)

func main() {
	err := newRootCmd(driver.Default).Execute()
	cobra.CheckErr(err)
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd(reg *driver.Registry) *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:          "mailer",
		Short:        "Compose and send email through a configured driver",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to YAML configuration file (optional)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides config)")

	root.AddCommand(newSendCmd(reg, &flags))
	root.AddCommand(newDriversCmd(reg))
	return root
}

// loadConfig loads configuration from path (YAML + env override)
// or from environment variables only if no path is given, then sets up
// logging.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadFromFile(flags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	setupLogger(level)
	return cfg, nil
}

// setupLogger configures the global slog logger with JSON output on stderr,
// leaving stdout to drivers that print messages.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
