package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime/debug"

	"github.com/2beens/fitsync/internal/config"
	"github.com/2beens/fitsync/internal/logging"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// set with -ldflags "-X main.version=..."
var version = ""

type rootFlags struct {
	env        string
	configPath string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "fitsync",
		Short:         "Offline capture and background sync for the fitness tracker",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.env, "env", "development", "environment [prod | production | dev | development]")
	root.PersistentFlags().StringVar(&flags.configPath, "config", "./config.toml", "path for the TOML config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "optional dotenv file with secrets")

	root.AddCommand(
		newServeCmd(flags, serveProxy),
		newServeCmd(flags, serveAgent),
		newServeCmd(flags, serveAll),
		newQueueCmd(flags),
		newVersionCmd(),
	)
	return root
}

// setup loads secrets, the config and the logger, in that order.
func (f *rootFlags) setup(serverName string) (*config.Config, error) {
	if err := godotenv.Load(f.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", f.envFile, err)
	}

	cfg, err := config.Load(f.env, f.configPath)
	if err != nil {
		return nil, err
	}

	logging.Setup(logging.LoggerSetupParams{
		LogFileName:      cfg.LogsPath,
		LogToStdout:      cfg.LogToStdout,
		LogLevel:         cfg.LogLevel,
		LogFormatJSON:    cfg.LogFormatJSON,
		Environment:      cfg.Environment,
		SentryEnabled:    cfg.SentryEnabled,
		SentryDSN:        os.Getenv("SENTRY_DSN"),
		SentryServerName: serverName,
	})
	log.Warnf("---->> running in [%s] environment", cfg.Environment)

	return cfg, nil
}

func versionInfo() string {
	if version != "" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return info.Main.Version
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(versionInfo())
		},
	}
}
