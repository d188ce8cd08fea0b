package cmd

import (
	"fmt"
	"os"

	"github.com/IMQS/log"
	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/configfile"
	"github.com/MrEthical07/authflow/directory"
	"github.com/MrEthical07/authflow/directory/sqldir"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "authflowd",
	Short: "authflowd runs multi-stage logins and issues sessions or JWTs",
	Long: `authflowd serves password, one-time code, TOTP and identity-provider
logins over HTTP, backed by Redis, bbolt or memory for flow and token state.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML or TOML config file (AUTHFLOW_* variables override it)")
}

// closer is released when a command finishes.
type closer func()

type userDirectory interface {
	directory.Directory
	directory.Provisioner
}

// openDirectory returns the configured SQL directory, or a fresh in-memory
// one when no driver is set.
func openDirectory(cfg configfile.DirectoryConfig) (userDirectory, closer, error) {
	if cfg.Driver == "" {
		return directory.NewMemory(), func() {}, nil
	}
	db, err := sqldir.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening directory: %w", err)
	}
	return db, func() { _ = db.Close() }, nil
}

// buildEngine loads the config and assembles an engine over the configured
// directory.
func buildEngine() (*configfile.File, *authflow.Engine, userDirectory, *log.Logger, closer, error) {
	f, err := configfile.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	logger := f.Logger()
	dir, closeDir, err := openDirectory(f.Directory)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	engine, err := authflow.New().
		WithConfig(f.Config).
		WithDirectory(dir).
		WithProvisioner(dir).
		WithLogger(logger).
		Build()
	if err != nil {
		closeDir()
		return nil, nil, nil, nil, nil, err
	}
	return f, engine, dir, logger, func() {
		engine.Close()
		closeDir()
	}, nil
}
