// Package main implements the cozo CLI.
//
// File index:
//   - main.go  - entry point, rootCmd, global flags
//   - run.go   - `cozo run`   executes a CozoScript file against a database
//   - repl.go  - `cozo repl`  interactive read-eval-print loop
//   - check.go - `cozo check` parses and stratifies scripts without evaluating them
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/silky/cozo/internal/config"
	"github.com/silky/cozo/internal/logging"
)

var (
	verbose bool
	dbPath  string
	timeout time.Duration

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cozo",
	Short: "cozo - an embeddable transactional relational/Datalog database",
	Long: `cozo is a CLI around a CozoScript query engine: a Datalog-family
query language with stratified negation, recursive rules, graph algorithms,
and triggers, backed by a single-file bolt store.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws, _ := os.Getwd()
		if err := logging.Initialize(ws); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		}

		configPath := filepath.Join(ws, ".cozo", "config.yaml")
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if dbPath != "" {
			cfg.Engine.DatabasePath = dbPath
		}
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the database file (default: .cozo/config.yaml's engine.database_path)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "default query timeout")

	rootCmd.AddCommand(runCmd, replCmd, checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
