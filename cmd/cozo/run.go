package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/silky/cozo/pkg/cozo"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a CozoScript file against the database",
	Long: `Executes one CozoScript source file (a sys script, a query script,
or a multi-script) and prints its result as a table.

Example:
  cozo run --db mygraph.db queries/reachable.cozo`,
	Args: cobra.ExactArgs(1),
	RunE: runScriptFile,
}

func runScriptFile(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	logger.Info("running script", zap.String("file", path), zap.String("db", cfg.Engine.DatabasePath))

	db, err := cozo.Open(cfg.Engine.DatabasePath, cozo.Config{
		Workers:        cfg.Engine.Workers,
		DefaultTimeout: cfg.GetDefaultTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	baseCtx := cmd.Context()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(baseCtx, timeout)
	defer cancel()

	result, err := db.Run(ctx, string(data), nil)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func printResult(result *cozo.Result) {
	if result == nil || len(result.Columns) == 0 {
		fmt.Println("ok")
		return
	}
	for i, col := range result.Columns {
		if i > 0 {
			fmt.Print("\t")
		}
		fmt.Print(col)
	}
	fmt.Println()
	for _, row := range result.Rows {
		for i, v := range row {
			if i > 0 {
				fmt.Print("\t")
			}
			fmt.Print(v.String())
		}
		fmt.Println()
	}
	fmt.Printf("(%d rows)\n", len(result.Rows))
}
