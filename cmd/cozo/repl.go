package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/silky/cozo/pkg/cozo"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive CozoScript read-eval-print loop",
	Long: `Reads CozoScript from stdin one statement at a time (terminated by a
blank line), runs it against the database, and prints the result.

Type .quit or .exit to leave, or .help for a command summary.`,
	RunE: runREPL,
}

func runREPL(cmd *cobra.Command, args []string) error {
	db, err := cozo.Open(cfg.Engine.DatabasePath, cozo.Config{
		Workers:        cfg.Engine.Workers,
		DefaultTimeout: cfg.GetDefaultTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	reader := bufio.NewReader(os.Stdin)

	fmt.Printf("cozo repl - database: %s\n", cfg.Engine.DatabasePath)
	fmt.Println("enter a script, blank line to run it, .quit to exit")

	var buf strings.Builder
	for {
		if buf.Len() == 0 {
			fmt.Print("cozo> ")
		} else {
			fmt.Print("  ... ")
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println()
			return nil
		}
		trimmed := strings.TrimSpace(line)

		if buf.Len() == 0 {
			switch trimmed {
			case ".quit", ".exit":
				return nil
			case ".help":
				printREPLHelp()
				continue
			case "":
				continue
			}
		}

		if trimmed == "" && buf.Len() > 0 {
			script := buf.String()
			buf.Reset()
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			result, err := db.Run(runCtx, script, nil)
			cancel()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			printResult(result)
			continue
		}

		buf.WriteString(line)
	}
}

func printREPLHelp() {
	fmt.Println(".quit / .exit   leave the repl")
	fmt.Println(".help           show this message")
	fmt.Println("any other input is buffered as CozoScript until a blank line runs it")
}
