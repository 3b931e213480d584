// Package main is the schema migration CLI for the showtime catalog.
//
// Migrations are embedded in the binary; the database is read from DATABASE_URL.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/vosemovies/showtime-reconciler/internal/config"
)

// Set at build time via -ldflags.
var (
	Version   = "1.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	name      = "migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
		assumeYes   = flag.Bool("yes", false, "Do not ask for confirmation before drop")
	)

	flag.Parse()

	if *showVersion {
		printVersionInfo(os.Stdout)

		return
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage(os.Stdout)

		return
	}

	logger := config.NewLogger()

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runner, err := NewMigrationRunner(cfg, NewMigrationSet(nil), logger)
	if err != nil {
		logger.Error("Failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	err = executeCommand(flag.Arg(0), runner, confirmer(*assumeYes, os.Stdin, os.Stdout))

	if closeErr := runner.Close(); closeErr != nil {
		logger.Warn("Failed to close migration runner", slog.String("error", closeErr.Error()))
	}

	if err != nil {
		logger.Error("Migration failed", slog.String("command", flag.Arg(0)), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// executeCommand dispatches command to runner. confirm gates destructive commands.
func executeCommand(command string, runner MigrationRunner, confirm func(prompt string) bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		if !confirm("This will drop all tables. Are you sure? (y/N): ") {
			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func confirmer(assumeYes bool, in io.Reader, out io.Writer) func(string) bool {
	return func(prompt string) bool {
		if assumeYes {
			return true
		}

		_, _ = fmt.Fprint(out, prompt)

		answer, _ := bufio.NewReader(in).ReadString('\n')

		return strings.EqualFold(strings.TrimSpace(answer), "y")
	}
}

func printVersionInfo(w io.Writer) {
	_, _ = fmt.Fprintf(w, "%s v%s\nGit Commit: %s\nBuild Time: %s\n", name, Version, GitCommit, BuildTime)
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s v%s - schema migrations for the showtime catalog

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up       Apply all pending migrations
    down     Roll back the last migration
    status   Show applied and embedded schema versions
    version  Show the applied schema version
    drop     Drop all tables (asks for confirmation)

OPTIONS:
    -help     Show this help message
    -version  Show version information
    -yes      Skip the drop confirmation

ENVIRONMENT VARIABLES:
    DATABASE_URL     PostgreSQL connection string (required)
    MIGRATION_TABLE  Migration tracking table (default: schema_migrations)
    LOG_LEVEL        debug, info, warn or error (default: info)
`, name, Version, name)
}
