package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/BaSui01/chimera/config"
	"github.com/BaSui01/chimera/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	if subcommand == "help" || subcommand == "-h" || subcommand == "--help" {
		printMigrateUsage()
		return
	}

	// 数字参数在前，flag 在后：migrate goto 3 --config x.yaml
	positional, rest := splitPositional(args[1:])

	fs := flag.NewFlagSet("migrate "+subcommand, flag.ExitOnError)
	migrator, err := createMigrator(fs, rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	positional = append(positional, fs.Args()...)
	if err := migration.NewCLI(migrator).Run(context.Background(), subcommand, positional); err != nil {
		fmt.Fprintf(os.Stderr, "Migration %s failed: %v\n", subcommand, err)
		migrator.Close()
		os.Exit(1)
	}
}

// splitPositional 拆出 flag 之前的位置参数
func splitPositional(args []string) (positional, rest []string) {
	for i, a := range args {
		if strings.HasPrefix(a, "-") && a != "-" && !isNegativeNumber(a) {
			return args[:i], args[i:]
		}
	}
	return args, nil
}

func isNegativeNumber(s string) bool {
	if len(s) < 2 || s[0] != '-' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// createMigrator creates a migrator from command line flags
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// If db-type and db-url are provided, use them directly
	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromConfig(cfg)
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  chimera migrate <subcommand> [args] [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration
  down-all    Rollback all migrations
  steps <n>   Apply (n > 0) or rollback (n < 0) n migrations
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  version     Show current migration version
  status      Show migration status
  info        Show migration summary
  help        Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  chimera migrate up
  chimera migrate up --config /etc/chimera/config.yaml
  chimera migrate steps -1
  chimera migrate goto 2 --db-type sqlite --db-url "file:/var/lib/chimera.db?_foreign_keys=on"
  chimera migrate status`)
}
