package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/safety"
	"github.com/zulandar/switchboard/internal/tool"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBSeedCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Switchboard tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s database\n", cfg.Database.Driver)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}

func newDBSeedCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed operators, settings, built-in safety rules and tools",
		Long: `Migrates the schema, then inserts the operators listed in the config,
the default settings, the built-in safety rules and the built-in tools.
Existing rows are left untouched, so seeding is safe to repeat.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBSeed(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBSeed(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	if err := db.SeedUsers(gormDB, cfg.Users); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d operators\n", len(cfg.Users))

	if err := db.SeedSettings(gormDB, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Default auto-reply: %t\n", cfg.AutoReplyEnabled())

	rules, err := safety.SeedBuiltinRules(gormDB)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Added %d built-in safety rules\n", rules)

	tools, err := tool.SeedBuiltinTools(gormDB)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Added %d built-in tools\n", tools)
	return nil
}
