package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/JakeFAU/pickup-monitor/internal/config"
	"github.com/JakeFAU/pickup-monitor/internal/monitor"
	"github.com/JakeFAU/pickup-monitor/internal/server"
	pgstore "github.com/JakeFAU/pickup-monitor/internal/storage/postgres"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "pickupmonitor",
		Usage: "watch the consular pickup list for a document number",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a YAML config file",
				Sources: cli.EnvVars("MONITOR_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "path to a .env file loaded before the environment",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and the optional in-process trigger",
				Action: serveAction,
			},
			{
				Name:  "check",
				Usage: "run one check and print the outcome",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "source",
						Usage: "trigger source recorded with the result (manual, scheduled, cron)",
						Value: string(monitor.SourceManual),
					},
					&cli.BoolFlag{
						Name:  "if-due",
						Usage: "skip the check unless a scheduled slot has passed",
					},
				},
				Action: checkAction,
			},
			{
				Name:   "status",
				Usage:  "print the current automation status",
				Action: statusAction,
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations",
				Action: migrateAction,
			},
			{
				Name:  "test-email",
				Usage: "send a test notification",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "search-number",
						Usage: "number quoted in the test mail (defaults to the stored target)",
					},
				},
				Action: testEmailAction,
			},
		},
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"), cmd.String("env"))
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return &cfg, nil
}

func buildApp(ctx context.Context, cmd *cli.Command) (*server.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return app, nil
}

func output(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func printJSON(cmd *cli.Command, v any) error {
	enc := json.NewEncoder(output(cmd))
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	app, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func checkAction(ctx context.Context, cmd *cli.Command) error {
	source := monitor.Source(cmd.String("source"))
	if !source.Valid() {
		return fmt.Errorf("unknown source %q", source)
	}
	app, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	run := app.Orchestrator().Run
	if cmd.Bool("if-due") {
		run = app.Orchestrator().RunIfDue
	}
	out, err := run(ctx, source)
	if out.Result != nil || out.Skipped {
		if printErr := printJSON(cmd, out); printErr != nil {
			return printErr
		}
	}
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}
	return nil
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	app, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))
	return printJSON(cmd, app.Orchestrator().StatusView(ctx))
}

func migrateAction(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required to run migrations")
	}
	if err := pgstore.Migrate(cfg.DB.DSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	_, err = fmt.Fprintln(output(cmd), "migrations applied")
	return err
}

func testEmailAction(ctx context.Context, cmd *cli.Command) error {
	app, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	target := cmd.String("search-number")
	if target == "" {
		target = app.Orchestrator().StatusView(ctx).SearchNumber
	}
	res, err := app.Mailer().SendTest(ctx, target)
	if err != nil {
		return fmt.Errorf("test email failed: %w", err)
	}
	return printJSON(cmd, res)
}
