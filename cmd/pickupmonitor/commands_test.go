package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	app := newApp()
	app.Writer = &buf
	app.ErrWriter = &buf
	err := app.Run(context.Background(), append([]string{"pickupmonitor", "--env", filepath.Join(t.TempDir(), "none.env")}, args...))
	return buf.String(), err
}

func TestStatusCommand(t *testing.T) {
	t.Setenv("MONITOR_MONITOR_TARGET", "424242")

	out, err := runCLI(t, "status")
	require.NoError(t, err)

	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &view), out)
	require.Equal(t, "424242", view["searchNumber"])
	require.Equal(t, true, view["isRunning"])
}

func TestCheckRejectsUnknownSource(t *testing.T) {
	_, err := runCLI(t, "check", "--source", "webhook")
	require.ErrorContains(t, err, "unknown source")
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Setenv("MONITOR_DB_DSN", "")
	_, err := runCLI(t, "migrate")
	require.ErrorContains(t, err, "db.dsn is required")
}

func TestTestEmailWithoutCredentials(t *testing.T) {
	t.Setenv("MONITOR_NOTIFY_SMTP_USERNAME", "")
	t.Setenv("MONITOR_NOTIFY_SMTP_PASSWORD", "")
	_, err := runCLI(t, "test-email")
	require.ErrorContains(t, err, "test email failed")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "status")
	require.ErrorContains(t, err, "load config failed")
}
