package cmd_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/securebus/cmd/securebus/cmd"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/eventlog"
)

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := cmd.NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestRootCommand(t *testing.T) {
	out, _, err := run(t, "", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "replay")
	assert.Contains(t, out, "check-config")

	out, _, err = run(t, "", "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "securebus vdev")
}

func TestSanitizeCommand(t *testing.T) {
	out, stderr, err := run(t, `{"name":"<b>Ann</b>","qty":2}`, "sanitize")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "Ann", got["name"])
	assert.Equal(t, 2.0, got["qty"])
	assert.Contains(t, stderr, "html at name")

	_, _, err = run(t, `{"note":"<script>alert(1)</script>"}`, "sanitize")
	assert.ErrorIs(t, err, cmd.ErrBlocked)

	out, _, err = run(t, `{"note":"<script>alert(1)</script>"}`, "sanitize", "--allow-critical", "-q")
	require.NoError(t, err)
	assert.NotContains(t, out, "<script")

	_, _, err = run(t, `{"note":"<script>alert(1)</script>"}`, "sanitize", "--allow-critical", "--critical-field", "note")
	assert.ErrorIs(t, err, cmd.ErrBlocked)

	_, _, err = run(t, `{not json`, "sanitize")
	assert.Error(t, err)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCheckConfigCommand(t *testing.T) {
	path := writeConfig(t, "bus:\n  source: pos.terminal\ndedup:\n  window: 2m\n")
	out, _, err := run(t, "", "check-config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration OK")
	assert.Contains(t, out, "pos.terminal")
	assert.Contains(t, out, "2m0s")

	bad := writeConfig(t, "rate_limit:\n  per_ip: {requests: 5}\nmodules:\n  error_threshold: 2\n")
	_, _, err = run(t, "", "check-config", "--config", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.per_ip.window")
	assert.Contains(t, err.Error(), "modules.error_threshold")

	_, _, err = run(t, "", "check-config")
	assert.Error(t, err)
}

func seedLog(t *testing.T, path string, events ...*event.Event) {
	t.Helper()
	log, err := eventlog.NewSQLiteLog(path)
	require.NoError(t, err)
	defer log.Close()
	for _, evt := range events {
		require.NoError(t, log.Append(context.Background(), evt))
	}
}

func TestStatsAndCleanupCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "events.db")
	old := event.New("audit.record.created", "test", map[string]any{"id": 1})
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	seedLog(t, db, old, event.New("audit.record.created", "test", map[string]any{"id": 2}))

	out, _, err := run(t, "", "stats", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "events:    2")
	assert.Contains(t, out, "pending:   2")

	out, _, err = run(t, "", "cleanup", "--db", db, "--older-than", "24h")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 1 event(s)")

	out, _, err = run(t, "", "stats", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "events:    1")
}

func TestReplayCommand(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "events.db")
	seedLog(t, db,
		event.New("sales.order.created", "pos", map[string]any{"id": 1}),
		event.New("sales.order.created", "pos", map[string]any{"id": 2}),
		event.New("inventory.stock.updated", "pos", map[string]any{"sku": "A"}),
	)
	path := writeConfig(t, fmt.Sprintf("bus:\n  event_log: %s\n", db))

	out, stderr, err := run(t, "", "replay", "--config", path, "--pattern", "sales.**")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var evt event.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &evt))
	assert.Equal(t, "sales.order.created", evt.Pattern)
	assert.True(t, evt.Metadata.Replayed)
	assert.Contains(t, stderr, "2 event(s) replayed")

	out, stderr, err = run(t, "", "replay", "--config", path, "--dry-run", "--from", "1h")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)
	assert.Contains(t, stderr, "3 event(s) selected")

	_, _, err = run(t, "", "replay", "--config", path, "--from", "yesterday")
	assert.Error(t, err)

	noLog := writeConfig(t, "bus:\n  source: pos\n")
	_, _, err = run(t, "", "replay", "--config", noLog)
	assert.Error(t, err)
}

func TestVersionInfo(t *testing.T) {
	assert.Contains(t, cmd.PrintVersion(), "securebus v")
}
