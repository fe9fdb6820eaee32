package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterbook/meterbook/internal/httpapi"
	"github.com/meterbook/meterbook/internal/remotestore"
)

type cli struct {
	t     *testing.T
	flags []string
}

func newCLI(t *testing.T, extra ...string) *cli {
	t.Helper()
	dsn := "file://" + filepath.ToSlash(filepath.Join(t.TempDir(), "local.json"))
	return &cli{t: t, flags: append([]string{"-local", dsn}, extra...)}
}

func (c *cli) run(stdin string, args ...string) (int, string, string) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	all := append(append([]string{}, c.flags...), args...)
	code := run(context.Background(), all, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func cloudServer(t *testing.T) (*remotestore.MemoryDocuments, string, string) {
	t.Helper()
	docs := remotestore.NewMemoryDocuments()
	server := httptest.NewServer(httpapi.NewServer(docs))
	t.Cleanup(server.Close)
	token, err := httpapi.SignToken("dev-secret", "u1", nil, time.Minute)
	require.NoError(t, err)
	return docs, server.URL, token
}

func TestSetGetDelete(t *testing.T) {
	c := newCLI(t)

	code, _, stderr := c.run("", "set", "currency", `"EUR"`)
	require.Equal(t, 0, code, stderr)
	code, _, _ = c.run("", "set", "theme_note", "plain text")
	require.Equal(t, 0, code)

	code, stdout, _ := c.run("", "get", "currency")
	require.Equal(t, 0, code)
	assert.Equal(t, `"EUR"`, strings.TrimSpace(stdout))

	_, stdout, _ = c.run("", "get", "theme_note")
	assert.Equal(t, `"plain text"`, strings.TrimSpace(stdout))

	code, _, _ = c.run("", "delete", "currency")
	require.Equal(t, 0, code)
	code, _, stderr = c.run("", "get", "currency")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not found")
}

func TestUsageErrors(t *testing.T) {
	c := newCLI(t)

	code, _, stderr := c.run("", "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, `unknown command "frobnicate"`)

	code, _, _ = c.run("", "get")
	assert.Equal(t, 2, code)

	code, _, _ = c.run("", "demo", "sideways")
	assert.Equal(t, 2, code)

	code, _, _ = c.run("")
	assert.Equal(t, 2, code)
}

func TestImportValidatesBackup(t *testing.T) {
	c := newCLI(t)

	code, _, stderr := c.run(`{"user_settings": {"currency": "EUR"}}`, "import", "-")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "invalid input")

	code, _, _ = c.run(`[1, 2]`, "import", "-")
	assert.Equal(t, 1, code)

	code, _, stderr = c.run(`{"currency": "EUR", "tariffs": [{"utility": "water"}]}`, "import", "-")
	require.Equal(t, 0, code, stderr)

	code, stdout, _ := c.run("", "export")
	require.Equal(t, 0, code)
	var exported map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(stdout), &exported))
	assert.JSONEq(t, `"EUR"`, string(exported["currency"]))
	assert.JSONEq(t, `[{"utility": "water"}]`, string(exported["tariffs"]))
}

func TestModePersistsAcrossRuns(t *testing.T) {
	c := newCLI(t)

	_, stdout, _ := c.run("", "mode")
	assert.Equal(t, "local", strings.TrimSpace(stdout))

	_, stdout, _ = c.run("", "mode", "toggle")
	assert.Equal(t, "cloud", strings.TrimSpace(stdout))

	_, stdout, _ = c.run("", "mode")
	assert.Equal(t, "cloud", strings.TrimSpace(stdout))

	code, _, stderr := c.run("", "mode", "satellite")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown sync mode")
}

func TestMigrateRequiresRemoteAndIdentity(t *testing.T) {
	c := newCLI(t, "-user", "u1")
	code, _, stderr := c.run("", "migrate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "remote store not configured")

	c = newCLI(t, "-remote", "memory://")
	code, _, stderr = c.run("", "migrate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not authenticated")
}

func TestMigrateAndCloudWritesOverHTTP(t *testing.T) {
	docs, url, token := cloudServer(t)
	c := newCLI(t, "-remote", url, "-token", token, "-user", "u1")

	_, _, _ = c.run("", "set", "currency", `"EUR"`)
	_, _, _ = c.run("", "set", "water_readings", `[{"value": 12.5}]`)
	_, _, _ = c.run("", "set", "scratch", `1`)

	code, stdout, stderr := c.run("", "migrate")
	require.Equal(t, 0, code, stderr)
	var report struct {
		Settings []string `json:"settings"`
		Records  []string `json:"records"`
		Skipped  []string `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Contains(t, report.Settings, "currency")
	assert.Equal(t, []string{"water_readings"}, report.Records)
	assert.Equal(t, []string{"scratch"}, report.Skipped)

	settings, ok, err := docs.GetDocument(context.Background(), "u1", "user_settings")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"EUR"`, string(settings["currency"]))
	_, ok, err = docs.GetDocument(context.Background(), "u1", "scratch")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, _ = c.run("", "mode", "cloud")
	code, _, stderr = c.run("", "set", "tariffs", `[{"utility": "heating"}]`)
	require.Equal(t, 0, code, stderr)
	tariffs, ok, err := docs.GetDocument(context.Background(), "u1", "tariffs")
	require.NoError(t, err)
	require.True(t, ok, "background write should be flushed before exit")
	assert.JSONEq(t, `[{"utility": "heating"}]`, string(tariffs["value"]))
}

func TestPullReplacesLocalData(t *testing.T) {
	docs, url, token := cloudServer(t)
	ctx := context.Background()
	require.NoError(t, docs.SetDocument(ctx, "u1", "user_settings", map[string]json.RawMessage{
		"currency": json.RawMessage(`"CHF"`),
		"theme":    json.RawMessage(`"dark"`),
	}))
	require.NoError(t, docs.SetDocument(ctx, "u1", "water_meters", map[string]json.RawMessage{
		"value":     json.RawMessage(`[{"id": "w1"}]`),
		"updatedAt": json.RawMessage(`"2026-01-01T00:00:00Z"`),
	}))

	c := newCLI(t, "-remote", url, "-token", token, "-user", "u1")
	code, stdout, stderr := c.run("", "pull")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `"lastSyncTime"`)

	_, stdout, _ = c.run("", "get", "currency")
	assert.Equal(t, `"CHF"`, strings.TrimSpace(stdout))
	_, stdout, _ = c.run("", "get", "water_meters")
	assert.JSONEq(t, `[{"id": "w1"}]`, stdout)

	code, _, stderr = c.run("", "clear-cloud")
	require.Equal(t, 0, code, stderr)
	listed, err := docs.ListDocuments(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestDemoRoundTrip(t *testing.T) {
	c := newCLI(t)
	_, _, _ = c.run("", "set", "currency", `"USD"`)

	code, _, stderr := c.run("", "demo", "enter")
	require.Equal(t, 0, code, stderr)
	_, stdout, _ := c.run("", "status")
	assert.Contains(t, stdout, `"demoMode": true`)
	_, stdout, _ = c.run("", "get", "currency")
	assert.Equal(t, `"EUR"`, strings.TrimSpace(stdout))

	code, _, stderr = c.run("", "demo", "exit")
	require.Equal(t, 0, code, stderr)
	_, stdout, _ = c.run("", "get", "currency")
	assert.Equal(t, `"USD"`, strings.TrimSpace(stdout))
	_, stdout, _ = c.run("", "status")
	assert.Contains(t, stdout, `"demoMode": false`)
}

func TestWatchNeedsFileMedium(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-local", "memory://", "watch"}, strings.NewReader(""), &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "file:// local medium")
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, json.RawMessage(`{"a":1}`), parseValue(`{"a":1}`))
	assert.Equal(t, "hello world", parseValue("hello world"))
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("METERBOOK_TEST_DURATION_BAD", "soon")
	assert.Equal(t, 2*time.Second, durationEnv("METERBOOK_TEST_DURATION_BAD", 2*time.Second))
	t.Setenv("METERBOOK_TEST_DURATION", "150ms")
	assert.Equal(t, 150*time.Millisecond, durationEnv("METERBOOK_TEST_DURATION", time.Second))
}
