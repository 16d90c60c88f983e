package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command. Commands share flag state, so tests are not parallel.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	catalogFile, catalogFormat, flushPrincipal, configPath = "", "table", "", ""
	t.Setenv("GATEKEEP_DATABASE_DSN", "")
	t.Setenv("GATEKEEP_REDIS_ADDR", "")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeCatalog(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "gatekeep "+version)
	assert.Contains(t, out, "commit: "+commit)
}

func TestCatalogValidateReportsConflicts(t *testing.T) {
	path := writeCatalog(t, `
permissions:
  - key: bookings:view
    risk_level: low
  - key: bookings:delete
    risk_level: high
    dependencies: [bookings:view]
    conflicts: [users:impersonate]
  - key: users:impersonate
    risk_level: critical
`)
	out, err := run(t, "catalog", "validate", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "3 permissions")
	assert.Contains(t, out, "conflict bookings:delete <> users:impersonate")
	assert.Contains(t, out, "OK")
}

func TestCatalogValidateRejectsUnknownDependency(t *testing.T) {
	path := writeCatalog(t, `
permissions:
  - key: bookings:edit
    risk_level: medium
    dependencies: [bookings:view]
`)
	_, err := run(t, "catalog", "validate", "--file", path)
	require.Error(t, err)
}

func TestCatalogListBuiltin(t *testing.T) {
	out, err := run(t, "catalog", "list", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "key: bookings:view")

	out, err = run(t, "catalog", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "users:impersonate")

	_, err = run(t, "catalog", "list", "-o", "xml")
	require.Error(t, err)
}

func TestCommandsRequireBackends(t *testing.T) {
	_, err := run(t, "migrate", "up")
	require.ErrorContains(t, err, "missing DSN")

	_, err = run(t, "cache", "flush")
	require.ErrorContains(t, err, "redis.addr is not set")
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("GATEKEEP_AUTH_TOKEN_SECRET", "")
	_, err := run(t, "serve")
	require.ErrorContains(t, err, "auth.token_secret is required")
}
