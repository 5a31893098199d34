// ABOUTME: Tests for the out-of-process command backend.
// ABOUTME: Uses a shell-script helper to exercise exit-code mapping and stdin delivery.

package backend

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeHelper writes an executable shell script and returns its path.
func writeHelper(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell helper scripts are not runnable on windows")
	}
	path := filepath.Join(t.TempDir(), "helper.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func newCommandBackend(t *testing.T, script string) *Command {
	t.Helper()
	c, err := NewCommand(&Manifest{Path: writeHelper(t, script)}, slog.Default())
	require.NoError(t, err)
	return c
}

func TestCommandSuccess(t *testing.T) {
	c := newCommandBackend(t, "exit 0")
	res := result(t, c.CheckCode(context.Background(), "1234"))
	assert.Equal(t, OutcomeSuccess, res.Outcome)
}

func TestCommandFailureCarriesAttempts(t *testing.T) {
	c := newCommandBackend(t, "echo 3; exit 1")
	res := result(t, c.CheckCode(context.Background(), "1234"))
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, 3, res.AttemptsUsed)
}

func TestCommandFailureWithoutCountIsError(t *testing.T) {
	c := newCommandBackend(t, "exit 1")
	res := result(t, c.CheckCode(context.Background(), "1234"))
	assert.Equal(t, OutcomeError, res.Outcome)
}

func TestCommandNamedOutcomes(t *testing.T) {
	cases := []struct {
		exit int
		want Outcome
	}{
		{2, OutcomeExpired},
		{3, OutcomeInHistory},
		{4, OutcomeLockedOut},
		{9, OutcomeError},
	}
	for _, tc := range cases {
		c := newCommandBackend(t, "exit "+string(rune('0'+tc.exit)))
		res := result(t, c.CheckCode(context.Background(), "1234"))
		assert.Equal(t, tc.want, res.Outcome, "exit %d", tc.exit)
	}
}

func TestCommandCodesArriveOnStdin(t *testing.T) {
	// The helper succeeds only when both codes arrive, one per line.
	c := newCommandBackend(t, `read old; read new
[ "$old" = "1111" ] && [ "$new" = "2222" ] && exit 0
exit 9`)
	res := result(t, c.SetCode(context.Background(), "1111", "2222"))
	assert.Equal(t, OutcomeSuccess, res.Outcome)
}

func TestCommandCodeSet(t *testing.T) {
	c := newCommandBackend(t, `[ "$2" = "security" ] && exit 0 || exit 1`)

	set, err := c.CodeSet(context.Background(), "security")
	require.NoError(t, err)
	assert.True(t, set)

	set, err = c.CodeSet(context.Background(), "encryption")
	require.NoError(t, err)
	assert.False(t, set)
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backend.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
path = "/usr/libexec/devicelock/helper"
args = ["--quiet"]
timeout = "10s"
`), 0644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "/usr/libexec/devicelock/helper", m.Path)
	assert.Equal(t, []string{"--quiet"}, m.Args)
	assert.Equal(t, "10s", m.Timeout)
}

func TestLoadManifestRequiresPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backend.toml")
	require.NoError(t, os.WriteFile(path, []byte(`timeout = "10s"`), 0644))

	_, err := LoadManifest(path)
	assert.Error(t, err)
}
