package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "softterm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, fileConfig{}, cfg)

	cfg, err = loadConfig(writeConfig(t, "api_url: https://relay.example\nidle: 45s\njournal: /tmp/j.db\n"))
	require.NoError(t, err)
	require.Equal(t, fileConfig{APIURL: "https://relay.example", Idle: "45s", Journal: "/tmp/j.db"}, cfg)

	cfg, err = loadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, fileConfig{}, cfg)

	_, err = loadConfig(writeConfig(t, "colour: blue\n"))
	require.ErrorContains(t, err, "parse config")

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestApplyConfig_ExplicitFlagsWin(t *testing.T) {
	t.Setenv("SOFTTERM_API_URL", "")
	opts := &options{}
	cmd := &cobra.Command{Use: "softterm", RunE: func(*cobra.Command, []string) error { return nil }}
	registerFlags(cmd, opts)
	require.NoError(t, cmd.ParseFlags([]string{"--api-url", "http://flag"}))

	require.NoError(t, applyConfig(cmd, fileConfig{APIURL: "http://file", Idle: "45s", LogLevel: "debug"}))
	require.Equal(t, "http://flag", opts.apiURL)
	require.Equal(t, 45*time.Second, opts.idle)
	require.Equal(t, "debug", opts.logLevel)

	require.ErrorContains(t, applyConfig(cmd, fileConfig{Timeout: "soon"}), "config timeout")
}

func TestApplyConfig_EnvironmentBeatsFile(t *testing.T) {
	t.Setenv("SOFTTERM_API_URL", "http://from-env")
	opts := &options{}
	cmd := &cobra.Command{Use: "softterm", RunE: func(*cobra.Command, []string) error { return nil }}
	registerFlags(cmd, opts)
	require.NoError(t, cmd.ParseFlags([]string{}))

	require.NoError(t, applyConfig(cmd, fileConfig{APIURL: "http://from-file", Journal: "/tmp/j.db"}))
	require.Equal(t, "http://from-env", opts.apiURL)
	require.Equal(t, "/tmp/j.db", opts.journal)
}
