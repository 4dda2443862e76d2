package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "version"} {
		assert.True(t, names[name], "expected subcommand %q to be registered", name)
	}
}

func TestVersionCommandPrintsBuildInfo(t *testing.T) {
	cmd := buildRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "gatewayd")
}

func TestServe_MissingConfigFileReturnsMissingInputExitCode(t *testing.T) {
	code := run([]string{"serve", "--config", "/nonexistent/path/gateway.yaml"})
	assert.Equal(t, exitMissingInput, code)
}

func TestServe_InvalidConfigReturnsInvalidConfigExitCode(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/gateway.yaml"
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o644))

	code := run([]string{"serve", "--config", path})
	assert.Equal(t, exitInvalidConfig, code)
}
