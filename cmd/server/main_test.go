package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	for _, sub := range []string{"serve", "version"} {
		assert.Contains(t, output, sub, "Help missing %q command", sub)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCmd()
	cmd.Version = "1.2.3"
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "1.2.3\n", buf.String())
}

func TestServeCommand_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"8080\"\n"), 0o600))

	cmd := NewRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--config", path, "serve"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.secret")
}

func TestStateCookies(t *testing.T) {
	a := stateCookies("secret")
	encoded, err := a.Encode("state", "xyz")
	require.NoError(t, err)

	var state string
	require.NoError(t, stateCookies("secret").Decode("state", encoded, &state))
	assert.Equal(t, "xyz", state)

	assert.Error(t, stateCookies("other").Decode("state", encoded, &state))
}
