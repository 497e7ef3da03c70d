package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/opsgate/internal/config"
	"github.com/loykin/opsgate/pkg/client"
)

func decodeSession(t *testing.T, b []byte) client.Session {
	t.Helper()
	var s client.Session
	require.NoError(t, json.Unmarshal(b, &s))
	require.NotEmpty(t, s.ID)
	return s
}

func TestHelpListsCommands(t *testing.T) {
	var out bytes.Buffer
	root := buildRoot(&out)
	require.NoError(t, executeContext(context.Background(), root, "--help"))
	for _, name := range []string{"serve", "launch", "git", "power"} {
		assert.Contains(t, out.String(), name)
	}
}

func TestPowerShowRequiresAction(t *testing.T) {
	root := buildRoot(&bytes.Buffer{})
	err := executeContext(context.Background(), root, "power", "show")
	assert.Error(t, err)
}

func TestPowerCommandThroughTree(t *testing.T) {
	rf, _ := startDaemon(t)
	var out bytes.Buffer
	root := buildRoot(&out)
	require.NoError(t, executeContext(context.Background(), root,
		"power", "shutdown", "--api-url", rf.APIUrl, "--actor-id", "3", "--actor-label", "bob", "--json"))
	s := decodeSession(t, out.Bytes())
	assert.Equal(t, "shutdown", s.Action)
	assert.Equal(t, "bob", s.RequestedBy.Label)
}

func TestLaunchConfigDefaultsToServe(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	lc, err := launchConfig(cfg, "opsgate.toml", LaunchFlags{})
	require.NoError(t, err)
	self, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, self, lc.Command)
	abs, _ := filepath.Abs("opsgate.toml")
	assert.Equal(t, []string{"serve", "--config", abs}, lc.Args)

	cfg.Launch.Command = "/usr/bin/env"
	cfg.Launch.Args = []string{"true"}
	lc, err = launchConfig(cfg, "", LaunchFlags{})
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/env", lc.Command)
	assert.Equal(t, []string{"true"}, lc.Args)
}

func TestExitErrorMessage(t *testing.T) {
	assert.Equal(t, "exit status 5", (&exitError{code: 5}).Error())
}

func executeContext(ctx context.Context, root *cobra.Command, args ...string) error {
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
