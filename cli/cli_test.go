package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestCommandsAgainstLocalRepository(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("NO_COLOR", "1")
	testChdir(t, t.TempDir())

	require.Error(t, run(t, "show"), "no repository yet")
	require.NoError(t, run(t, "init"))
	assert.FileExists(t, filepath.Join(repoDir, "objects.db"))

	require.NoError(t, run(t, "class", "define", "Folder", "name:attr", "tags:attr*", "children:contains"))
	require.NoError(t, run(t, "class", "list"))
	require.NoError(t, run(t, "create", "Folder", "name=docs"))
	require.NoError(t, run(t, "create", "Folder", "name=notes", "--in", "p:1"))
	require.NoError(t, run(t, "set", "p:1", "name=papers"))
	require.NoError(t, run(t, "add", "p:1", "tags", "draft", "2024"))

	require.NoError(t, run(t, "log", "p:1"))
	require.NoError(t, run(t, "show", "p:1"))
	require.NoError(t, run(t, "show"))

	require.NoError(t, run(t, "branch", "create", "dev"))
	require.NoError(t, run(t, "branch", "list"))

	require.NoError(t, run(t, "lock", "p:1"))
	area := readArea()
	require.NotEmpty(t, area)
	require.NoError(t, run(t, "locks"))
	require.NoError(t, run(t, "unlock", "--all"))
	_, err := os.Stat(filepath.Join(repoDir, areaFile))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, run(t, "delete", "p:1"))
	assert.Error(t, run(t, "show", "p:1"))
}
