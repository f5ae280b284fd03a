package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/acksell/immaterial/dynamodb/ddbstate"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		cfg, path, err := LoadConfig("", t.TempDir())
		require.NoError(t, err)
		require.Equal(t, FileConfig{}, cfg)
		require.Empty(t, path)
	})

	t.Run("walks up", func(t *testing.T) {
		root := t.TempDir()
		data := "tableName: orders\nregion: eu-north-1\nworkspace: prod\nlog:\n  level: debug\n  pretty: true\n"
		require.NoError(t, os.WriteFile(filepath.Join(root, configFileName), []byte(data), 0o644))
		deep := filepath.Join(root, "a", "b")
		require.NoError(t, os.MkdirAll(deep, 0o755))

		cfg, path, err := LoadConfig("", deep)
		require.NoError(t, err)
		require.Equal(t, filepath.Join(root, configFileName), path)
		require.Equal(t, FileConfig{
			TableName: "orders",
			Region:    "eu-north-1",
			Workspace: "prod",
			Log:       LogConfig{Level: "debug", Pretty: true},
		}, cfg)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("tags: [unterminated"), 0o644))
		_, _, err := LoadConfig(path, "")
		require.ErrorContains(t, err, "parse config")
	})
}

func TestMerge(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s := merge(FileConfig{}, Globals{})
		require.Equal(t, defaultStateDir, s.StateDir)
		require.Equal(t, ddbstate.DefaultWorkspace, s.Workspace)
		require.Equal(t, defaultLogLevel, s.LogLevel)
		require.Nil(t, s.Inputs.Tags)
	})

	t.Run("flags override file", func(t *testing.T) {
		file := FileConfig{
			TableName: "orders",
			Tags:      map[string]string{"env": "dev", "team": "data"},
			Region:    "us-east-1",
			StateDir:  "state",
			Log:       LogConfig{Level: "warn"},
		}
		s := merge(file, Globals{
			TableName: "orders_v2",
			Tags:      map[string]string{"env": "prod"},
			Region:    "eu-west-1",
			LogLevel:  "debug",
			Pretty:    true,
		})
		require.Equal(t, "orders_v2", s.Inputs.TableName)
		require.Equal(t, map[string]string{"env": "prod", "team": "data"}, s.Inputs.Tags)
		require.Equal(t, "eu-west-1", s.Region)
		require.Equal(t, "state", s.StateDir)
		require.Equal(t, "debug", s.LogLevel)
		require.True(t, s.Pretty)

		// The file's map is not modified.
		require.Equal(t, "dev", file.Tags["env"])
	})
}

func TestResolveStateDir(t *testing.T) {
	require.Equal(t, filepath.Join("/repo", ".ddb/state"), resolveStateDir(".ddb/state", "/repo"))
	require.Equal(t, "/var/lib/ddb", resolveStateDir("/var/lib/ddb", "/repo"))
	require.Equal(t, "state", resolveStateDir("state", ""))
}
