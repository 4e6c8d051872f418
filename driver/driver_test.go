package driver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcstack/workitems"
)

func TestNormalize(t *testing.T) {
	for selector, want := range map[string]string{
		"":                      "sqlite",
		"sqlite":                "sqlite",
		"SQLite":                "sqlite",
		"adapters.FileAdapter":  "sqlite",
		"redis":                 "redis",
		"adapters.RedisAdapter": "redis",
		"docdb":                 "docdb",
		"documentdb":            "docdb",
		"mongodb":               "docdb",
		"adapters.DocDBAdapter": "docdb",
	} {
		got, err := normalize(selector)
		require.NoError(t, err, selector)
		require.Equal(t, want, got, selector)
	}

	var _, err = normalize("postgres")
	require.ErrorIs(t, err, workitems.ErrInvalidArgument)
}

func TestOpenSQLite(t *testing.T) {
	var dir = t.TempDir()
	t.Setenv("RC_WORKITEM_DB_PATH", filepath.Join(dir, "workitems.db"))

	adapter, err := Open(context.Background(), workitems.Config{
		Adapter:   "sqlite",
		QueueName: "jobs",
		FilesDir:  filepath.Join(dir, "files"),
	})
	require.NoError(t, err)
	require.NoError(t, adapter.Close())
}

func TestOpenUnknownAdapter(t *testing.T) {
	var _, err = Open(context.Background(), workitems.Config{Adapter: "postgres"})
	require.ErrorIs(t, err, workitems.ErrInvalidArgument)
}
