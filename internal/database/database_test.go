package database

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
)

func TestConnectSQLiteAndMigrate(t *testing.T) {
	db, err := Connect("sqlite://file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	require.True(t, db.Migrator().HasTable(&models.Problem{}))
	require.True(t, db.Migrator().HasTable(&models.Attempt{}))
	require.True(t, db.Migrator().HasTable(&models.PendingSubmission{}))
}

func TestConnectRejectsEmptyURLs(t *testing.T) {
	_, err := Connect("")
	require.Error(t, err)

	_, err = Connect("sqlite://")
	require.Error(t, err)

	_, err = ConnectRedis("")
	require.Error(t, err)

	_, err = ConnectNATS("", "gema")
	require.Error(t, err)
}

func TestConnectRedis(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := ConnectRedis("redis://" + server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
}
