package cursor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetflow/assetflow/pkg/database"
)

// testStore runs the behavior every Store must share.
func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx, "trigger-1")
	require.NoError(t, err)
	assert.Empty(t, got, "unknown instance has no cursor")

	require.NoError(t, s.Save(ctx, "trigger-1", "c1"))
	require.NoError(t, s.Save(ctx, "trigger-2", "other"))
	require.NoError(t, s.Save(ctx, "trigger-1", "c2"))

	got, err = s.Load(ctx, "trigger-1")
	require.NoError(t, err)
	assert.Equal(t, "c2", got)

	got, err = s.Load(ctx, "trigger-2")
	require.NoError(t, err)
	assert.Equal(t, "other", got, "instances do not share a slot")

	require.NoError(t, s.Reset(ctx, "trigger-1"))
	got, err = s.Load(ctx, "trigger-1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Reset(ctx, "never-saved"))

	_, err = s.Load(ctx, " ")
	assert.Error(t, err)
	assert.Error(t, s.Save(ctx, "", "c"))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewFileStore(fs, "/var/lib/assetflow/cursors")
	require.NoError(t, err)
	testStore(t, s)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	s1, err := NewFileStore(fs, "/cursors")
	require.NoError(t, err)
	require.NoError(t, s1.Save(ctx, "kref://proj/space#watch", "c9"))

	exists, err := afero.Exists(fs, "/cursors/kref___proj_space_watch.json")
	require.NoError(t, err)
	assert.True(t, exists, "instance ids are made file-name safe")

	s2, err := NewFileStore(fs, "/cursors")
	require.NoError(t, err)
	got, err := s2.Load(ctx, "kref://proj/space#watch")
	require.NoError(t, err)
	assert.Equal(t, "c9", got)

	tmp, err := afero.Glob(fs, "/cursors/*.tmp")
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestFileStore_CorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewFileStore(fs, "/cursors")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/cursors/t.json", []byte("{not json"), 0o600))

	_, err = s.Load(context.Background(), "t")
	assert.ErrorContains(t, err, "failed to decode cursor file")
}

func TestSQLStore(t *testing.T) {
	db, err := database.Connect(database.Config{Driver: database.DriverSQLite, DSN: ":memory:"}, hclog.NewNullLogger())
	require.NoError(t, err)

	s, err := NewSQLStore(db)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	testStore(t, s)

	var count int64
	require.NoError(t, db.Model(&StreamCursor{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "upsert keeps one row per instance")
}

func TestOpenSQL_ClosesDatabaseOnMigrationFailure(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cursors.db")
	db, err := database.Connect(database.Config{Driver: database.DriverSQLite, DSN: dsn}, hclog.NewNullLogger())
	require.NoError(t, err)

	// A view squatting on the table name makes the migration fail.
	require.NoError(t, db.Exec("CREATE VIEW stream_cursors AS SELECT 1 AS instance_id").Error)

	s, err := openSQL(db, hclog.NewNullLogger())
	require.Error(t, err)
	assert.Nil(t, s)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.ErrorContains(t, sqlDB.Ping(), "database is closed")
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, StoreConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	assert.NoError(t, Close(s))

	s, err = Open(ctx, StoreConfig{Type: "sqlite", DSN: ":memory:"}, hclog.NewNullLogger())
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	assert.NoError(t, Close(s))

	s, err = Open(ctx, StoreConfig{Type: "file", Path: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(ctx, StoreConfig{Type: "redis"}, nil)
	assert.ErrorContains(t, err, "requires addr")

	_, err = Open(ctx, StoreConfig{Type: "etcd"}, nil)
	assert.ErrorContains(t, err, "unknown cursor store type")
}
