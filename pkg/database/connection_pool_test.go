package database

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestConnect_SQLiteDefaults(t *testing.T) {
	db, err := Connect(Config{Driver: "sqlite"}, hclog.NewNullLogger())
	require.NoError(t, err)
	defer func() { _ = Close(db) }()

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections, "in-memory sqlite must use a single connection")
}

func TestConnect_CustomPool(t *testing.T) {
	db, err := Connect(Config{Driver: "sqlite3", DSN: ":memory:", MaxOpenConns: 3}, nil)
	require.NoError(t, err)
	defer func() { _ = Close(db) }()

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 3, sqlDB.Stats().MaxOpenConnections)
}

func TestConnect_Errors(t *testing.T) {
	_, err := Connect(Config{Driver: "mysql"}, nil)
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = Connect(Config{Driver: "postgres"}, nil)
	assert.ErrorContains(t, err, "requires a dsn")
}

func TestGormLogger(t *testing.T) {
	var buf bytes.Buffer
	log := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Trace})
	gl := NewGormLogger(log)

	fc := func() (string, int64) { return "SELECT 1", 1 }

	gl.Trace(context.Background(), time.Now(), fc, gorm.ErrRecordNotFound)
	assert.NotContains(t, buf.String(), "database query failed")

	gl.Trace(context.Background(), time.Now(), fc, errors.New("disk I/O error"))
	assert.Contains(t, buf.String(), "database query failed")

	buf.Reset()
	gl.LogMode(logger.Silent).Trace(context.Background(), time.Now(), fc, errors.New("boom"))
	assert.Empty(t, buf.String())
}
