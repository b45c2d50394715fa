package loader

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"geoingest/internal/db"
	"geoingest/internal/secrets"
)

// postgisConn connects to the PostGIS named by GEOINGEST_TEST_DATABASE_URL
// and skips the test when it is unset.
func postgisConn(t *testing.T, maxOpen int) *db.Connector {
	t.Helper()
	dsn := os.Getenv("GEOINGEST_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("GEOINGEST_TEST_DATABASE_URL not set")
	}
	resolver, err := secrets.NewStaticResolver(dsn)
	require.NoError(t, err)
	conn := db.NewConnector(resolver, nil, db.PoolOptions{MaxOpenConns: maxOpen})
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestPostGISReplaceSemantics(t *testing.T) {
	conn := postgisConn(t, 2)

	l := New(conn, Options{TablePrefix: "it_"})
	ctx := context.Background()

	res, err := l.Load(ctx, "replace/check.geojson", points(3))
	require.NoError(t, err)
	require.EqualValues(t, 3, res.Rows)

	res, err = l.Load(ctx, "replace/check.geojson", points(1))
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Rows)

	var count int64
	var srid int
	err = conn.WithConn(ctx, func(gdb *gorm.DB) error {
		if err := gdb.Raw(`SELECT count(*) FROM "` + res.Table + `"`).Scan(&count).Error; err != nil {
			return err
		}
		return gdb.Raw(`SELECT ST_SRID(geometry) FROM "` + res.Table + `" LIMIT 1`).Scan(&srid).Error
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Equal(t, 4326, srid)

	_ = conn.WithConn(ctx, func(gdb *gorm.DB) error {
		return gdb.Exec(`DROP TABLE IF EXISTS "` + res.Table + `"`).Error
	})
}

func TestPostGISConcurrentLoadsOfNewTable(t *testing.T) {
	conn := postgisConn(t, 4)
	l := New(conn, Options{TablePrefix: "it_"})
	ctx := context.Background()
	table := l.TableName("race/new.geojson")
	drop := func() {
		_ = conn.WithConn(ctx, func(gdb *gorm.DB) error {
			return gdb.Exec(`DROP TABLE IF EXISTS "` + table + `"`).Error
		})
	}
	drop()
	t.Cleanup(drop)

	var g errgroup.Group
	for n := 1; n <= 4; n++ {
		g.Go(func() error {
			_, err := l.Load(ctx, "race/new.geojson", points(n))
			return err
		})
	}
	require.NoError(t, g.Wait())

	var count int64
	err := conn.WithConn(ctx, func(gdb *gorm.DB) error {
		return gdb.Raw(`SELECT count(*) FROM "` + table + `"`).Scan(&count).Error
	})
	require.NoError(t, err)
	require.True(t, count >= 1 && count <= 4, "count=%d", count)
}
