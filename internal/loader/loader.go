// Package loader writes validated features into PostGIS, replacing the table
// derived from the object key.
package loader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"geoingest/internal/geojson"
	"geoingest/internal/ingesterrors"
	"geoingest/internal/logging"
)

const DefaultBatchSize = 1000

// Conn scopes access to a PostGIS handle; *db.Connector satisfies it.
type Conn interface {
	WithConn(ctx context.Context, fn func(*gorm.DB) error) error
}

type Options struct {
	TablePrefix string
	BatchSize   int
}

type Result struct {
	Table        string
	Rows         int64
	ProcessingID string
}

type Loader struct {
	conn  Conn
	opts  Options
	now   func() time.Time
	newID func() uuid.UUID
	log   *logging.Logger
}

func New(conn Conn, opts Options) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Loader{
		conn:  conn,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.New,
		log:   logging.Default().With("loader"),
	}
}

// TableName reports the table a key would be loaded into.
func (l *Loader) TableName(key string) string {
	return DeriveTableName(key, l.opts.TablePrefix)
}

// Load replaces the table derived from key with features. On failure the
// previous table, if any, is left as it was.
func (l *Loader) Load(ctx context.Context, key string, features []geojson.Feature) (Result, error) {
	table := l.TableName(key)
	if table == "" {
		return Result{}, ingesterrors.Newf(ingesterrors.KindInvalidRequest, "key %q yields an empty table name", key)
	}

	cols := InferColumns(features)
	meta := rowMeta{
		fileSource:   key,
		processedAt:  l.now(),
		processingID: l.newID().String(),
	}
	size := batchSize(l.opts.BatchSize, len(cols))

	var rows int64
	err := l.conn.WithConn(ctx, func(gdb *gorm.DB) error {
		if err := gdb.Exec("CREATE EXTENSION IF NOT EXISTS postgis").Error; err != nil {
			return ingesterrors.Wrap(ingesterrors.KindStorageUnavailable, "enable postgis", err)
		}

		err := gdb.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(lockTableSQL, table).Error; err != nil {
				return err
			}
			if err := tx.Exec(dropTableSQL(table)).Error; err != nil {
				return err
			}
			if err := tx.Exec(createTableSQL(table, cols)).Error; err != nil {
				return err
			}
			for start := 0; start < len(features); start += size {
				end := min(start+size, len(features))
				query, args, err := insertSQL(table, cols, features[start:end], meta)
				if err != nil {
					return err
				}
				res := tx.Exec(query, args...)
				if res.Error != nil {
					return res.Error
				}
				rows += res.RowsAffected
			}
			return nil
		})
		if err != nil {
			rows = 0
			if ctx.Err() != nil {
				return ingesterrors.Wrap(ingesterrors.KindTimeout, "write table "+table, err)
			}
			return ingesterrors.Wrap(ingesterrors.KindStorageWriteError, "write table "+table, err)
		}
		return nil
	})
	if err != nil {
		if ingesterrors.Is(err, ingesterrors.KindUnknown) {
			err = ingesterrors.Wrap(ingesterrors.KindStorageWriteError, "write table "+table, err)
		}
		return Result{}, err
	}

	l.log.Infof("replaced table %s with %d rows from %s (processing_id=%s)", table, rows, key, meta.processingID)
	return Result{Table: table, Rows: rows, ProcessingID: meta.processingID}, nil
}
