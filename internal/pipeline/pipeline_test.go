package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoingest/internal/db"
	"geoingest/internal/geojson"
	"geoingest/internal/ingesterrors"
	"geoingest/internal/loader"
	"geoingest/internal/metrics"
	"geoingest/internal/models"
	"geoingest/internal/store"
	"geoingest/internal/ws"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string]string
	err     error
	delay   time.Duration
}

func (f *fakeObjects) put(bucket, key, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string]string{}
	}
	f.objects[bucket+"/"+key] = body
}

func (f *fakeObjects) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, ingesterrors.Newf(ingesterrors.KindNotFound, "object s3://%s/%s not found", bucket, key)
	}
	return []byte(body), nil
}

// memoryLoader mimics the replace semantics of the PostGIS loader.
type memoryLoader struct {
	mu      sync.Mutex
	tables  map[string][]json.RawMessage
	loadErr error
	calls   int
}

func (m *memoryLoader) TableName(key string) string { return loader.DeriveTableName(key, "") }

func (m *memoryLoader) Load(ctx context.Context, key string, features []geojson.Feature) (loader.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.loadErr != nil {
		return loader.Result{}, m.loadErr
	}
	if m.tables == nil {
		m.tables = map[string][]json.RawMessage{}
	}
	rows := make([]json.RawMessage, 0, len(features))
	for _, f := range features {
		rows = append(rows, f.Geometry)
	}
	table := m.TableName(key)
	m.tables[table] = rows
	return loader.Result{Table: table, Rows: int64(len(rows)), ProcessingID: uuid.NewString()}, nil
}

func (m *memoryLoader) rows(table string) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables[table]
}

type harness struct {
	objects *fakeObjects
	loader  *memoryLoader
	ledger  *store.Store
	hub     *ws.Hub
	p       *Pipeline
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	gormDB, err := db.Open(db.Config{Backend: db.BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	st, err := store.New(gormDB)
	require.NoError(t, err)

	h := &harness{objects: &fakeObjects{}, loader: &memoryLoader{}, ledger: st, hub: ws.NewHub()}
	h.p = New(Dependencies{
		Fetcher: h.objects,
		Loader:  h.loader,
		Ledger:  st,
		Hub:     h.hub,
		Metrics: metrics.New(),
		Options: opts,
	})
	return h
}

func collection(n int) string {
	features := make([]string, 0, n)
	for i := 0; i < n; i++ {
		features = append(features, fmt.Sprintf(`{"type":"Feature","geometry":{"type":"Point","coordinates":[%d,1]},"properties":{"i":%d}}`, i, i))
	}
	return `{"type":"FeatureCollection","features":[` + strings.Join(features, ",") + `]}`
}

func TestProcessLoadsEveryFeature(t *testing.T) {
	h := newHarness(t, Options{})
	h.objects.put("uploads", "city/parks.geojson", collection(3))

	res, err := h.p.Process(context.Background(), models.IngestRequest{Bucket: "uploads", Key: "city/parks.geojson"}, models.TriggerDirect)
	require.NoError(t, err)
	assert.Equal(t, "city_parks_geojson", res.Table)
	assert.EqualValues(t, 3, res.Rows)
	assert.NotEmpty(t, res.RunID)

	rows := h.loader.rows("city_parks_geojson")
	require.Len(t, rows, 3)
	assert.JSONEq(t, `{"type":"Point","coordinates":[2,1]}`, string(rows[2]))

	run, ok, err := h.ledger.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.EqualValues(t, 3, run.RowsWritten)
}

func TestProcessReplacesTable(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	req := models.IngestRequest{Bucket: "uploads", Key: "A.geojson"}

	h.objects.put("uploads", "A.geojson", collection(3))
	_, err := h.p.Process(ctx, req, models.TriggerDirect)
	require.NoError(t, err)

	h.objects.put("uploads", "A.geojson", collection(1))
	res, err := h.p.Process(ctx, req, models.TriggerDirect)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Rows)
	assert.Len(t, h.loader.rows("a_geojson"), 1)
}

func TestProcessRejectsBeforeLoading(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		kind    ingesterrors.Kind
		feature int
		indexed bool
	}{
		{name: "missing features", body: `{"type":"FeatureCollection"}`, kind: ingesterrors.KindSchemaViolation},
		{name: "truncated", body: `{"type": "Fea`, kind: ingesterrors.KindMalformedJSON},
		{name: "feature without geometry", body: `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]}},{"type":"Feature","properties":{}}]}`, kind: ingesterrors.KindSchemaViolation, feature: 1, indexed: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.objects.put("b", "bad.geojson", tc.body)

			res, err := h.p.Process(context.Background(), models.IngestRequest{Bucket: "b", Key: "bad.geojson"}, models.TriggerEvent)
			require.Error(t, err)
			assert.Equal(t, tc.kind, ingesterrors.KindOf(err))
			idx, ok := ingesterrors.FeatureIndexOf(err)
			assert.Equal(t, tc.indexed, ok)
			if tc.indexed {
				assert.Equal(t, tc.feature, idx)
			}
			assert.Zero(t, h.loader.calls)
			assert.Zero(t, res.Rows)

			run, found, err := h.ledger.GetRun(context.Background(), res.RunID)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, models.RunStatusFailed, run.Status)
			require.NotNil(t, run.ErrorKind)
			assert.Equal(t, string(tc.kind), *run.ErrorKind)
		})
	}
}

func TestProcessPropagatesLoaderKinds(t *testing.T) {
	h := newHarness(t, Options{})
	h.objects.put("b", "k.geojson", collection(2))
	h.loader.loadErr = ingesterrors.New(ingesterrors.KindCredentialUnavailable, "secret store unreachable")

	_, err := h.p.Process(context.Background(), models.IngestRequest{Bucket: "b", Key: "k.geojson"}, models.TriggerQueue)
	require.Error(t, err)
	assert.Equal(t, ingesterrors.KindCredentialUnavailable, ingesterrors.KindOf(err))
	assert.Empty(t, h.loader.rows("k_geojson"))
}

func TestProcessStageTimeout(t *testing.T) {
	h := newHarness(t, Options{StageTimeout: 20 * time.Millisecond})
	h.objects.delay = time.Second
	h.objects.put("b", "slow.geojson", collection(1))

	_, err := h.p.Process(context.Background(), models.IngestRequest{Bucket: "b", Key: "slow.geojson"}, models.TriggerDirect)
	require.Error(t, err)
	assert.Equal(t, ingesterrors.KindTimeout, ingesterrors.KindOf(err))
}

func TestProcessNotFound(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.p.Process(context.Background(), models.IngestRequest{Bucket: "b", Key: "missing.geojson"}, models.TriggerDirect)
	assert.Equal(t, ingesterrors.KindNotFound, ingesterrors.KindOf(err))
}

func TestProcessRequiresBucketAndKey(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.p.Process(context.Background(), models.IngestRequest{Key: "k"}, models.TriggerDirect)
	assert.Equal(t, ingesterrors.KindInvalidRequest, ingesterrors.KindOf(err))
}

func TestProcessEmptyCollectionPolicy(t *testing.T) {
	empty := `{"type":"FeatureCollection","features":[]}`

	h := newHarness(t, Options{})
	h.objects.put("b", "empty.geojson", empty)
	res, err := h.p.Process(context.Background(), models.IngestRequest{Bucket: "b", Key: "empty.geojson"}, models.TriggerDirect)
	require.NoError(t, err)
	assert.Zero(t, res.Rows)

	strict := newHarness(t, Options{Validation: geojson.Options{RejectEmptyFeatures: true}})
	strict.objects.put("b", "empty.geojson", empty)
	_, err = strict.p.Process(context.Background(), models.IngestRequest{Bucket: "b", Key: "empty.geojson"}, models.TriggerDirect)
	assert.Equal(t, ingesterrors.KindSchemaViolation, ingesterrors.KindOf(err))
	assert.Zero(t, strict.loader.calls)
}

func TestProcessPublishesEvents(t *testing.T) {
	h := newHarness(t, Options{})
	client, _ := h.hub.Subscribe(ws.Subscription{})
	defer h.hub.Unsubscribe(client)
	h.objects.put("b", "k.geojson", collection(1))

	res, err := h.p.Process(context.Background(), models.IngestRequest{Bucket: "b", Key: "k.geojson"}, models.TriggerDirect)
	require.NoError(t, err)

	var types []string
	for i := 0; i < 2; i++ {
		msg := <-client.Messages()
		var evt ws.Event
		require.NoError(t, json.Unmarshal(msg.Data, &evt))
		assert.Equal(t, res.RunID, evt.RunID)
		types = append(types, evt.Type)
	}
	assert.Equal(t, []string{ws.EventIngestStarted, ws.EventIngestSucceeded}, types)
}

func TestProcessWorksWithoutLedgerOrHub(t *testing.T) {
	objects := &fakeObjects{}
	objects.put("b", "k.geojson", collection(2))
	p := New(Dependencies{Fetcher: objects, Loader: &memoryLoader{}})

	res, err := p.Process(context.Background(), models.IngestRequest{Bucket: "b", Key: "k.geojson"}, models.TriggerSingleFile)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Rows)
	assert.NotEmpty(t, res.RunID)
}
