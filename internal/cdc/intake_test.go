package cdc

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/hashicorp/go-hclog"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-probe/internal/buffer"
	"github.com/katasec/dstream-probe/internal/handlers"
	"github.com/katasec/dstream-probe/internal/schema"
	"github.com/katasec/dstream-probe/internal/worker"
	cdctypes "github.com/katasec/dstream-probe/pkg/cdc"
)

const sourceSchema = `
CREATE TABLE ARTICULOS (
    ARTICULO_ID INTEGER PRIMARY KEY,
    NOMBRE VARCHAR(100) NOT NULL,
    ES_ALMACENABLE CHAR(1),
    PRECIO NUMERIC(18,2)
);`

type fixture struct {
	conn   *sql.DB
	buf    *buffer.Buffer
	specs  []schema.TableSpec
	source string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	conn, err := sql.Open("sqlite3", filepath.Join(dir, "source.db"))
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	_, err = conn.Exec(sourceSchema)
	require.NoError(t, err)

	mgr := schema.NewManager(conn, schema.NewSQLiteDialect(), schema.WithLogger(hclog.NewNullLogger()))
	res, err := mgr.InstallSchema(ctx, nil)
	require.NoError(t, err)

	buf, err := buffer.Open(ctx, filepath.Join(dir, "buffer.db"), buffer.WithLogger(hclog.NewNullLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	return &fixture{conn: conn, buf: buf, specs: res.Specs, source: "test/source.db"}
}

func (f *fixture) insertArticulos(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.conn.Exec(`INSERT INTO ARTICULOS (NOMBRE, ES_ALMACENABLE, PRECIO) VALUES (?, ?, ?)`,
			gofakeit.ProductName(), gofakeit.RandomString([]string{"S", "N"}), gofakeit.Price(1, 500))
		require.NoError(t, err)
	}
}

func (f *fixture) changeLogSeqs(t *testing.T) []int64 {
	t.Helper()
	rows, err := f.conn.Query(`SELECT SEQ_ID FROM PROBE_CHANGES_LOG ORDER BY SEQ_ID`)
	require.NoError(t, err)
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var seq int64
		require.NoError(t, rows.Scan(&seq))
		out = append(out, seq)
	}
	require.NoError(t, rows.Err())
	return out
}

func (f *fixture) newPool(t *testing.T) *worker.Pool {
	pool := worker.NewPool(2, handlers.DefaultRegistry(f.specs), f.buf, worker.WithLogger(hclog.NewNullLogger()))
	pool.Start(context.Background())
	t.Cleanup(func() {
		pool.Close()
		pool.Wait()
	})
	return pool
}

func (f *fixture) newIntake(pool Submitter, opts ...Option) *Intake {
	opts = append([]Option{WithLogger(hclog.NewNullLogger())}, opts...)
	return New(f.conn, schema.NewSQLiteDialect(), pool, f.buf, f.source, opts...)
}

// scriptedPool acknowledges tasks synchronously with the result of ack
type scriptedPool struct {
	mu   sync.Mutex
	seen []int64
	ack  func(rec cdctypes.RawChangeRecord) worker.Result
}

func (p *scriptedPool) Submit(_ context.Context, t worker.Task) error {
	p.mu.Lock()
	p.seen = append(p.seen, t.Record.SequenceID)
	p.mu.Unlock()
	t.Done <- p.ack(t.Record)
	return nil
}

// flakySink fails to buffer one sequence id
type flakySink struct {
	*buffer.Buffer
	failSeq int64
}

func (s *flakySink) Enqueue(ctx context.Context, c cdctypes.Change) (buffer.Entry, error) {
	if c.SequenceID == s.failSeq {
		return buffer.Entry{}, errors.New("disk I/O error")
	}
	return s.Buffer.Enqueue(ctx, c)
}

func durableUnless(skip ...int64) func(cdctypes.RawChangeRecord) worker.Result {
	return func(rec cdctypes.RawChangeRecord) worker.Result {
		for _, s := range skip {
			if rec.SequenceID == s {
				return worker.Result{SequenceID: rec.SequenceID}
			}
		}
		return worker.Result{SequenceID: rec.SequenceID, Durable: true}
	}
}

func TestPollOnceBuffersAndDeletesRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertArticulos(t, 5)

	in := f.newIntake(f.newPool(t), WithPageSize(3))
	assert.Equal(t, Idle, in.State())

	n, err := in.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{4, 5}, f.changeLogSeqs(t))
	assert.EqualValues(t, 3, in.Checkpoint().LastSeenSequenceID)

	n, err = in.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, f.changeLogSeqs(t))
	assert.Equal(t, Idle, in.State())

	stats, err := f.buf.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.Pending)

	cp, err := f.buf.LoadCheckpoint(ctx, f.source)
	require.NoError(t, err)
	assert.EqualValues(t, 5, cp.LastSeenSequenceID)
	assert.Equal(t, in.Checkpoint().Generation, cp.Generation)

	n, err = in.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, in.LastPoll().IsZero())
}

func TestCheckpointStopsAtFirstUndurableRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertArticulos(t, 5)

	pool := &scriptedPool{ack: durableUnless(3)}
	in := f.newIntake(pool)

	_, err := in.PollOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, []int64{3, 4, 5}, f.changeLogSeqs(t), "rows after the failed one are kept")
	assert.EqualValues(t, 2, in.Checkpoint().LastSeenSequenceID)

	pool.ack = durableUnless()
	n, err := in.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, f.changeLogSeqs(t))
	assert.EqualValues(t, 3, in.Checkpoint().LastSeenSequenceID)
}

func TestFailedRowHoldsBackOnlyItsTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertArticulos(t, 3)
	_, err := f.conn.Exec(`INSERT INTO PROBE_CHANGES_LOG (SEQ_ID, TABLE_NAME, OPERATION, PK_DATA, NEW_DATA)
		VALUES (4, 'CLIENTES', 'INSERT', '{"CLIENTE_ID":1}', '{"CLIENTE_ID":1,"NOMBRE":"X"}')`)
	require.NoError(t, err)

	pool := &scriptedPool{ack: durableUnless(2)}
	in := f.newIntake(pool)

	_, err = in.PollOnce(ctx)
	require.ErrorContains(t, err, "1 of 4")
	assert.Equal(t, []int64{2, 3}, f.changeLogSeqs(t))
	assert.EqualValues(t, 1, in.Checkpoint().LastSeenSequenceID)
}

func TestFailedRowKeepsBufferOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertArticulos(t, 3)

	sink := &flakySink{Buffer: f.buf, failSeq: 2}
	pool := worker.NewPool(1, handlers.DefaultRegistry(f.specs), sink, worker.WithLogger(hclog.NewNullLogger()))
	pool.Start(ctx)
	t.Cleanup(func() {
		pool.Close()
		pool.Wait()
	})
	in := f.newIntake(pool)

	_, err := in.PollOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, []int64{2, 3}, f.changeLogSeqs(t))

	sink.failSeq = 0
	_, err = in.PollOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.changeLogSeqs(t))

	entries, err := f.buf.NextBatch(ctx, 10)
	require.NoError(t, err)
	var seqs []int64
	for _, e := range entries {
		seqs = append(seqs, e.Change.SequenceID)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestSweepReadsRowsBelowCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertArticulos(t, 3)

	pool := &scriptedPool{ack: durableUnless()}
	in := f.newIntake(pool, WithSweepEvery(2))

	_, err := in.PollOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, in.Checkpoint().LastSeenSequenceID)

	// a transaction that committed late with a lower sequence id
	_, err = f.conn.Exec(`INSERT INTO PROBE_CHANGES_LOG (SEQ_ID, TABLE_NAME, OPERATION, PK_DATA, NEW_DATA)
		VALUES (2, 'ARTICULOS', 'INSERT', '{"ARTICULO_ID":99}', '{"ARTICULO_ID":99,"NOMBRE":"X"}')`)
	require.NoError(t, err)

	n, err := in.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no sweep on this cycle")

	n, err = in.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.changeLogSeqs(t))
	assert.EqualValues(t, 3, in.Checkpoint().LastSeenSequenceID, "sweep does not move the checkpoint")
	assert.Equal(t, []int64{1, 2, 3, 2}, pool.seen)
}

func TestQueryFailureKeepsCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertArticulos(t, 2)

	in := f.newIntake(&scriptedPool{ack: durableUnless()})
	_, err := in.PollOnce(ctx)
	require.NoError(t, err)

	_, err = f.conn.Exec(`DROP TABLE PROBE_CHANGES_LOG`)
	require.NoError(t, err)

	_, err = in.PollOnce(ctx)
	require.Error(t, err)
	assert.EqualValues(t, 2, in.Checkpoint().LastSeenSequenceID)
}

func TestUpdatesProduceDistinctOrderedChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertArticulos(t, 1)
	for _, price := range []float64{10.5, 11.75} {
		_, err := f.conn.Exec(`UPDATE ARTICULOS SET PRECIO = ? WHERE ARTICULO_ID = 1`, price)
		require.NoError(t, err)
	}

	in := f.newIntake(f.newPool(t))
	_, err := in.PollOnce(ctx)
	require.NoError(t, err)

	batch, err := f.buf.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, cdctypes.Insert, batch[0].Change.Operation)
	assert.Equal(t, cdctypes.Update, batch[1].Change.Operation)
	assert.Equal(t, cdctypes.Update, batch[2].Change.Operation)
	assert.NotEqual(t, batch[1].ID(), batch[2].ID())
	assert.Less(t, batch[1].Change.SequenceID, batch[2].Change.SequenceID)

	_, ok := batch[0].Change.After["ES_ALMACENABLE"].(bool)
	assert.True(t, ok, "S/N flags decode to booleans")
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.insertArticulos(t, 2)
	in := f.newIntake(&scriptedPool{ack: durableUnless()}, WithPollInterval(10*time.Millisecond, 50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- in.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.changeLogSeqs(t)) == 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("intake did not stop")
	}
	assert.Equal(t, Idle, in.State())
}

func TestParseCapturedAt(t *testing.T) {
	want := time.Date(2024, 1, 15, 12, 30, 45, 123000000, time.UTC)
	cases := []struct {
		name string
		in   any
	}{
		{"time", want.In(time.FixedZone("CST", -6*3600))},
		{"sqlite text", "2024-01-15T12:30:45.123Z"},
		{"bytes", []byte("2024-01-15 12:30:45.123")},
		{"no zone", "2024-01-15T12:30:45.123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseCapturedAt(tc.in)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	_, err := parseCapturedAt(nil)
	assert.Error(t, err)
	_, err = parseCapturedAt("yesterday")
	assert.Error(t, err)
}
