package usage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/apiengine/internal/shared/database"
	"github.com/mrmushfiq/apiengine/internal/shared/logger"
	"github.com/mrmushfiq/apiengine/internal/shared/metrics"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

type memorySink struct {
	mu    sync.Mutex
	name  string
	recs  []*models.UsageRecord
	err   error
	block chan struct{}
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) Write(ctx context.Context, rec *models.UsageRecord) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func TestRecorder_DrainsOnClose(t *testing.T) {
	sink := &memorySink{name: "mem"}
	r := NewRecorder(sink, nil, 16, metrics.NewUnregistered(), logger.Discard())

	for i := 0; i < 10; i++ {
		r.Record(&models.UsageRecord{DefinitionID: "api-1", Method: "GET", StatusCode: 200})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	assert.Equal(t, 10, sink.len())
	for _, rec := range sink.recs {
		assert.NotEmpty(t, rec.ID)
		assert.False(t, rec.CreatedAt.IsZero())
	}

	// Records after close are still written, inline.
	r.Record(&models.UsageRecord{DefinitionID: "api-1"})
	assert.Equal(t, 11, sink.len())
}

func TestRecorder_FullQueueWritesInline(t *testing.T) {
	sink := &memorySink{name: "mem", block: make(chan struct{})}
	r := NewRecorder(sink, nil, 1, metrics.NewUnregistered(), logger.Discard())

	// The worker takes the first record and blocks in the sink; the second
	// fills the queue; the third has to be written by the caller.
	r.Record(&models.UsageRecord{DefinitionID: "a"})
	time.Sleep(50 * time.Millisecond)
	r.Record(&models.UsageRecord{DefinitionID: "b"})

	inline := make(chan struct{})
	go func() {
		r.Record(&models.UsageRecord{DefinitionID: "c"})
		close(inline)
	}()

	time.Sleep(50 * time.Millisecond)
	close(sink.block)
	<-inline

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 3, sink.len())
}

func TestRecorder_SecondaryFailureIsIsolated(t *testing.T) {
	primary := &memorySink{name: "db"}
	broken := &memorySink{name: "kafka", err: errors.New("broker down")}
	m := metrics.NewUnregistered()
	r := NewRecorder(primary, []Sink{broken}, 4, m, logger.Discard())

	r.Record(&models.UsageRecord{DefinitionID: "api-1"})
	require.NoError(t, r.Close(context.Background()))

	assert.Equal(t, 1, primary.len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UsageRecordsTotal.WithLabelValues("db", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UsageRecordsTotal.WithLabelValues("kafka", "error")))
}

func TestDBSink(t *testing.T) {
	db, err := database.New("sqlite://:memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(context.Background()))
	createDefinition(t, db, "api-1", "echo")

	r := NewRecorder(NewDBSink(db), nil, 4, metrics.NewUnregistered(), logger.Discard())
	r.Record(&models.UsageRecord{DefinitionID: "api-1", Caller: "ip:10.0.0.1", Method: "POST", StatusCode: 504, ErrorKind: "upstream_timeout"})
	require.NoError(t, r.Close(context.Background()))

	recs, err := db.ListUsage(context.Background(), "api-1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 504, recs[0].StatusCode)
	assert.Equal(t, "upstream_timeout", recs[0].ErrorKind)
}

func TestDBSink_DeletedDefinitionLeavesNoUsage(t *testing.T) {
	ctx := context.Background()
	db, err := database.New("sqlite://:memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(ctx))
	createDefinition(t, db, "api-1", "echo")

	gate := make(chan struct{})
	sink := &gatedSink{Sink: NewDBSink(db), gate: gate}
	r := NewRecorder(sink, nil, 4, metrics.NewUnregistered(), logger.Discard())

	// The request finished while the definition existed; its record is
	// still queued when the owner deletes the API.
	r.Record(&models.UsageRecord{DefinitionID: "api-1", Caller: "ip:10.0.0.1", Method: "GET", StatusCode: 200})
	require.NoError(t, db.DeleteDefinition(ctx, "api-1"))
	close(gate)
	require.NoError(t, r.Close(ctx))

	n, err := db.CountUsage(ctx, "api-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

type gatedSink struct {
	Sink
	gate chan struct{}
}

func (s *gatedSink) Write(ctx context.Context, rec *models.UsageRecord) error {
	<-s.gate
	return s.Sink.Write(ctx, rec)
}

func createDefinition(t *testing.T, db *database.DB, id, path string) {
	t.Helper()
	require.NoError(t, db.CreateDefinition(context.Background(), &models.Definition{
		ID: id, OwnerID: "user-1", Name: path, Path: path, Code: "print(1)", Language: "python",
		Visibility: models.VisibilityPublic, Status: models.StatusDraft,
	}))
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "apiengine.usage"}

	rec := &models.UsageRecord{ID: "u1", DefinitionID: "api-9", Method: "GET", StatusCode: 200, CreatedAt: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, sink.Write(context.Background(), rec))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "apiengine.usage", msg.Topic)
	assert.Equal(t, []byte("api-9"), msg.Key)

	var decoded models.UsageRecord
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "u1", decoded.ID)
	assert.Equal(t, 200, decoded.StatusCode)

	_, err := NewKafkaSink(nil, "t")
	assert.Error(t, err)
}
