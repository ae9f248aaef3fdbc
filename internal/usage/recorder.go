// Package usage records one entry per gateway transaction. Records are
// queued and written by a background worker; nothing is dropped when the
// queue is full or the recorder is closing.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/apiengine/internal/shared/metrics"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

const writeTimeout = 5 * time.Second

// Recorder writes usage records to a primary sink and, best effort, to
// any number of secondary sinks.
type Recorder struct {
	primary   Sink
	secondary []Sink
	metrics   *metrics.Metrics
	log       logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	queue  chan *models.UsageRecord
	done   chan struct{}
}

// NewRecorder starts a recorder with a queue of queueSize records.
func NewRecorder(primary Sink, secondary []Sink, queueSize int, m *metrics.Metrics, log logrus.FieldLogger) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		primary:   primary,
		secondary: secondary,
		metrics:   m,
		log:       log.WithField("component", "usage"),
		queue:     make(chan *models.UsageRecord, queueSize),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Record accepts one record. It fills in ID and CreatedAt when missing.
func (r *Recorder) Record(rec *models.UsageRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	if !r.closed {
		select {
		case r.queue <- rec:
			r.mu.RUnlock()
			r.metrics.UsageQueueDepth.Set(float64(len(r.queue)))
			return
		default:
		}
	}
	r.mu.RUnlock()

	// Queue full or closing: write inline.
	r.write(rec)
}

// Close stops accepting queued records and waits until the queue is
// drained or ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		r.metrics.UsageQueueDepth.Set(float64(len(r.queue)))
		r.write(rec)
	}
}

func (r *Recorder) write(rec *models.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.primary.Write(ctx, rec); err != nil {
		r.metrics.UsageRecordsTotal.WithLabelValues(r.primary.Name(), "error").Inc()
		r.log.WithError(err).WithFields(logrus.Fields{
			"api_id": rec.DefinitionID,
			"sink":   r.primary.Name(),
		}).Error("failed to write usage record")
	} else {
		r.metrics.UsageRecordsTotal.WithLabelValues(r.primary.Name(), "ok").Inc()
	}

	for _, s := range r.secondary {
		if err := s.Write(ctx, rec); err != nil {
			r.metrics.UsageRecordsTotal.WithLabelValues(s.Name(), "error").Inc()
			r.log.WithError(err).WithField("sink", s.Name()).Warn("failed to publish usage record")
			continue
		}
		r.metrics.UsageRecordsTotal.WithLabelValues(s.Name(), "ok").Inc()
	}
}
