package history

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/prasenjit/go-mockengine/internal/logging"
	"github.com/prasenjit/go-mockengine/internal/metrics"
	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/sirupsen/logrus"
)

// Sink receives recorded interactions
type Sink interface {
	Record(ctx context.Context, interaction *models.MockInteraction) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, interaction *models.MockInteraction) error

// Record implements Sink
func (f SinkFunc) Record(ctx context.Context, interaction *models.MockInteraction) error {
	return f(ctx, interaction)
}

// Recorder hands interactions to its sinks on a bounded worker pool. It
// never blocks the caller: when every worker is busy the interaction is
// dropped and counted.
type Recorder struct {
	pool    *ants.Pool
	sinks   []Sink
	timeout time.Duration
	dropped atomic.Int64
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// RecorderOptions configures a Recorder
type RecorderOptions struct {
	PoolSize    int
	SinkTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *logrus.Entry
}

// NewRecorder creates a recorder over sinks
func NewRecorder(opts RecorderOptions, sinks ...Sink) (*Recorder, error) {
	size := opts.PoolSize
	if size <= 0 {
		size = 64
	}
	timeout := opts.SinkTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	r := &Recorder{
		sinks:   sinks,
		timeout: timeout,
		metrics: opts.Metrics,
		log:     logging.OrDiscard(opts.Logger, "history"),
	}

	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			r.log.WithField("panic", p).Error("Interaction sink panicked")
		}),
	)
	if err != nil {
		return nil, err
	}
	r.pool = pool
	return r, nil
}

// Record queues an interaction for every sink
func (r *Recorder) Record(interaction *models.MockInteraction) {
	if interaction.ID == "" {
		interaction.ID = uuid.New().String()
	}
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = time.Now()
	}

	err := r.pool.Submit(func() {
		r.deliver(interaction)
	})
	if err == nil {
		return
	}

	r.dropped.Add(1)
	r.metrics.Dropped()
	entry := r.log.WithFields(logrus.Fields{
		"interactionId": interaction.ID,
		"projectId":     interaction.ProjectID,
		"environmentId": interaction.EnvironmentID,
	})
	if errors.Is(err, ants.ErrPoolOverload) {
		entry.Warn("Recorder saturated, interaction dropped")
	} else {
		entry.WithError(err).Warn("Interaction dropped")
	}
}

func (r *Recorder) deliver(interaction *models.MockInteraction) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	for _, sink := range r.sinks {
		if err := sink.Record(ctx, interaction); err != nil {
			r.log.WithField("interactionId", interaction.ID).WithError(err).Warn("Interaction sink failed")
		}
	}
}

// Dropped returns how many interactions were dropped
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Running returns the number of busy workers
func (r *Recorder) Running() int {
	return r.pool.Running()
}

// Close waits up to timeout for queued deliveries and stops the pool
func (r *Recorder) Close(timeout time.Duration) error {
	return r.pool.ReleaseTimeout(timeout)
}
