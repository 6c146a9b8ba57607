package indexer

import (
	"context"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/pkg/catalog"
	"github.com/Aman-CERP/vecdest/pkg/document"
	"github.com/Aman-CERP/vecdest/pkg/message"
)

// Operation label values.
const (
	opPreSync  = "pre_sync"
	opIndex    = "index"
	opPostSync = "post_sync"
	opCheck    = "check"
)

// Metrics holds the indexer Prometheus metrics.
type Metrics struct {
	ChunksIndexed      prometheus.Counter
	RecordsDeleted     prometheus.Counter
	StreamsOverwritten prometheus.Counter
	Errors             *prometheus.CounterVec
	Duration           *prometheus.HistogramVec
	BatchSize          prometheus.Histogram
}

// NewMetrics registers the indexer metrics with reg under namespace.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChunksIndexed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_indexed_total",
			Help:      "Total chunks written to the destination",
		}),
		RecordsDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_deleted_total",
			Help:      "Total record ids whose chunks were removed",
		}),
		StreamsOverwritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_overwritten_total",
			Help:      "Total overwrite streams cleared before a sync",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total failed indexer operations",
		}, []string{"operation", "error_code"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time spent in indexer operations",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10},
		}, []string{"operation"}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_chunks",
			Help:      "Number of chunks per Index call",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000},
		}),
	}
}

// Instrumented records metrics around another Indexer.
type Instrumented struct {
	next    Indexer
	metrics *Metrics
}

var _ Indexer = (*Instrumented)(nil)

// NewInstrumented wraps next.
func NewInstrumented(next Indexer, metrics *Metrics) *Instrumented {
	return &Instrumented{next: next, metrics: metrics}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	i.metrics.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		code := vecerrors.GetCode(err)
		if code == "" {
			code = "unknown"
		}
		i.metrics.Errors.WithLabelValues(op, code).Inc()
	}
}

// PreSync counts the overwrite streams cleared.
func (i *Instrumented) PreSync(ctx context.Context, cat *catalog.Catalog) error {
	start := time.Now()
	err := i.next.PreSync(ctx, cat)
	i.observe(opPreSync, start, err)
	if err == nil {
		i.metrics.StreamsOverwritten.Add(float64(len(cat.OverwriteStreams())))
	}
	return err
}

// Index counts chunks written and records deleted on success.
func (i *Instrumented) Index(ctx context.Context, chunks []*document.Chunk, deleteIDs []string) error {
	start := time.Now()
	err := i.next.Index(ctx, chunks, deleteIDs)
	i.observe(opIndex, start, err)
	if err == nil {
		i.metrics.ChunksIndexed.Add(float64(len(chunks)))
		i.metrics.RecordsDeleted.Add(float64(len(deleteIDs)))
		i.metrics.BatchSize.Observe(float64(len(chunks)))
	}
	return err
}

// PostSync times the wrapped PostSync and passes its messages through.
func (i *Instrumented) PostSync(ctx context.Context) ([]message.Message, error) {
	start := time.Now()
	msgs, err := i.next.PostSync(ctx)
	i.observe(opPostSync, start, err)
	return msgs, err
}

// Check times the wrapped Check and counts a failure by error code.
func (i *Instrumented) Check(ctx context.Context) error {
	start := time.Now()
	err := i.next.Check(ctx)
	i.observe(opCheck, start, err)
	return err
}

// Close closes the wrapped indexer if it implements io.Closer.
func (i *Instrumented) Close() error {
	if c, ok := i.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
