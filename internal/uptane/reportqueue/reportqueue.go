// Package reportqueue implements a durable, back-pressured FIFO of
// lifecycle events posted to the backend with adaptive batch sizing.
// Persistence is a durable row per event, deleted only after the backend
// acks; robfig/cron drives the periodic flush, and queue-depth plus
// flush-outcome counters are exported via prometheus/client_golang.
package reportqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/netutil"
	"github.com/R3E-Network/uptane-agent/internal/uptane/store"
)

// reportBreaker trips event posting after repeated backend failures so a
// dead backend doesn't get hammered every flush tick.
var reportBreaker = netutil.NewBreaker("report-post")

// postEvents runs poster.PostEvents through reportBreaker, returning
// gobreaker.ErrOpenState as err while the breaker is open.
func postEvents(ctx context.Context, poster Poster, batch []json.RawMessage) (status int, maxAckedID int64, err error) {
	_, err = reportBreaker.Do(func() (interface{}, error) {
		status, maxAckedID, err = poster.PostEvents(ctx, batch)
		return nil, err
	})
	return status, maxAckedID, err
}

// Poster posts a batch of report events to the backend and reports the
// HTTP-shaped outcome the flush loop needs to act on.
type Poster interface {
	PostEvents(ctx context.Context, batch []json.RawMessage) (status int, maxAckedID int64, err error)
}

// HTTPPoster posts to "<tls_server>/events" over the shared mTLS client.
type HTTPPoster struct {
	URL    string
	Client *http.Client
}

func (p *HTTPPoster) PostEvents(ctx context.Context, batch []json.RawMessage) (int, int64, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return 0, 0, fmt.Errorf("reportqueue: marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("reportqueue: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("reportqueue: post events: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, 0, nil
}

// Config controls the background flusher's cadence and batch sizing.
type Config struct {
	RunPause         time.Duration
	EventNumberLimit int
}

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "uptane_report_queue_depth",
		Help: "Number of report events currently queued for delivery.",
	})
	flushOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uptane_report_queue_flush_total",
		Help: "Report-queue flush attempts by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(queueDepth, flushOutcomes)
}

// Queue is the durable report-event FIFO, backed by store.MetaStore.
type Queue struct {
	store  store.MetaStore
	poster Poster
	cfg    Config

	mu        sync.Mutex
	batchSize int

	cron    *cron.Cron
	entryID cron.EntryID
	signal  chan struct{}
	token   *flowcontrol.Token
}

// New builds a Queue. EventNumberLimit == 0 is rejected at construction
// since it would let the stored queue grow without bound.
func New(st store.MetaStore, poster Poster, cfg Config, token *flowcontrol.Token) (*Queue, error) {
	if cfg.EventNumberLimit == 0 {
		return nil, fmt.Errorf("reportqueue: event_number_limit must be > 0")
	}
	if cfg.RunPause <= 0 {
		cfg.RunPause = 5 * time.Second
	}
	return &Queue{
		store:     st,
		poster:    poster,
		cfg:       cfg,
		batchSize: cfg.EventNumberLimit,
		signal:    make(chan struct{}, 1),
		token:     token,
	}, nil
}

// Enqueue persists payload synchronously and wakes the flusher.
func (q *Queue) Enqueue(ctx context.Context, event model.ReportEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("reportqueue: marshal event: %w", err)
	}
	if _, err := q.store.EnqueueReport(ctx, payload); err != nil {
		return fmt.Errorf("reportqueue: enqueue: %w", err)
	}
	if n, err := q.store.CountReports(ctx); err == nil {
		queueDepth.Set(float64(n))
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Run starts the background flusher, waking on cfg.RunPause or on Enqueue
// signal, using robfig/cron's every-duration entry as the periodic trigger.
func (q *Queue) Run(ctx context.Context) error {
	q.cron = cron.New()
	id, err := q.cron.AddFunc(fmt.Sprintf("@every %s", q.cfg.RunPause), func() {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("reportqueue: schedule flush: %w", err)
	}
	q.entryID = id
	q.cron.Start()

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.finalFlush(context.Background())
				return
			case <-q.signal:
				if q.token != nil && !q.token.CanContinue() {
					continue
				}
				q.flushQueue(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the cron scheduler; callers should cancel the context passed
// to Run to trigger the final flush.
func (q *Queue) Stop() {
	if q.cron != nil {
		q.cron.Stop()
	}
}

func (q *Queue) finalFlush(ctx context.Context) {
	q.flushQueue(ctx)
}

// Flush runs one flush tick synchronously, outside the background loop.
// Used at shutdown and by tests that need deterministic tick boundaries.
func (q *Queue) Flush(ctx context.Context) {
	q.flushQueue(ctx)
}

func (q *Queue) currentBatchSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.batchSize
}

func (q *Queue) halveBatchSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.batchSize > 1 {
		q.batchSize /= 2
	}
	return q.batchSize
}

func (q *Queue) resetBatchSize() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batchSize = q.cfg.EventNumberLimit
}

// flushQueue runs one delivery tick: read up to the
// current batch size, post, and react to the backend's status.
func (q *Queue) flushQueue(ctx context.Context) {
	limit := q.currentBatchSize()
	records, err := q.store.PeekReports(ctx, limit)
	if err != nil || len(records) == 0 {
		return
	}

	if len(records) == 1 {
		q.flushSingle(ctx, records[0])
		return
	}

	batch := make([]json.RawMessage, len(records))
	for i, r := range records {
		batch[i] = r.Payload
	}
	status, _, err := postEvents(ctx, q.poster, batch)
	if err != nil {
		flushOutcomes.WithLabelValues("error").Inc()
		return // leave events queued for next tick
	}

	switch {
	case status >= 200 && status < 300:
		q.ackThrough(ctx, records)
		q.resetBatchSize()
		flushOutcomes.WithLabelValues("ok").Inc()
	case status == http.StatusNotFound:
		// Backend does not support events; delete anyway.
		q.ackThrough(ctx, records)
		flushOutcomes.WithLabelValues("unsupported").Inc()
	case status == http.StatusRequestEntityTooLarge:
		q.halveBatchSize()
		flushOutcomes.WithLabelValues("too_large_batch").Inc()
	default:
		flushOutcomes.WithLabelValues("retry").Inc()
	}
}

// flushSingle posts a single event; a 413 here means the event itself is
// too large and is dropped permanently.
func (q *Queue) flushSingle(ctx context.Context, rec store.ReportEventRecord) {
	status, _, err := postEvents(ctx, q.poster, []json.RawMessage{rec.Payload})
	if err != nil {
		flushOutcomes.WithLabelValues("error").Inc()
		return
	}
	switch {
	case status >= 200 && status < 300, status == http.StatusNotFound:
		q.ackThrough(ctx, []store.ReportEventRecord{rec})
		q.resetBatchSize()
		flushOutcomes.WithLabelValues("ok").Inc()
	case status == http.StatusRequestEntityTooLarge:
		q.ackThrough(ctx, []store.ReportEventRecord{rec})
		flushOutcomes.WithLabelValues("dropped_oversized").Inc()
	default:
		flushOutcomes.WithLabelValues("retry").Inc()
	}
}

func (q *Queue) ackThrough(ctx context.Context, records []store.ReportEventRecord) {
	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	if err := q.store.DeleteReports(ctx, ids); err != nil {
		return
	}
	if n, err := q.store.CountReports(ctx); err == nil {
		queueDepth.Set(float64(n))
	}
}
