// Package protocol implements Wireshark-style request/response capture:
// a classifier mapping (method, path) to a message type, and a bounded
// write-behind queue so logging never adds latency to the request path.
package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/types"
	"github.com/buildswarm/coordinator/pkg/logger"
	"github.com/buildswarm/coordinator/pkg/metrics"
)

const (
	queueCapacity     = 5000
	flushInterval     = 500 * time.Millisecond
	maxRequestBody    = 4096
	maxResponseBody   = 8192
)

// Store is the subset of store.Store the logger depends on.
type Store interface {
	InsertProtocolEntries(ctx context.Context, entries []types.ProtocolEntry) error
}

// Entry is what a caller hands to Logger.Enqueue: the raw material an
// entry is built from, before type-specific extraction and truncation.
type Entry struct {
	Timestamp  time.Time
	SourceAddr string
	Method     string
	Path       string
	Query      map[string]string
	StatusCode int
	ReqBody    []byte
	RespBody   []byte
	LatencyMS  float64
}

// NodeResolver turns a raw drone id into its human-readable name for
// display, when one is known.
type NodeResolver interface {
	ResolveName(ctx context.Context, id string) (string, bool)
}

// Logger is the bounded write-behind queue. Enqueue is the hot-path
// entrypoint: it classifies, extracts, truncates and pushes onto a
// buffered channel, dropping the entry outright if the channel is full
// rather than ever blocking the caller.
type Logger struct {
	store    Store
	resolver NodeResolver
	log      *logger.Logger

	queue chan types.ProtocolEntry

	mu      sync.Mutex
	pending []types.ProtocolEntry

	dropped uint64
}

// New constructs a Logger. Run must be started in a goroutine to drain it.
func New(store Store, resolver NodeResolver, log *logger.Logger) *Logger {
	return &Logger{
		store:    store,
		resolver: resolver,
		log:      log,
		queue:    make(chan types.ProtocolEntry, queueCapacity),
	}
}

// Enqueue classifies e and pushes the resulting protocol entry onto the
// queue. Entries classified as protocol_query are dropped to prevent the
// observer effect of logging the log. Never blocks.
func (l *Logger) Enqueue(ctx context.Context, e Entry) {
	typ := Classify(e.Method, e.Path)
	if typ == TypeProtocolQuery {
		return
	}

	fields := Extract(typ, e.Query, e.ReqBody, e.RespBody)
	droneName := ""
	if fields.DroneID != "" && l.resolver != nil {
		if name, ok := l.resolver.ResolveName(ctx, fields.DroneID); ok {
			droneName = name
		}
	}

	entry := types.ProtocolEntry{
		Timestamp:     e.Timestamp,
		SourceAddr:    e.SourceAddr,
		NodeName:      droneName,
		Method:        e.Method,
		Path:          normalizePath(e.Path),
		MessageType:   string(typ),
		Package:       fields.Package,
		DroneID:       fields.DroneID,
		StatusCode:    e.StatusCode,
		RequestBody:   truncate(e.ReqBody, maxRequestBody),
		ResponseBody:  truncate(e.RespBody, maxResponseBody),
		LatencyMS:     e.LatencyMS,
		ContentLength: int64(len(e.RespBody)),
	}

	select {
	case l.queue <- entry:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
		metrics.IncProtocolDropped()
	}
}

func truncate(body []byte, max int) string {
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}

// Dropped reports how many entries have been discarded for a full queue.
func (l *Logger) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Run drains the queue, batching entries and flushing every flushInterval
// via a single multi-row insert. It returns when ctx is cancelled, after
// draining whatever remains in the queue.
func (l *Logger) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []types.ProtocolEntry
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.store.InsertProtocolEntries(context.Background(), batch); err != nil {
			l.log.WithError(err).Warn("flush protocol log batch")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			l.drain(&batch)
			flush()
			return
		case e := <-l.queue:
			batch = append(batch, e)
		case <-ticker.C:
			flush()
		}
	}
}

// drain empties whatever remains in the queue without blocking, for a
// clean shutdown flush.
func (l *Logger) drain(batch *[]types.ProtocolEntry) {
	for {
		select {
		case e := <-l.queue:
			*batch = append(*batch, e)
		default:
			return
		}
	}
}
