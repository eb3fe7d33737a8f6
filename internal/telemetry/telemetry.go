// Package telemetry collects local query and ingest metrics: prometheus
// instruments for scraping plus in-memory aggregates (top terms,
// zero-result queries, recent events) for the stats surface. Nothing is
// reported externally.
package telemetry

import (
	"net/http"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sagequery/sagequery/internal/corpus"
)

// Pipeline stage labels for latency recording.
const (
	StageEmbed    = "embed"
	StageRetrieve = "retrieve"
	StageFuse     = "fuse"
	StageRerank   = "rerank"
	StageGenerate = "generate"
)

// Defaults for the in-memory aggregates.
const (
	defaultTopTermsCapacity    = 100
	defaultZeroResultsCapacity = 100
	defaultEventCapacity       = 256
)

// QueryEvent is one answered (or abstained) query.
type QueryEvent struct {
	Query       string        `json:"query"`
	Type        string        `json:"type"`
	Profile     string        `json:"profile"`
	ResultCount int           `json:"result_count"`
	Abstained   bool          `json:"abstained"`
	CacheHit    bool          `json:"cache_hit"`
	Latency     time.Duration `json:"latency"`
	Timestamp   time.Time     `json:"timestamp"`
}

// TermCount is a query term with its observed frequency.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// Snapshot is an immutable view of the in-memory aggregates.
type Snapshot struct {
	TotalQueries      int64       `json:"total_queries"`
	ZeroResultCount   int64       `json:"zero_result_count"`
	AbstainCount      int64       `json:"abstain_count"`
	TopTerms          []TermCount `json:"top_terms"`
	ZeroResultQueries []string    `json:"zero_result_queries"`
	Since             time.Time   `json:"since"`
}

// ZeroResultPercentage returns the share of queries with no results.
func (s *Snapshot) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// Collector owns the prometheus registry and the in-memory aggregates.
// Safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	queriesTotal  *prometheus.CounterVec
	queryLatency  *prometheus.HistogramVec
	stageLatency  *prometheus.HistogramVec
	abstainsTotal *prometheus.CounterVec
	cacheOps      *prometheus.CounterVec
	ingestsTotal  *prometheus.CounterVec
	ingestChunks  prometheus.Counter

	mu              sync.RWMutex
	totalQueries    int64
	zeroResultCount int64
	abstainCount    int64
	topTerms        *lru.Cache[string, int64]
	zeroResults     *Ring[string]
	events          *Ring[QueryEvent]
	startTime       time.Time
}

// NewCollector builds a collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	topTerms, _ := lru.New[string, int64](defaultTopTermsCapacity)

	c := &Collector{
		registry: reg,
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sagequery",
			Name:      "queries_total",
			Help:      "Answered queries by type and profile.",
		}, []string{"type", "profile"}),
		queryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sagequery",
			Name:      "query_duration_seconds",
			Help:      "End-to-end query latency.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"profile"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sagequery",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage pipeline latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		abstainsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sagequery",
			Name:      "abstains_total",
			Help:      "Abstained queries by reason.",
		}, []string{"reason"}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sagequery",
			Name:      "cache_ops_total",
			Help:      "Cache lookups by scope and outcome.",
		}, []string{"scope", "outcome"}),
		ingestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sagequery",
			Name:      "ingests_total",
			Help:      "Completed ingests by outcome.",
		}, []string{"outcome"}),
		ingestChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sagequery",
			Name:      "ingest_chunks_total",
			Help:      "Chunks persisted across all ingests.",
		}),
		topTerms:    topTerms,
		zeroResults: NewRing[string](defaultZeroResultsCapacity),
		events:      NewRing[QueryEvent](defaultEventCapacity),
		startTime:   time.Now(),
	}

	reg.MustRegister(c.queriesTotal, c.queryLatency, c.stageLatency,
		c.abstainsTotal, c.cacheOps, c.ingestsTotal, c.ingestChunks)
	return c
}

// RecordQuery captures one finished query.
func (c *Collector) RecordQuery(ev QueryEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.queriesTotal.WithLabelValues(ev.Type, ev.Profile).Inc()
	c.queryLatency.WithLabelValues(ev.Profile).Observe(ev.Latency.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalQueries++
	if ev.Abstained {
		c.abstainCount++
	}
	for _, term := range corpus.Tokenize(ev.Query) {
		count, _ := c.topTerms.Get(term)
		c.topTerms.Add(term, count+1)
	}
	if ev.ResultCount == 0 {
		c.zeroResultCount++
		c.zeroResults.Push(ev.Query)
	}
	c.events.Push(ev)
}

// RecordStage captures one pipeline stage duration.
func (c *Collector) RecordStage(stage string, d time.Duration) {
	c.stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordAbstain counts an abstention by reason.
func (c *Collector) RecordAbstain(reason string) {
	c.abstainsTotal.WithLabelValues(reason).Inc()
}

// RecordCache counts one cache lookup.
func (c *Collector) RecordCache(scope string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	c.cacheOps.WithLabelValues(scope, outcome).Inc()
}

// RecordIngest counts a finished ingest and its persisted chunks.
func (c *Collector) RecordIngest(outcome string, chunks int) {
	c.ingestsTotal.WithLabelValues(outcome).Inc()
	if chunks > 0 {
		c.ingestChunks.Add(float64(chunks))
	}
}

// Events returns the recent query events, oldest first.
func (c *Collector) Events() []QueryEvent {
	return c.events.Items()
}

// Snapshot materializes the in-memory aggregates.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	terms := make([]TermCount, 0, c.topTerms.Len())
	for _, k := range c.topTerms.Keys() {
		if count, ok := c.topTerms.Peek(k); ok {
			terms = append(terms, TermCount{Term: k, Count: count})
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})

	return Snapshot{
		TotalQueries:      c.totalQueries,
		ZeroResultCount:   c.zeroResultCount,
		AbstainCount:      c.abstainCount,
		TopTerms:          terms,
		ZeroResultQueries: c.zeroResults.Items(),
		Since:             c.startTime,
	}
}

// Registry exposes the underlying registry for custom registration.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
