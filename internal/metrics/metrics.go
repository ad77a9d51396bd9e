package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// Collector считает HTTP-запросы, итоги событий бота и удаленные запросы.
type Collector struct {
	requests uint64
	errors   uint64
	updates  uint64
	swept    uint64
	failures uint64
	mu       sync.Mutex
	outcomes map[string]*uint64
}

func NewCollector() *Collector {
	return &Collector{outcomes: make(map[string]*uint64)}
}

func (c *Collector) IncRequests() {
	atomic.AddUint64(&c.requests, 1)
}

func (c *Collector) IncErrors() {
	atomic.AddUint64(&c.errors, 1)
}

func (c *Collector) IncUpdates() {
	atomic.AddUint64(&c.updates, 1)
}

func (c *Collector) IncTransportFailures() {
	atomic.AddUint64(&c.failures, 1)
}

// AddSwept прибавляет число удаленных просроченных запросов.
func (c *Collector) AddSwept(n int64) {
	if n > 0 {
		atomic.AddUint64(&c.swept, uint64(n))
	}
}

// RecordOutcome увеличивает счетчик итога обработки события.
func (c *Collector) RecordOutcome(outcome string) {
	if outcome == "" {
		return
	}
	c.mu.Lock()
	counter, ok := c.outcomes[outcome]
	if !ok {
		counter = new(uint64)
		c.outcomes[outcome] = counter
	}
	c.mu.Unlock()
	atomic.AddUint64(counter, 1)
}

// Snapshot содержит значения счетчиков на момент чтения.
type Snapshot struct {
	Requests          uint64
	Errors            uint64
	Updates           uint64
	Swept             uint64
	TransportFailures uint64
	Outcomes          map[string]uint64
}

func (c *Collector) Snapshot() Snapshot {
	snapshot := Snapshot{
		Requests:          atomic.LoadUint64(&c.requests),
		Errors:            atomic.LoadUint64(&c.errors),
		Updates:           atomic.LoadUint64(&c.updates),
		Swept:             atomic.LoadUint64(&c.swept),
		TransportFailures: atomic.LoadUint64(&c.failures),
		Outcomes:          make(map[string]uint64),
	}
	c.mu.Lock()
	for outcome, counter := range c.outcomes {
		snapshot.Outcomes[outcome] = atomic.LoadUint64(counter)
	}
	c.mu.Unlock()
	return snapshot
}

type Handler struct {
	collector *Collector
}

func NewHandler(collector *Collector) *Handler {
	return &Handler{collector: collector}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	var snapshot Snapshot
	if h.collector != nil {
		snapshot = h.collector.Snapshot()
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeCounter(w, "linkbot_http_requests_total", "Total number of HTTP requests.", snapshot.Requests)
	writeCounter(w, "linkbot_http_errors_total", "Total number of 5xx HTTP responses.", snapshot.Errors)
	writeCounter(w, "linkbot_updates_total", "Total number of Telegram updates received.", snapshot.Updates)
	writeCounter(w, "linkbot_transport_failures_total", "Total number of events aborted by a store or delivery failure.", snapshot.TransportFailures)
	writeCounter(w, "linkbot_swept_requests_total", "Total number of expired link requests deleted.", snapshot.Swept)

	_, _ = fmt.Fprintf(w, "# HELP linkbot_events_total Processed chat events by outcome.\n")
	_, _ = fmt.Fprintf(w, "# TYPE linkbot_events_total counter\n")
	outcomes := make([]string, 0, len(snapshot.Outcomes))
	for outcome := range snapshot.Outcomes {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		_, _ = fmt.Fprintf(w, "linkbot_events_total{outcome=%q} %d\n", outcome, snapshot.Outcomes[outcome])
	}
}

func writeCounter(w http.ResponseWriter, name, help string, value uint64) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
	_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
}
