package buffer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/malbeclabs/lakesink/pkg/protocol"
)

const (
	defaultBudgetFraction = 0.5
	fallbackBudget        = 256 << 20
)

var ErrFlushInFlight = errors.New("flush already in flight for stream")

type Reason string

const (
	ReasonBudget        Reason = "budget"
	ReasonStreamBytes   Reason = "stream_bytes"
	ReasonStreamRecords Reason = "stream_records"
	ReasonAge           Reason = "age"
	ReasonDrain         Reason = "drain"
)

// Policy controls when buffered streams are flushed. MaxBytes is the global
// budget; the per-stream limits and MaxAge are optional and disabled at zero.
type Policy struct {
	MaxBytes         int64
	StreamMaxBytes   int64
	StreamMaxRecords int
	MaxAge           time.Duration
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *Metrics
	Policy  Policy
	// BudgetFraction of available memory used when Policy.MaxBytes is zero.
	BudgetFraction float64
}

func (c *Config) Validate() error {
	if c.Policy.MaxBytes < 0 || c.Policy.StreamMaxBytes < 0 || c.Policy.StreamMaxRecords < 0 || c.Policy.MaxAge < 0 {
		return fmt.Errorf("buffer policy limits must be non-negative")
	}
	if c.BudgetFraction < 0 || c.BudgetFraction > 1 {
		return fmt.Errorf("budget fraction must be within [0, 1]")
	}
	if c.BudgetFraction == 0 {
		c.BudgetFraction = defaultBudgetFraction
	}
	if c.Policy.MaxBytes == 0 {
		c.Policy.MaxBytes = DefaultBudget(c.BudgetFraction)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	return nil
}

// DefaultBudget returns fraction of the Go memory limit when one is set,
// otherwise fraction of total system memory.
func DefaultBudget(fraction float64) int64 {
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		return int64(float64(limit) * fraction)
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		return int64(float64(vm.Total) * fraction)
	}
	return fallbackBudget
}

// Flush names one stream selected for flushing.
type Flush struct {
	Key    protocol.StreamKey
	Reason Reason
}

// Decision lists streams to flush, in the order they should be flushed.
type Decision struct {
	Flushes []Flush
}

func (d Decision) Empty() bool {
	return len(d.Flushes) == 0
}

func (d Decision) Keys() []protocol.StreamKey {
	keys := make([]protocol.StreamKey, 0, len(d.Flushes))
	for _, f := range d.Flushes {
		keys = append(keys, f.Key)
	}
	return keys
}

func (d *Decision) add(key protocol.StreamKey, reason Reason) {
	for _, f := range d.Flushes {
		if f.Key == key {
			return
		}
	}
	d.Flushes = append(d.Flushes, Flush{Key: key, Reason: reason})
}

func (d *Decision) has(key protocol.StreamKey) bool {
	for _, f := range d.Flushes {
		if f.Key == key {
			return true
		}
	}
	return false
}

// Task is a batch detached from a stream buffer.
type Task struct {
	Key      protocol.StreamKey
	Records  [][]byte
	Bytes    int64
	OldestAt time.Time
}

func (t *Task) Len() int {
	return len(t.Records)
}

type StreamStats struct {
	Key      protocol.StreamKey
	Bytes    int64
	Records  int
	InFlight bool
}

type streamBuffer struct {
	records [][]byte
	bytes   int64
	oldest  time.Time
}

// Manager owns one append-only buffer per stream and the global byte budget.
// All methods are safe for concurrent use and never perform I/O.
type Manager struct {
	log     *slog.Logger
	clock   clockwork.Clock
	metrics *Metrics
	policy  Policy

	mu       sync.Mutex
	buffers  map[protocol.StreamKey]*streamBuffer
	inFlight map[protocol.StreamKey]struct{}
	used     int64
	records  int
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Metrics.BudgetBytes.Set(float64(cfg.Policy.MaxBytes))
	return &Manager{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		policy:   cfg.Policy,
		buffers:  make(map[protocol.StreamKey]*streamBuffer),
		inFlight: make(map[protocol.StreamKey]struct{}),
	}, nil
}

func (m *Manager) Budget() int64 {
	return m.policy.MaxBytes
}

func (m *Manager) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Enqueue appends record to key's buffer and returns the streams that must
// be flushed before more records are accepted.
func (m *Manager) Enqueue(key protocol.StreamKey, record []byte) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[key]
	if !ok {
		b = &streamBuffer{}
		m.buffers[key] = b
	}
	if len(b.records) == 0 {
		b.oldest = m.clock.Now()
	}
	size := int64(len(record))
	b.records = append(b.records, record)
	b.bytes += size
	m.used += size
	m.records++
	m.observe()

	var d Decision
	if _, busy := m.inFlight[key]; !busy {
		if m.policy.StreamMaxBytes > 0 && b.bytes >= m.policy.StreamMaxBytes {
			d.add(key, ReasonStreamBytes)
		} else if m.policy.StreamMaxRecords > 0 && len(b.records) >= m.policy.StreamMaxRecords {
			d.add(key, ReasonStreamRecords)
		}
	}

	if m.used > m.policy.MaxBytes {
		projected := m.used
		for _, f := range d.Flushes {
			projected -= m.buffers[f.Key].bytes
		}
		for _, k := range m.largestFirst() {
			if projected <= m.policy.MaxBytes {
				break
			}
			if d.has(k) {
				continue
			}
			d.add(k, ReasonBudget)
			projected -= m.buffers[k].bytes
		}
	}

	for _, f := range d.Flushes {
		m.metrics.FlushDecisions.WithLabelValues(string(f.Reason)).Inc()
	}
	return d
}

// Due returns streams whose oldest buffered record is at least MaxAge old.
func (m *Manager) Due() Decision {
	var d Decision
	if m.policy.MaxAge <= 0 {
		return d
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, k := range m.sortedKeys() {
		b := m.buffers[k]
		if len(b.records) == 0 {
			continue
		}
		if _, busy := m.inFlight[k]; busy {
			continue
		}
		if now.Sub(b.oldest) >= m.policy.MaxAge {
			d.add(k, ReasonAge)
			m.metrics.FlushDecisions.WithLabelValues(string(ReasonAge)).Inc()
		}
	}
	return d
}

// Detach empties key's buffer and hands its records to a task. The key stays
// in flight until Release is called.
func (m *Manager) Detach(key protocol.StreamKey) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detachLocked(key)
}

func (m *Manager) detachLocked(key protocol.StreamKey) (*Task, error) {
	if _, busy := m.inFlight[key]; busy {
		return nil, fmt.Errorf("%w: %s", ErrFlushInFlight, key)
	}
	task := &Task{Key: key}
	if b, ok := m.buffers[key]; ok {
		task.Records = b.records
		task.Bytes = b.bytes
		task.OldestAt = b.oldest
		m.used -= b.bytes
		m.records -= len(b.records)
		delete(m.buffers, key)
	}
	m.inFlight[key] = struct{}{}
	m.observe()
	return task, nil
}

// Release marks the flush of key as returned.
func (m *Manager) Release(key protocol.StreamKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, key)
}

// DrainAll detaches every non-empty buffer whose stream has no flush in flight.
func (m *Manager) DrainAll() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []*Task
	for _, k := range m.sortedKeys() {
		if len(m.buffers[k].records) == 0 {
			continue
		}
		task, err := m.detachLocked(k)
		if err != nil {
			m.log.Warn("buffer: skipping stream with flush in flight", "stream", k.String())
			continue
		}
		tasks = append(tasks, task)
	}
	if len(tasks) > 0 {
		m.metrics.FlushDecisions.WithLabelValues(string(ReasonDrain)).Add(float64(len(tasks)))
	}
	return tasks
}

func (m *Manager) Stats() []StreamStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]StreamStats, 0, len(m.buffers))
	for _, k := range m.sortedKeys() {
		b := m.buffers[k]
		_, busy := m.inFlight[k]
		stats = append(stats, StreamStats{Key: k, Bytes: b.bytes, Records: len(b.records), InFlight: busy})
	}
	return stats
}

func (m *Manager) observe() {
	m.metrics.UsedBytes.Set(float64(m.used))
	m.metrics.BufferedRecords.Set(float64(m.records))
}

func (m *Manager) sortedKeys() []protocol.StreamKey {
	keys := make([]protocol.StreamKey, 0, len(m.buffers))
	for k := range m.buffers {
		keys = append(keys, k)
	}
	protocol.SortKeys(keys)
	return keys
}

// largestFirst orders flushable buffers by size, ties broken by key.
func (m *Manager) largestFirst() []protocol.StreamKey {
	keys := make([]protocol.StreamKey, 0, len(m.buffers))
	for k, b := range m.buffers {
		if b.bytes == 0 {
			continue
		}
		if _, busy := m.inFlight[k]; busy {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		bi, bj := m.buffers[keys[i]].bytes, m.buffers[keys[j]].bytes
		if bi != bj {
			return bi > bj
		}
		return keys[i].String() < keys[j].String()
	})
	return keys
}
