// Package dedup suppresses repeated events inside a sliding window.
//
// Identity is a sha256 content hash over the event pattern and its canonical
// JSON payload. Each source keeps its own window, bounded both by age and by
// entry count. A per-source sequence number distinguishes a fresh repeat from
// a late replay of an older event.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/securebus/pkg/securebus/event"
)

// Metadata is the identity attached to every event.
type Metadata = event.DeduplicationMetadata

// Duplicate reasons.
const (
	ReasonExact    = "exact"
	ReasonReplay   = "replay"
	ReasonSemantic = "semantic"
)

// Config configures the deduplication manager.
type Config struct {
	// Window is how long a seen event suppresses repeats.
	// Default: 5 seconds
	Window time.Duration

	// MaxEntriesPerSource bounds each source's window.
	// Default: 1000
	MaxEntriesPerSource int

	// SemanticKeys are top-level payload fields compared for near-duplicates.
	// Empty disables semantic matching.
	SemanticKeys []string

	// CleanupInterval is how often expired entries are dropped.
	// Default: 30 seconds
	CleanupInterval time.Duration

	// Logger for debug output. Nil disables logging.
	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Window:              5 * time.Second,
	MaxEntriesPerSource: 1000,
	CleanupInterval:     30 * time.Second,
}

// Input is what identity is derived from.
type Input struct {
	Pattern string
	Payload any
	Source  string
}

// Result is the outcome of a duplicate check.
type Result struct {
	IsDupe bool
	Reason string
}

// Stats reports deduplication activity.
type Stats struct {
	Sources    int
	Entries    int
	Checked    int64
	Duplicates int64
	ByReason   map[string]int64
}

type entry struct {
	hash     string
	semantic string
	sequence uint64
	seen     time.Time
}

type sourceWindow struct {
	entries []entry // oldest first
}

// Manager tracks recently seen events per source.
type Manager struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	sources   map[string]*sourceWindow
	sequences map[string]uint64
	maxWindow time.Duration
	byReason  map[string]int64

	checked    atomic.Int64
	duplicates atomic.Int64

	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a deduplication manager and starts its cleanup loop.
func New(cfg Config) *Manager {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.MaxEntriesPerSource <= 0 {
		cfg.MaxEntriesPerSource = DefaultConfig.MaxEntriesPerSource
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig.CleanupInterval
	}

	m := &Manager{
		cfg:       cfg,
		now:       time.Now,
		sources:   make(map[string]*sourceWindow),
		sequences: make(map[string]uint64),
		maxWindow: cfg.Window,
		byReason:  make(map[string]int64),
		stopCh:    make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Window returns the configured default window.
func (m *Manager) Window() time.Duration {
	return m.cfg.Window
}

// GenerateMetadata derives identity for an event about to be emitted.
// The payload must already be a JSON tree (see event.NormalizePayload).
func (m *Manager) GenerateMetadata(in Input) Metadata {
	canonical, err := json.Marshal(in.Payload)
	if err != nil {
		canonical = []byte("null")
	}

	m.mu.Lock()
	m.sequences[in.Source]++
	seq := m.sequences[in.Source]
	m.mu.Unlock()

	return Metadata{
		ContentHash: hashParts(in.Pattern, string(canonical)),
		ClientID:    in.Source,
		Sequence:    seq,
		Semantic:    m.semanticKey(in.Pattern, in.Payload),
	}
}

// semanticKey projects the configured keys of an object payload.
func (m *Manager) semanticKey(p string, payload any) string {
	if len(m.cfg.SemanticKeys) == 0 {
		return ""
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	projection := make(map[string]any, len(m.cfg.SemanticKeys))
	for _, k := range m.cfg.SemanticKeys {
		if v, ok := obj[k]; ok {
			projection[k] = v
		}
	}
	if len(projection) == 0 {
		return ""
	}
	data, err := json.Marshal(projection)
	if err != nil {
		return ""
	}
	return hashParts(p, string(data))
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IsDuplicate checks meta against the default window.
func (m *Manager) IsDuplicate(evt *event.Event, meta Metadata) Result {
	return m.IsDuplicateWithin(evt, meta, m.cfg.Window)
}

// IsDuplicateWithin checks meta against a specific window. A window of zero
// or less disables the check.
func (m *Manager) IsDuplicateWithin(evt *event.Event, meta Metadata, window time.Duration) Result {
	if window <= 0 {
		return Result{}
	}
	m.checked.Add(1)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if window > m.maxWindow {
		m.maxWindow = window
	}
	sw, ok := m.sources[meta.ClientID]
	if !ok {
		return Result{}
	}

	res := Result{}
	for i := len(sw.entries) - 1; i >= 0; i-- {
		e := sw.entries[i]
		if now.Sub(e.seen) > window {
			break
		}
		if e.hash == meta.ContentHash {
			if e.sequence > meta.Sequence {
				res = Result{IsDupe: true, Reason: ReasonReplay}
			} else {
				res = Result{IsDupe: true, Reason: ReasonExact}
			}
			break
		}
		if meta.Semantic != "" && e.semantic == meta.Semantic && !res.IsDupe {
			res = Result{IsDupe: true, Reason: ReasonSemantic}
		}
	}

	if res.IsDupe {
		m.duplicates.Add(1)
		m.byReason[res.Reason]++
		if m.cfg.Logger != nil {
			m.cfg.Logger.Debug("duplicate event suppressed",
				slog.String("pattern", evt.Pattern),
				slog.String("event_id", evt.ID),
				slog.String("reason", res.Reason),
			)
		}
	}
	return res
}

// Store records meta in its source's window.
func (m *Manager) Store(meta Metadata) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	sw, ok := m.sources[meta.ClientID]
	if !ok {
		sw = &sourceWindow{}
		m.sources[meta.ClientID] = sw
	}
	sw.entries = append(sw.entries, entry{
		hash:     meta.ContentHash,
		semantic: meta.Semantic,
		sequence: meta.Sequence,
		seen:     now,
	})
	if over := len(sw.entries) - m.cfg.MaxEntriesPerSource; over > 0 {
		sw.entries = append(sw.entries[:0:0], sw.entries[over:]...)
	}
}

// Forget removes the entry recorded for meta, so an event that was stored
// but never delivered can be emitted again. It reports whether an entry was
// removed.
func (m *Manager) Forget(meta Metadata) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sw, ok := m.sources[meta.ClientID]
	if !ok {
		return false
	}
	for i := len(sw.entries) - 1; i >= 0; i-- {
		e := sw.entries[i]
		if e.sequence != meta.Sequence || e.hash != meta.ContentHash {
			continue
		}
		sw.entries = append(sw.entries[:i], sw.entries[i+1:]...)
		if len(sw.entries) == 0 {
			delete(m.sources, meta.ClientID)
		}
		return true
	}
	return false
}

// Stats returns deduplication statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := 0
	for _, sw := range m.sources {
		entries += len(sw.entries)
	}
	byReason := make(map[string]int64, len(m.byReason))
	for k, v := range m.byReason {
		byReason[k] = v
	}
	return Stats{
		Sources:    len(m.sources),
		Entries:    entries,
		Checked:    m.checked.Load(),
		Duplicates: m.duplicates.Load(),
		ByReason:   byReason,
	}
}

// Cleanup drops entries older than the longest window in use.
func (m *Manager) Cleanup() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for src, sw := range m.sources {
		keep := 0
		for keep < len(sw.entries) && now.Sub(sw.entries[keep].seen) > m.maxWindow {
			keep++
		}
		removed += keep
		sw.entries = sw.entries[keep:]
		if len(sw.entries) == 0 {
			delete(m.sources, src)
		}
	}
	return removed
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// Destroy stops the cleanup loop and forgets every entry.
func (m *Manager) Destroy() {
	m.stopped.Do(func() {
		close(m.stopCh)
	})
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = make(map[string]*sourceWindow)
	m.sequences = make(map[string]uint64)
}
