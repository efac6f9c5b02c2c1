package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/securebus/pkg/securebus/pattern"
)

// Settings is the typed form of a bus configuration file.
type Settings struct {
	Bus          BusSettings
	RateLimit    RateLimitSettings
	Dedup        DedupSettings
	Sanitizer    SanitizerSettings
	Processor    ProcessorSettings
	Encryption   EncryptionSettings
	Modules      ModuleSettings
	PatternCache PatternCacheSettings
}

// BusSettings configures the bus itself.
type BusSettings struct {
	Source                string
	TestMode              bool
	MaxSubscriptions      int
	MaxConcurrentHandlers int
	ShutdownTimeout       time.Duration
	EventLogPath          string // SQLite file; empty disables persistence
	OfflineQueuePath      string // bbolt file; empty disables offline sync
	DeadLetterQueue       bool
	DeadLetterMaxSize     int
}

// LimitSettings is a request budget per window.
type LimitSettings struct {
	Requests int
	Window   time.Duration
}

// OverrideSettings is a per-pattern limit.
type OverrideSettings struct {
	Pattern string
	LimitSettings
}

// RateLimitSettings configures the rate limiter.
type RateLimitSettings struct {
	Global            LimitSettings
	PerIP             LimitSettings
	PerUser           LimitSettings
	Overrides         []OverrideSettings
	DDoSThreshold     float64
	AutoBlockDuration time.Duration
	SuspiciousGeos    []string
	IdleTimeout       time.Duration
}

// DedupSettings configures deduplication.
type DedupSettings struct {
	Window              time.Duration
	MaxEntriesPerSource int
	SemanticKeys        []string
}

// SanitizerSettings configures payload validation.
type SanitizerSettings struct {
	MaxObjectDepth  int
	MaxArrayLength  int
	MaxStringLength int
	BlockOnCritical bool
	CriticalFields  []string
}

// ProcessorSettings configures handler execution.
type ProcessorSettings struct {
	FailureThreshold int
	Cooldown         time.Duration
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	WarningThreshold time.Duration
}

// EncryptionSettings configures payload encryption. The key itself is never
// stored in the file; KeyEnv names the environment variable holding it.
type EncryptionSettings struct {
	Enabled           bool
	KeyEnv            string
	SensitivePatterns []string
	FailClosed        bool
}

// ModuleSettings configures module health evaluation.
type ModuleSettings struct {
	ErrorThreshold    float64
	DegradedThreshold float64
	LatencyThreshold  time.Duration
	WindowSize        int
	MinSamples        int
}

// PatternCacheSettings bounds the pattern cache.
type PatternCacheSettings struct {
	MaxEntries int
	TTL        time.Duration
}

func parseLimit(c Config) LimitSettings {
	return LimitSettings{
		Requests: c.Int("requests", 0),
		Window:   c.Duration("window", 0),
	}
}

// ParseSettings extracts typed settings. Missing values are left zero except
// for booleans whose default is true.
func ParseSettings(cfg Config) Settings {
	bus := cfg.Section("bus")
	rl := cfg.Section("rate_limit")
	dd := cfg.Section("dedup")
	sz := cfg.Section("sanitizer")
	pr := cfg.Section("processor")
	enc := cfg.Section("encryption")
	mod := cfg.Section("modules")
	pc := cfg.Section("pattern_cache")

	var overrides []OverrideSettings
	for _, o := range rl.Sections("overrides") {
		overrides = append(overrides, OverrideSettings{
			Pattern:       o.String("pattern", ""),
			LimitSettings: parseLimit(o),
		})
	}

	return Settings{
		Bus: BusSettings{
			Source:                bus.String("source", ""),
			TestMode:              bus.Bool("test_mode", false),
			MaxSubscriptions:      bus.Int("max_subscriptions", 0),
			MaxConcurrentHandlers: bus.Int("max_concurrent_handlers", 0),
			ShutdownTimeout:       bus.Duration("shutdown_timeout", 0),
			EventLogPath:          bus.String("event_log", ""),
			OfflineQueuePath:      bus.String("offline_queue", ""),
			DeadLetterQueue:       bus.Bool("dead_letter_queue", false),
			DeadLetterMaxSize:     bus.Int("dead_letter_max_size", 0),
		},
		RateLimit: RateLimitSettings{
			Global:            parseLimit(rl.Section("global")),
			PerIP:             parseLimit(rl.Section("per_ip")),
			PerUser:           parseLimit(rl.Section("per_user")),
			Overrides:         overrides,
			DDoSThreshold:     rl.Float("ddos_threshold", 0),
			AutoBlockDuration: rl.Duration("auto_block_duration", 0),
			SuspiciousGeos:    rl.StringSlice("suspicious_geos", nil),
			IdleTimeout:       rl.Duration("idle_timeout", 0),
		},
		Dedup: DedupSettings{
			Window:              dd.Duration("window", 0),
			MaxEntriesPerSource: dd.Int("max_entries_per_source", 0),
			SemanticKeys:        dd.StringSlice("semantic_keys", nil),
		},
		Sanitizer: SanitizerSettings{
			MaxObjectDepth:  sz.Int("max_object_depth", 0),
			MaxArrayLength:  sz.Int("max_array_length", 0),
			MaxStringLength: sz.Int("max_string_length", 0),
			BlockOnCritical: sz.Bool("block_on_critical", true),
			CriticalFields:  sz.StringSlice("critical_fields", nil),
		},
		Processor: ProcessorSettings{
			FailureThreshold: pr.Int("failure_threshold", 0),
			Cooldown:         pr.Duration("cooldown", 0),
			DefaultTimeout:   pr.Duration("default_timeout", 0),
			MaxTimeout:       pr.Duration("max_timeout", 0),
			WarningThreshold: pr.Duration("warning_threshold", 0),
		},
		Encryption: EncryptionSettings{
			Enabled:           enc.Bool("enabled", enc.Has("key_env")),
			KeyEnv:            enc.String("key_env", ""),
			SensitivePatterns: enc.StringSlice("sensitive_patterns", nil),
			FailClosed:        enc.Bool("fail_closed", false),
		},
		Modules: ModuleSettings{
			ErrorThreshold:    mod.Float("error_threshold", 0),
			DegradedThreshold: mod.Float("degraded_threshold", 0),
			LatencyThreshold:  mod.Duration("latency_threshold", 0),
			WindowSize:        mod.Int("window_size", 0),
			MinSamples:        mod.Int("min_samples", 0),
		},
		PatternCache: PatternCacheSettings{
			MaxEntries: pc.Int("max_entries", 0),
			TTL:        pc.Duration("ttl", 0),
		},
	}
}

// Validate reports every inconsistency in s.
func (s Settings) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	checkLimit := func(name string, l LimitSettings) {
		if l.Requests < 0 {
			add("%s.requests must not be negative", name)
		}
		if l.Requests > 0 && l.Window <= 0 {
			add("%s.window must be positive when requests is set", name)
		}
	}

	checkLimit("rate_limit.global", s.RateLimit.Global)
	checkLimit("rate_limit.per_ip", s.RateLimit.PerIP)
	checkLimit("rate_limit.per_user", s.RateLimit.PerUser)
	for i, o := range s.RateLimit.Overrides {
		if o.Pattern == "" {
			add("rate_limit.overrides[%d].pattern is required", i)
		}
		checkLimit(fmt.Sprintf("rate_limit.overrides[%d]", i), o.LimitSettings)
	}
	if s.RateLimit.DDoSThreshold < 0 {
		add("rate_limit.ddos_threshold must not be negative")
	}

	if s.Dedup.Window < 0 {
		add("dedup.window must not be negative")
	}
	if s.Processor.DefaultTimeout > 0 && s.Processor.MaxTimeout > 0 && s.Processor.DefaultTimeout > s.Processor.MaxTimeout {
		add("processor.default_timeout exceeds processor.max_timeout")
	}
	if v := s.Modules.ErrorThreshold; v < 0 || v > 1 {
		add("modules.error_threshold must be within [0, 1]")
	}
	if v := s.Modules.DegradedThreshold; v < 0 || v > 1 {
		add("modules.degraded_threshold must be within [0, 1]")
	}
	if s.Modules.ErrorThreshold > 0 && s.Modules.DegradedThreshold > s.Modules.ErrorThreshold {
		add("modules.degraded_threshold exceeds modules.error_threshold")
	}

	if s.Encryption.Enabled && s.Encryption.KeyEnv == "" {
		add("encryption.key_env is required when encryption is enabled")
	}
	for _, p := range s.Encryption.SensitivePatterns {
		if p == "" {
			add("encryption.sensitive_patterns contains an empty pattern")
		}
	}
	if s.Bus.MaxConcurrentHandlers < 0 {
		add("bus.max_concurrent_handlers must not be negative")
	}
	if src := s.Bus.Source; src != "" && !pattern.IsConcrete(src) {
		add("bus.source %q must be a dot-separated identifier", src)
	}
	return errors.Join(errs...)
}
