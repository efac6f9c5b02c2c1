package securebus

import (
	"fmt"
	"os"
	"time"

	"github.com/randalmurphal/securebus/pkg/securebus/config"
	"github.com/randalmurphal/securebus/pkg/securebus/dedup"
	"github.com/randalmurphal/securebus/pkg/securebus/encryption"
	buserrors "github.com/randalmurphal/securebus/pkg/securebus/errors"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/module"
	"github.com/randalmurphal/securebus/pkg/securebus/pattern"
	"github.com/randalmurphal/securebus/pkg/securebus/processor"
	"github.com/randalmurphal/securebus/pkg/securebus/ratelimit"
	"github.com/randalmurphal/securebus/pkg/securebus/sanitize"
	"github.com/randalmurphal/securebus/pkg/securebus/subscription"
)

// Config configures a Bus. Start from DefaultConfig; zero-valued component
// limits take each component's defaults.
type Config struct {
	// Source is the event source used when an emit does not name one.
	// Default: "securebus"
	Source string

	// TestMode bypasses rate limiting.
	TestMode bool

	// MaxConcurrentHandlers bounds how many handlers of one event run at once.
	// Default: 0 (unbounded)
	MaxConcurrentHandlers int

	// ShutdownTimeout is used by Close.
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	PatternCache  pattern.CacheConfig
	Subscriptions subscription.Config
	Dedup         dedup.Config
	Sanitizer     sanitize.Config
	RateLimit     ratelimit.Config
	Encryption    EncryptionConfig
	Processor     processor.Config
	Modules       module.Config

	// Retry governs persistence appends.
	Retry buserrors.RetryConfig

	// OnDispatch is called synchronously, in start order, just before each
	// handler is started.
	OnDispatch func(evt *event.Event, sub subscription.Subscription)
}

// EncryptionConfig configures payload encryption.
type EncryptionConfig struct {
	// SensitivePatterns are globs of patterns whose payloads are encrypted.
	// Nil takes encryption.DefaultSensitivePatterns.
	SensitivePatterns []string

	// Cipher seals payloads. Nil disables encryption.
	Cipher encryption.Cipher

	// FailClosed rejects an emit whose payload cannot be encrypted. By
	// default the failure is logged and the plaintext is dispatched.
	FailClosed bool
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		Source:          "securebus",
		ShutdownTimeout: 30 * time.Second,
		PatternCache:    pattern.DefaultCacheConfig,
		Dedup:           dedup.DefaultConfig,
		Sanitizer:       sanitize.DefaultConfig,
		RateLimit:       ratelimit.DefaultConfig,
		Processor:       processor.DefaultConfig,
		Modules:         module.DefaultConfig,
		Retry:           buserrors.DefaultRetry,
	}
}

// ConfigFromSettings maps file settings onto DefaultConfig. When encryption
// is enabled the passphrase is read from the environment variable named by
// Encryption.KeyEnv.
func ConfigFromSettings(s config.Settings) (Config, error) {
	if err := s.Validate(); err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()

	if s.Bus.Source != "" {
		cfg.Source = s.Bus.Source
	}
	cfg.TestMode = s.Bus.TestMode
	cfg.MaxConcurrentHandlers = s.Bus.MaxConcurrentHandlers
	if s.Bus.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = s.Bus.ShutdownTimeout
	}
	cfg.Subscriptions.MaxSubscriptions = s.Bus.MaxSubscriptions

	if s.PatternCache.MaxEntries > 0 {
		cfg.PatternCache.MaxEntries = s.PatternCache.MaxEntries
	}
	if s.PatternCache.TTL > 0 {
		cfg.PatternCache.TTL = s.PatternCache.TTL
	}

	rl := &cfg.RateLimit
	rl.TestMode = s.Bus.TestMode
	setLimit(&rl.Global, s.RateLimit.Global)
	setLimit(&rl.PerIP, s.RateLimit.PerIP)
	setLimit(&rl.PerUser, s.RateLimit.PerUser)
	for _, o := range s.RateLimit.Overrides {
		rl.PatternOverrides = append(rl.PatternOverrides, ratelimit.PatternOverride{
			Glob:  o.Pattern,
			Limit: ratelimit.Limit{Requests: o.Requests, Window: o.Window},
		})
	}
	if s.RateLimit.DDoSThreshold > 0 {
		rl.DDoSThreshold = s.RateLimit.DDoSThreshold
	}
	if s.RateLimit.AutoBlockDuration > 0 {
		rl.AutoBlockDuration = s.RateLimit.AutoBlockDuration
	}
	if s.RateLimit.IdleTimeout > 0 {
		rl.IdleTimeout = s.RateLimit.IdleTimeout
	}
	rl.SuspiciousGeos = s.RateLimit.SuspiciousGeos

	if s.Dedup.Window > 0 {
		cfg.Dedup.Window = s.Dedup.Window
	}
	if s.Dedup.MaxEntriesPerSource > 0 {
		cfg.Dedup.MaxEntriesPerSource = s.Dedup.MaxEntriesPerSource
	}
	cfg.Dedup.SemanticKeys = s.Dedup.SemanticKeys

	sz := &cfg.Sanitizer
	if s.Sanitizer.MaxObjectDepth > 0 {
		sz.MaxObjectDepth = s.Sanitizer.MaxObjectDepth
	}
	if s.Sanitizer.MaxArrayLength > 0 {
		sz.MaxArrayLength = s.Sanitizer.MaxArrayLength
	}
	if s.Sanitizer.MaxStringLength > 0 {
		sz.MaxStringLength = s.Sanitizer.MaxStringLength
	}
	sz.BlockOnCritical = s.Sanitizer.BlockOnCritical
	sz.CriticalFields = s.Sanitizer.CriticalFields

	pr := &cfg.Processor
	if s.Processor.FailureThreshold > 0 {
		pr.FailureThreshold = s.Processor.FailureThreshold
	}
	if s.Processor.Cooldown > 0 {
		pr.Cooldown = s.Processor.Cooldown
	}
	if s.Processor.DefaultTimeout > 0 {
		pr.DefaultTimeout = s.Processor.DefaultTimeout
	}
	if s.Processor.MaxTimeout > 0 {
		pr.MaxTimeout = s.Processor.MaxTimeout
	}
	if s.Processor.WarningThreshold > 0 {
		pr.WarningThreshold = s.Processor.WarningThreshold
	}

	md := &cfg.Modules
	if s.Modules.ErrorThreshold > 0 {
		md.ErrorThreshold = s.Modules.ErrorThreshold
	}
	if s.Modules.DegradedThreshold > 0 {
		md.DegradedThreshold = s.Modules.DegradedThreshold
	}
	if s.Modules.LatencyThreshold > 0 {
		md.LatencyThreshold = s.Modules.LatencyThreshold
	}
	if s.Modules.WindowSize > 0 {
		md.WindowSize = s.Modules.WindowSize
	}
	if s.Modules.MinSamples > 0 {
		md.MinSamples = s.Modules.MinSamples
	}

	if s.Encryption.Enabled {
		passphrase := os.Getenv(s.Encryption.KeyEnv)
		if passphrase == "" {
			return Config{}, fmt.Errorf("encryption key variable %s is not set", s.Encryption.KeyEnv)
		}
		c, err := encryption.NewAESGCMFromPassphrase(passphrase)
		if err != nil {
			return Config{}, fmt.Errorf("create cipher: %w", err)
		}
		cfg.Encryption = EncryptionConfig{
			SensitivePatterns: s.Encryption.SensitivePatterns,
			Cipher:            c,
			FailClosed:        s.Encryption.FailClosed,
		}
	}
	return cfg, nil
}

func setLimit(dst *ratelimit.Limit, src config.LimitSettings) {
	if src.Requests > 0 && src.Window > 0 {
		*dst = ratelimit.Limit{Requests: src.Requests, Window: src.Window}
	}
}
