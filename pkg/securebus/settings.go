package securebus

import (
	"errors"
	"fmt"
	"io"

	"github.com/randalmurphal/securebus/pkg/securebus/config"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/eventlog"
	"github.com/randalmurphal/securebus/pkg/securebus/offline"
)

// NewFromSettings builds a bus from file settings. It opens the SQLite event
// log, the bbolt offline queue and an in-memory dead letter queue when the
// settings ask for them; the bus closes what it opened on shutdown. opts are
// applied after the collaborators from settings, so they can replace them.
func NewFromSettings(s config.Settings, opts ...Option) (*Bus, error) {
	cfg, err := ConfigFromSettings(s)
	if err != nil {
		return nil, err
	}

	var (
		owned []io.Closer
		base  []Option
	)
	closeAll := func() error {
		var errs []error
		for _, c := range owned {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}

	if path := s.Bus.EventLogPath; path != "" {
		log, err := eventlog.NewSQLiteLog(path)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		owned = append(owned, log)
		base = append(base, WithEventLog(log))
	}
	if path := s.Bus.OfflineQueuePath; path != "" {
		q, err := offline.NewBoltQueue(path)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("open offline queue: %w", err), closeAll())
		}
		owned = append(owned, q)
		base = append(base, WithOfflineQueue(q))
	}
	if s.Bus.DeadLetterQueue {
		dlqCfg := event.DefaultDLQConfig
		if s.Bus.DeadLetterMaxSize > 0 {
			dlqCfg.MaxSize = s.Bus.DeadLetterMaxSize
		}
		base = append(base, WithDeadLetterQueue(event.NewInMemoryDLQ(dlqCfg)))
	}

	b, err := New(cfg, append(base, opts...)...)
	if err != nil {
		return nil, errors.Join(err, closeAll())
	}
	b.owned = owned
	return b, nil
}
