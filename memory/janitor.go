package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hupe1980/convomesh/logging"
)

// DefaultJanitorSchedule purges every five minutes.
const DefaultJanitorSchedule = "@every 5m"

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Janitor purges expired memory on a cron schedule.
type Janitor struct {
	purgers []Purger
	logger  logging.Logger
	timeout time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// NewJanitor validates schedule and prepares a stopped janitor.
func NewJanitor(schedule string, logger logging.Logger, purgers ...Purger) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	j := &Janitor{purgers: purgers, logger: logger, timeout: 30 * time.Second}
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.logger.Warn("memory purge failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("memory: invalid janitor schedule %q: %w", schedule, err)
	}
	j.cron = c
	return j, nil
}

// RunOnce purges every store and returns the number of removed entries.
// It continues past failing stores and reports the first error.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	total := 0
	var firstErr error
	for _, p := range j.purgers {
		n, err := p.Purge(ctx)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if total > 0 {
		j.logger.Info("expired memory purged", "entries", total)
	}
	return total, firstErr
}

// Start begins the schedule.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cron.Start()
}

// Stop halts the schedule and waits for a running purge to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	<-j.cron.Stop().Done()
}
