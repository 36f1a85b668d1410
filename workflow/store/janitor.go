package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	robcron "github.com/robfig/cron/v3"
)

// Cleaner is anything that can drop its expired state. Every Store is a
// Cleaner, and so is the in-memory coordinator.
type Cleaner interface {
	CleanExpired(ctx context.Context) (int64, error)
}

// Janitor calls CleanExpired on a set of targets on a cron schedule.
//
//	j, err := store.NewJanitor("@every 10s", logger, redisStore, coordinator)
//	j.Start()
//	defer j.Stop()
type Janitor struct {
	cron    *robcron.Cron
	targets []Cleaner
	logger  logr.Logger
	timeout time.Duration

	mu      sync.Mutex
	removed int64
	runs    int
}

// NewJanitor schedules sweeps of targets. schedule accepts standard
// five-field cron expressions and descriptors such as "@every 30s".
func NewJanitor(schedule string, logger logr.Logger, targets ...Cleaner) (*Janitor, error) {
	j := &Janitor{
		cron:    robcron.New(),
		targets: targets,
		logger:  logger,
		timeout: time.Minute,
	}
	if _, err := j.cron.AddFunc(schedule, j.scheduled); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins running sweeps in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop stops scheduling new sweeps and waits for a running one to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if _, err := j.Sweep(ctx); err != nil {
		j.logger.Error(err, "expiry sweep failed")
	}
}

// Sweep cleans every target once. It keeps going after a failing target
// and returns the first error.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	var (
		total    int64
		firstErr error
	)
	for _, target := range j.targets {
		n, err := target.CleanExpired(ctx)
		total += n
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("clean %T: %w", target, err)
		}
	}

	j.mu.Lock()
	j.removed += total
	j.runs++
	j.mu.Unlock()

	if total > 0 {
		j.logger.Info("expired state removed", "count", total)
	}
	return total, firstErr
}

// Stats returns how many sweeps have run and how many items they removed.
func (j *Janitor) Stats() (runs int, removed int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs, j.removed
}
