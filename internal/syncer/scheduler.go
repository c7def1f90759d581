// Package syncer reconciles the store with server truth: a scheduler that
// periodically replaces local state with the authoritative snapshot, a
// coordinator that serializes user mutations through the server, and a
// dispatcher that applies normalized push events.
package syncer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hireloop/notisync/internal/notify"
)

// SnapshotClient fetches the full authoritative notification list.
type SnapshotClient interface {
	FetchAll(ctx context.Context) ([]notify.Notification, error)
}

const (
	defaultSyncInterval = 5 * time.Minute
	defaultSyncJitter   = 0.1
	defaultFetchTimeout = 15 * time.Second
)

type SchedulerOptions struct {
	Interval     time.Duration
	Jitter       float64
	FetchTimeout time.Duration
	Logger       *logrus.Logger
}

// Scheduler heals missed or duplicated push events by periodically fetching
// the server snapshot and replacing the store wholesale. A failed fetch is
// logged and skipped; the store keeps its last-known-good state.
type Scheduler struct {
	client  SnapshotClient
	store   *notify.Store
	log     *logrus.Entry
	options SchedulerOptions

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	triggerCh chan struct{}
}

func NewScheduler(client SnapshotClient, store *notify.Store, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = defaultSyncInterval
	}
	if opts.Jitter < 0 || opts.Jitter > 1 {
		opts.Jitter = defaultSyncJitter
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		client:    client,
		store:     store,
		log:       log.WithField("component", "syncer"),
		options:   opts,
		triggerCh: make(chan struct{}, 1),
	}
}

// Start reconciles once immediately and then on every jittered interval
// until the context is canceled or Stop is called. No-op when already
// running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	go s.loop(ctx, stopCh)
}

// Stop halts the reconciliation loop. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
}

// RefreshNow requests an immediate reconciliation without waiting for the
// next tick. Non-blocking; a pending request is enough.
func (s *Scheduler) RefreshNow() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	if err := s.ReconcileOnce(ctx); err != nil {
		s.log.Warnf("initial reconciliation failed: %v", err)
	}

	timer := time.NewTimer(jitteredInterval(s.options.Interval, s.options.Jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
		case <-s.triggerCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if err := s.ReconcileOnce(ctx); err != nil {
			s.log.Warnf("reconciliation failed: %v", err)
		}
		timer.Reset(jitteredInterval(s.options.Interval, s.options.Jitter, rng.Float64()))
	}
}

// ReconcileOnce fetches the authoritative snapshot and replaces the store's
// collection with it. Entities absent from the server response are dropped;
// this is the recovery path after local drift. On failure the store is left
// untouched.
func (s *Scheduler) ReconcileOnce(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, s.options.FetchTimeout)
	defer cancel()

	s.store.SetLoading(true)
	list, err := s.client.FetchAll(fetchCtx)
	s.store.SetLoading(false)
	if err != nil {
		s.store.SetErr(err)
		return err
	}
	s.store.SetAll(list)
	s.store.SetErr(nil)
	return nil
}

// jitteredInterval spreads reconciliation ticks so a fleet of clients does
// not synchronize against the backend.
func jitteredInterval(interval time.Duration, ratio, sample float64) time.Duration {
	if ratio <= 0 {
		return interval
	}
	spread := (sample*2 - 1) * ratio * float64(interval)
	jittered := time.Duration(float64(interval) + spread)
	if jittered <= 0 {
		return interval
	}
	return jittered
}
