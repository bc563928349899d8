// Package scheduler runs the long-lived background tasks: periodic token
// refresh and best-effort cleanup of stale upstream chats. Both tasks are
// fire-and-forget and survive individual iteration errors.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qwenbridge/qwenbridge/internal/identity"
	"github.com/qwenbridge/qwenbridge/internal/qwen"
)

// cleanupPageSize bounds how many chats one cleanup iteration inspects.
const cleanupPageSize = 20

// keepRecentChats is how many of the newest chats each iteration leaves alone.
const keepRecentChats = 5

// Scheduler owns the two periodic tasks.
type Scheduler struct {
	pool   *identity.Pool
	client *qwen.Client
	logger *zap.Logger

	refreshInterval time.Duration
	cleanupInterval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. Intervals of zero or less disable the
// corresponding task.
func New(pool *identity.Pool, client *qwen.Client, refreshInterval, cleanupInterval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		pool:            pool,
		client:          client,
		logger:          logger,
		refreshInterval: refreshInterval,
		cleanupInterval: cleanupInterval,
		stop:            make(chan struct{}),
	}
}

// Start launches both background tasks. They run until Stop is called.
func (s *Scheduler) Start() {
	if s.refreshInterval > 0 {
		s.wg.Add(1)
		go s.run("token refresh", s.refreshInterval, s.refreshOnce)
	}
	if s.cleanupInterval > 0 {
		s.wg.Add(1)
		go s.run("chat cleanup", s.cleanupInterval, s.cleanupOnce)
	}
}

// Stop halts both tasks and waits for in-flight iterations. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Scheduler) run(name string, interval time.Duration, iterate func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			func() {
				defer cancel()
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("scheduler iteration panicked",
							zap.String("task", name), zap.Any("panic", r))
					}
				}()
				iterate(ctx)
			}()
		}
	}
}

func (s *Scheduler) refreshOnce(ctx context.Context) {
	refreshed := s.pool.RefreshExpired(ctx)
	s.logger.Info("token refresh pass finished", zap.Int("refreshed", refreshed))
}

// cleanupOnce deletes a bounded page of older upstream chats using one
// healthy identity. Skipped entirely when no healthy identity exists;
// failures are logged and ignored.
func (s *Scheduler) cleanupOnce(ctx context.Context) {
	lease, ok := s.pool.AcquireHealthy()
	if !ok {
		s.logger.Debug("chat cleanup skipped: no healthy identity")
		return
	}
	s.cleanupFor(ctx, lease.Creds)
}

func (s *Scheduler) cleanupFor(ctx context.Context, creds qwen.Credentials) {
	chats, err := s.client.ListChats(ctx, creds, 1, cleanupPageSize)
	if err != nil {
		s.logger.Warn("chat cleanup listing failed", zap.Error(err))
		return
	}
	if len(chats) <= keepRecentChats {
		return
	}
	deleted := 0
	for _, chat := range chats[keepRecentChats:] {
		if err := s.client.DeleteChat(ctx, creds, chat.ID); err != nil {
			s.logger.Warn("chat cleanup delete failed",
				zap.String("chat_id", chat.ID), zap.Error(err))
			continue
		}
		deleted++
	}
	s.logger.Info("chat cleanup pass finished",
		zap.Int("inspected", len(chats)), zap.Int("deleted", deleted))
}
