// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/vkteams-telegram-bridge/pkg/retry"
	"github.com/aiku/vkteams-telegram-bridge/pkg/state"
	"github.com/aiku/vkteams-telegram-bridge/pkg/vault"
)

// ErrCredentialUnavailable is returned when a fingerprint has no usable
// plaintext token, e.g. because it failed to decrypt at startup.
var ErrCredentialUnavailable = errors.New("credential unavailable")

// pollTask is one running Telegram long-poll loop.
type pollTask struct {
	fp     string
	token  string
	cancel context.CancelFunc
	exec   *retry.Executor
	log    zerolog.Logger
}

// Supervisor keeps at most one polling task per credential fingerprint.
type Supervisor struct {
	bridge *Bridge
	log    zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*pollTask
	wg    sync.WaitGroup
}

func newSupervisor(b *Bridge) *Supervisor {
	return &Supervisor{
		bridge: b,
		log:    b.Log.With().Str("component", "supervisor").Logger(),
		tasks:  make(map[string]*pollTask),
	}
}

// StartLoopFor starts polling for fp unless a task already runs. The task
// lives until StopLoopFor or until ctx is canceled.
func (s *Supervisor) StartLoopFor(ctx context.Context, fp string) error {
	log := s.log.With().Str("fingerprint", vault.Short(fp)).Logger()
	token, ok := s.bridge.Vault.Resolve(fp)
	if !ok {
		log.Warn().Msg("Not starting Telegram poller, token unavailable")
		return ErrCredentialUnavailable
	}

	s.mu.Lock()
	if _, running := s.tasks[fp]; running {
		s.mu.Unlock()
		return nil
	}
	taskCtx, cancel := context.WithCancel(log.WithContext(ctx))
	task := &pollTask{
		fp:     fp,
		token:  token,
		cancel: cancel,
		exec:   s.bridge.bounded.Keyed(fp),
		log:    log,
	}
	s.tasks[fp] = task
	s.wg.Add(1)
	s.mu.Unlock()

	err := s.bridge.Store.Update(ctx, func(tx *state.Tx) error {
		if cred, ok := tx.Credential(fp); ok {
			cred.Polling = true
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist polling flag")
	}

	log.Info().Msg("Starting Telegram poller")
	go func() {
		defer s.wg.Done()
		defer s.remove(task)
		s.clearWebhook(taskCtx, task)
		s.bridge.pollTelegram(taskCtx, task)
	}()
	return nil
}

// clearWebhook is a single best-effort call: a bot without a webhook is the
// normal case. Pending updates are always kept, they are what a resumed
// poller still has to deliver.
func (s *Supervisor) clearWebhook(ctx context.Context, task *pollTask) {
	err := s.bridge.Telegram.DeleteWebhook(ctx, task.token, false)
	if err != nil && ctx.Err() == nil {
		task.log.Debug().Err(retry.RedactError(err)).Msg("Ignoring deleteWebhook failure")
	}
}

// StopLoopFor cancels the task for fp. Stopping an unknown fingerprint is
// a no-op.
func (s *Supervisor) StopLoopFor(fp string) {
	s.mu.Lock()
	task, ok := s.tasks[fp]
	if ok {
		delete(s.tasks, fp)
	}
	s.mu.Unlock()
	if ok {
		task.cancel()
		task.log.Info().Msg("Stopped Telegram poller")
	}
}

func (s *Supervisor) remove(task *pollTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[task.fp] == task {
		delete(s.tasks, task.fp)
	}
	task.cancel()
}

// current reports whether task is still the registered task for its
// fingerprint. Results fetched by a stopped task are dropped.
func (s *Supervisor) current(task *pollTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[task.fp] == task
}

// Resume starts a task for every credential that was polling when the
// state was last saved.
func (s *Supervisor) Resume(ctx context.Context) {
	var fps []string
	s.bridge.Store.View(func(tx *state.Tx) {
		for fp, cred := range tx.Credentials() {
			if cred.Polling {
				fps = append(fps, fp)
			}
		}
	})
	slices.Sort(fps)
	for _, fp := range fps {
		// Unavailable credentials are logged by StartLoopFor and stay
		// marked as polling so a later re-registration picks them up.
		_ = s.StartLoopFor(ctx, fp)
	}
	s.log.Info().Int("running", s.Count()).Int("stored", len(fps)).Msg("Resumed Telegram pollers")
}

// Running reports whether a task for fp is registered.
func (s *Supervisor) Running(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[fp]
	return ok
}

// Count returns the number of registered tasks.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// StopAll cancels every task without touching the persisted polling flags,
// so the same tasks resume on the next start.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*pollTask)
	s.mu.Unlock()
	for _, task := range tasks {
		task.cancel()
	}
}

// Wait blocks until every task goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
