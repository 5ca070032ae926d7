// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aiku/vkteams-telegram-bridge/pkg/persist"
	"github.com/aiku/vkteams-telegram-bridge/pkg/retry"
	"github.com/aiku/vkteams-telegram-bridge/pkg/state"
	"github.com/aiku/vkteams-telegram-bridge/pkg/telegram"
	"github.com/aiku/vkteams-telegram-bridge/pkg/vault"
	"github.com/aiku/vkteams-telegram-bridge/pkg/vkteams"
)

// VKTeamsAPI is the part of the VK Teams Bot API the bridge uses.
type VKTeamsAPI interface {
	FetchEvents(ctx context.Context, lastEventID int64, pollTime int) ([]vkteams.Event, error)
	SendText(ctx context.Context, chatID, text string) error
	SendFile(ctx context.Context, chatID string, data []byte, filename string) error
	GetFileInfo(ctx context.Context, fileID string) (*vkteams.FileInfo, error)
	GetFile(ctx context.Context, fileID string) ([]byte, error)
}

// TelegramAPI is the part of the Telegram Bot API the bridge uses.
type TelegramAPI interface {
	GetUpdates(ctx context.Context, token string, offset int64, timeout int) ([]telegram.Update, error)
	SendMessage(ctx context.Context, token string, chatID int64, text string) error
	SendDocument(ctx context.Context, token string, chatID int64, data []byte, filename string) error
	GetFile(ctx context.Context, token, fileID string) (*telegram.File, error)
	DownloadFile(ctx context.Context, token, filePath string) ([]byte, error)
	DeleteWebhook(ctx context.Context, token string, dropPending bool) error
}

// Bridge is the relay engine. It owns the session and credential tables
// (through Store), the plaintext credential cache (Vault) and the live
// polling tasks (Supervisor).
type Bridge struct {
	Config     *Config
	Log        zerolog.Logger
	Store      *state.Store
	Vault      *vault.Vault
	VKTeams    VKTeamsAPI
	Telegram   TelegramAPI
	Supervisor *Supervisor

	// bounded is used for every call except the two long polls.
	bounded *retry.Executor
	forever *retry.Executor
	// failurePause is the wait after a poll fails with a non-retryable error.
	failurePause retry.Policy
}

// Deps are the collaborators New wires together.
type Deps struct {
	Store    *state.Store
	Vault    *vault.Vault
	VKTeams  VKTeamsAPI
	Telegram TelegramAPI
	// RetryOptions are appended to the executor options, e.g. to replace
	// sleeping in tests.
	RetryOptions []retry.Option
}

// New builds a bridge from already opened collaborators.
func New(cfg *Config, log zerolog.Logger, deps Deps) *Bridge {
	opts := append([]retry.Option{
		retry.WithLogger(log.With().Str("component", "retry").Logger()),
		retry.WithRateLimit(cfg.Retry.RateLimit, burstFor(cfg.Retry.RateLimit)),
		retry.WithQuietStatus(http.StatusGatewayTimeout),
	}, deps.RetryOptions...)
	b := &Bridge{
		Config:       cfg,
		Log:          log,
		Store:        deps.Store,
		Vault:        deps.Vault,
		VKTeams:      deps.VKTeams,
		Telegram:     deps.Telegram,
		bounded:      retry.New(cfg.BoundedPolicy(), opts...),
		failurePause: cfg.PollPolicy(),
	}
	b.forever = b.bounded.WithPolicy(cfg.PollPolicy())
	b.Supervisor = newSupervisor(b)
	return b
}

func burstFor(perSecond float64) int {
	if perSecond < 1 {
		return 1
	}
	return int(perSecond)
}

// Open opens the state backend named by cfg, loads stored credentials into
// the vault and creates HTTP clients for both platforms.
func Open(ctx context.Context, cfg *Config, log zerolog.Logger) (*Bridge, error) {
	protector, err := vault.NewProtector(cfg.Secret.Algorithm, cfg.Secret.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	persister, err := persist.Open(cfg.PersistOptions())
	if err != nil {
		return nil, fmt.Errorf("opening state backend: %w", err)
	}
	store, err := state.Open(ctx, persister, log)
	if err != nil {
		_ = persister.Close()
		return nil, err
	}
	v := vault.New(protector, log)
	envelopes := make(map[string]vault.Envelope)
	store.View(func(tx *state.Tx) {
		for fp, cred := range tx.Credentials() {
			envelopes[fp] = cred.Envelope
		}
	})
	loaded := v.Load(envelopes)
	log.Info().Int("credentials", loaded).Int("stored", len(envelopes)).Msg("Loaded Telegram credentials")

	vk := vkteams.NewClient(cfg.VKTeams.APIURL, cfg.VKTeams.Token, nil)
	vk.MaxFileSize = cfg.Telegram.MaxFileSize
	tg := telegram.NewClient(cfg.Telegram.APIURL, nil)
	tg.MaxFileSize = cfg.Telegram.MaxFileSize

	return New(cfg, log, Deps{Store: store, Vault: v, VKTeams: vk, Telegram: tg}), nil
}

// Run resumes polling for stored credentials and runs the VK Teams loop
// until ctx is canceled. It then waits for every Telegram task and saves
// the state one last time.
func (b *Bridge) Run(ctx context.Context) error {
	b.Supervisor.Resume(ctx)
	err := b.runVKTeams(ctx)
	b.Supervisor.StopAll()
	b.Supervisor.Wait()
	if saveErr := b.Store.Save(context.WithoutCancel(ctx)); saveErr != nil {
		err = errors.Join(err, saveErr)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Close releases the state backend.
func (b *Bridge) Close() error {
	return b.Store.Close()
}
