// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/vkteams-telegram-bridge/pkg/retry"
	"github.com/aiku/vkteams-telegram-bridge/pkg/state"
	"github.com/aiku/vkteams-telegram-bridge/pkg/vault"
	"github.com/aiku/vkteams-telegram-bridge/pkg/vkteams"
)

// runVKTeams is the VK Teams long-poll loop. It returns when ctx is done.
func (b *Bridge) runVKTeams(ctx context.Context) error {
	log := b.Log.With().Str("component", "vkteams").Logger()
	log.Info().Msg("Polling VK Teams events")
	failures := 0
	for ctx.Err() == nil {
		var cursor int64
		b.Store.View(func(tx *state.Tx) { cursor = tx.VKCursor() })
		events, err := retry.Value(ctx, b.forever, "vkteams events/get", func(ctx context.Context) ([]vkteams.Event, error) {
			return b.VKTeams.FetchEvents(ctx, cursor, b.Config.VKTeams.PollTime)
		})
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			log.Error().Err(retry.RedactError(err)).Msg("VK Teams poll failed")
			if b.pauseAfterFailure(ctx, failures) != nil {
				break
			}
			failures++
			continue
		}
		failures = 0
		for _, evt := range events {
			if ctx.Err() != nil {
				break
			}
			b.handleVKEvent(ctx, evt)
		}
	}
	return ctx.Err()
}

func (b *Bridge) handleVKEvent(ctx context.Context, evt vkteams.Event) {
	err := b.Store.Update(ctx, func(tx *state.Tx) error {
		tx.AdvanceVKCursor(evt.EventID)
		return nil
	})
	if err != nil {
		b.Log.Error().Err(err).Int64("event_id", evt.EventID).Msg("Failed to persist VK Teams cursor")
	}
	if evt.Type != vkteams.EventNewMessage || evt.Payload == nil || evt.Payload.Chat.ChatID == "" {
		return
	}
	p := evt.Payload
	log := b.Log.With().Str("component", "router").Str("vk_user", p.Chat.ChatID).Logger()
	ctx = log.WithContext(ctx)
	b.handleVKMessage(ctx, p)
}

var toCommand = regexp.MustCompile(`(?i)^/to\s+(.+)`)

func (b *Bridge) handleVKMessage(ctx context.Context, p *vkteams.Payload) {
	userID := p.Chat.ChatID
	text := strings.TrimSpace(p.Text)

	if text == "/reset" {
		b.resetSession(ctx, userID)
		return
	}

	var stage state.Stage
	var selected bool
	err := b.Store.Update(ctx, func(tx *state.Tx) error {
		sess := tx.GetOrCreate(userID)
		stage, selected = sess.Stage, sess.Selected != nil
		return nil
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to persist new session")
	}

	switch stage {
	case state.StageAwaitingCredential:
		b.handleCredential(ctx, userID, text)
		return
	case state.StageAwaitingFirstInbound:
		b.replyVK(ctx, userID, msgWaiting)
		return
	}

	switch {
	case text == "/help":
		b.replyVK(ctx, userID, msgHelp)
	case strings.HasPrefix(text, "/list"):
		b.replyVK(ctx, userID, peerListMessage(b.listPeers(userID)))
	case toCommand.MatchString(text):
		b.selectPeer(ctx, userID, toCommand.FindStringSubmatch(text)[1])
	case !selected:
		b.replyVK(ctx, userID, choosePeerMessage(b.listPeers(userID)))
	default:
		b.forwardToTelegram(ctx, userID, p)
	}
}

func (b *Bridge) resetSession(ctx context.Context, userID string) {
	var orphaned string
	err := b.Store.Update(ctx, func(tx *state.Tx) error {
		orphaned, _ = tx.Reset(userID)
		return nil
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to persist reset")
	}
	if orphaned != "" {
		b.Supervisor.StopLoopFor(orphaned)
		b.Vault.Forget(orphaned)
	}
	zerolog.Ctx(ctx).Info().Bool("stopped_poller", orphaned != "").Msg("Session reset")
	b.replyVK(ctx, userID, msgReset)
}

func (b *Bridge) handleCredential(ctx context.Context, userID, text string) {
	log := zerolog.Ctx(ctx)
	if !state.ValidCredential(text) {
		b.replyVK(ctx, userID, msgCredentialPrompt)
		return
	}

	fp := vault.Fingerprint(text)
	var existing *vault.Envelope
	b.Store.View(func(tx *state.Tx) {
		if cred, ok := tx.Credential(fp); ok {
			env := cred.Envelope
			existing = &env
		}
	})
	_, env, fresh, err := b.Vault.Register(text, existing)
	if err != nil {
		log.Error().Err(err).Msg("Failed to protect Telegram token")
		b.replyVK(ctx, userID, msgCredentialMissing)
		return
	}

	reconnected := false
	err = b.Store.Update(ctx, func(tx *state.Tx) error {
		cred, ok := tx.Credential(fp)
		if !ok {
			cred = &state.Credential{}
			tx.PutCredential(fp, cred)
		}
		if fresh {
			cred.Envelope = env
		}
		sess := tx.GetOrCreate(userID)
		sess.Bind(fp)
		if sibling, ok := tx.Sibling(userID, fp); ok {
			sess.CloneFrom(sibling)
			reconnected = true
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist credential binding")
	}
	log.Info().Str("fingerprint", vault.Short(fp)).Bool("new_record", existing == nil).Bool("reconnected", reconnected).Msg("Telegram token bound")

	b.replyVK(ctx, userID, msgCredentialAccepted)
	if err = b.Supervisor.StartLoopFor(ctx, fp); err != nil {
		log.Error().Err(err).Msg("Failed to start Telegram poller")
	}
	if reconnected {
		b.replyVK(ctx, userID, msgReconnected)
	}
}

func (b *Bridge) listPeers(userID string) []string {
	var lines []string
	b.Store.View(func(tx *state.Tx) {
		if sess, ok := tx.Session(userID); ok {
			lines = sess.ListLines()
		}
	})
	return lines
}

func (b *Bridge) selectPeer(ctx context.Context, userID, key string) {
	var name string
	found := false
	err := b.Store.Update(ctx, func(tx *state.Tx) error {
		sess, ok := tx.Session(userID)
		if !ok {
			return nil
		}
		if peer, ok := sess.Lookup(key); ok {
			sess.Select(peer.ChatID)
			name, found = peer.Name, true
		}
		return nil
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to persist selection")
	}
	if !found {
		b.replyVK(ctx, userID, msgNotFound)
		return
	}
	b.replyVK(ctx, userID, selectedMessage(name))
}

// forwardToTelegram relays text and attachments to the selected chat.
func (b *Bridge) forwardToTelegram(ctx context.Context, userID string, p *vkteams.Payload) {
	log := zerolog.Ctx(ctx)
	var fp string
	var chatID int64
	b.Store.View(func(tx *state.Tx) {
		if sess, ok := tx.Session(userID); ok && sess.Selected != nil {
			fp, chatID = sess.CredentialRef, *sess.Selected
		}
	})
	token, ok := b.Vault.Resolve(fp)
	if !ok {
		b.replyVK(ctx, userID, msgCredentialMissing)
		return
	}
	exec := b.bounded.Keyed(fp)

	if p.Text != "" {
		err := exec.Do(ctx, "telegram sendMessage", func(ctx context.Context) error {
			return b.Telegram.SendMessage(ctx, token, chatID, p.Text)
		})
		if err != nil {
			b.reportForwardError(ctx, userID, err)
			return
		}
	}
	for _, part := range p.Parts {
		fileID := part.Payload.FileID
		if fileID == "" {
			continue
		}
		if err := b.forwardFile(ctx, exec, token, chatID, fileID); err != nil {
			log.Warn().Str("file_id", fileID).Msg("Attachment not relayed")
			b.reportForwardError(ctx, userID, err)
		}
	}
}

func (b *Bridge) forwardFile(ctx context.Context, exec *retry.Executor, token string, chatID int64, fileID string) error {
	info, err := retry.Value(ctx, b.bounded, "vkteams files/getInfo", func(ctx context.Context) (*vkteams.FileInfo, error) {
		return b.VKTeams.GetFileInfo(ctx, fileID)
	})
	if err != nil {
		return err
	}
	data, err := retry.Value(ctx, b.bounded, "vkteams files/get", func(ctx context.Context) ([]byte, error) {
		return b.VKTeams.GetFile(ctx, fileID)
	})
	if err != nil {
		return err
	}
	name := withExtension(info.Filename, info.Type)
	return exec.Do(ctx, "telegram sendDocument", func(ctx context.Context) error {
		return b.Telegram.SendDocument(ctx, token, chatID, data, name)
	})
}

// reportForwardError tells the user about rejected deliveries. Transient
// failures that exhausted their retries are only logged.
func (b *Bridge) reportForwardError(ctx context.Context, userID string, err error) {
	zerolog.Ctx(ctx).Error().Err(retry.RedactError(err)).Msg("Failed to relay message to Telegram")
	if retry.IsClientError(err) || retry.IsConflict(err) {
		b.replyVK(ctx, userID, deliveryFailedMessage(retry.Redact(err.Error())))
	}
}

// replyVK sends a bridge reply and logs failures.
func (b *Bridge) replyVK(ctx context.Context, userID, text string) {
	if err := b.sendVKText(ctx, userID, text); err != nil && ctx.Err() == nil {
		zerolog.Ctx(ctx).Error().Err(retry.RedactError(err)).Msg("Failed to send VK Teams reply")
	}
}

func (b *Bridge) sendVKText(ctx context.Context, userID, text string) error {
	return b.bounded.Do(ctx, "vkteams messages/sendText", func(ctx context.Context) error {
		return b.VKTeams.SendText(ctx, userID, text)
	})
}
