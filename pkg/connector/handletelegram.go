// Copyright 2024-2026 Aiku AI

package connector

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/aiku/vkteams-telegram-bridge/pkg/retry"
	"github.com/aiku/vkteams-telegram-bridge/pkg/state"
	"github.com/aiku/vkteams-telegram-bridge/pkg/telegram"
)

// pollTelegram is the long-poll loop of one credential.
func (b *Bridge) pollTelegram(ctx context.Context, task *pollTask) {
	poll := task.exec.WithPolicy(b.forever.Policy())
	failures := 0
	for ctx.Err() == nil {
		var offset int64
		b.Store.View(func(tx *state.Tx) {
			if cred, ok := tx.Credential(task.fp); ok {
				offset = cred.Offset
			}
		})
		updates, err := retry.Value(ctx, poll, "telegram getUpdates", func(ctx context.Context) ([]telegram.Update, error) {
			return b.Telegram.GetUpdates(ctx, task.token, offset, b.Config.Telegram.PollTimeout)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if retry.IsConflict(err) {
				task.log.Warn().Msg("Telegram reports a webhook is set, removing it")
				b.Supervisor.clearWebhook(ctx, task)
			} else {
				task.log.Error().Err(retry.RedactError(err)).Msg("Telegram poll failed")
			}
			if b.pauseAfterFailure(ctx, failures) != nil {
				return
			}
			failures++
			continue
		}
		failures = 0
		if !b.Supervisor.current(task) {
			return
		}
		b.handleTelegramBatch(ctx, task, updates)
	}
}

// pauseAfterFailure waits before polling again after a non-retryable
// failure, so a revoked token does not spin the loop.
func (b *Bridge) pauseAfterFailure(ctx context.Context, failures int) error {
	return b.bounded.Sleep(ctx, b.failurePause.Delay(failures, 0))
}

func (b *Bridge) handleTelegramBatch(ctx context.Context, task *pollTask, updates []telegram.Update) {
	if len(updates) == 0 {
		return
	}
	next := updates[0].UpdateID
	for _, upd := range updates {
		next = max(next, upd.UpdateID)
	}
	next++
	err := b.Store.Update(ctx, func(tx *state.Tx) error {
		tx.AdvanceOffset(task.fp, next)
		return nil
	})
	if err != nil {
		task.log.Error().Err(err).Int64("offset", next).Msg("Failed to persist Telegram offset")
	}

	for _, upd := range updates {
		if ctx.Err() != nil || !b.Supervisor.current(task) {
			return
		}
		msg := upd.AnyMessage()
		if msg == nil || (msg.From != nil && msg.From.IsBot) {
			continue
		}
		b.handleTelegramMessage(ctx, task, msg)
	}
}

// delivery is a notification owed to one VK Teams session.
type delivery struct {
	userID    string
	prefix    string
	connected bool
}

// handleTelegramMessage fans msg out to every session bound to the
// credential. Peer discovery and stage changes happen in one store update;
// the sends happen after it.
func (b *Bridge) handleTelegramMessage(ctx context.Context, task *pollTask, msg *telegram.Message) {
	name := peerName(msg)
	var deliveries []delivery
	err := b.Store.Update(ctx, func(tx *state.Tx) error {
		for userID, sess := range tx.SessionsFor(task.fp) {
			peer, created := sess.AddPeer(msg.Chat.ID, name)
			if created {
				task.log.Info().
					Str("vk_user", userID).
					Int64("chat_id", peer.ChatID).
					Int("ordinal", peer.Ordinal).
					Msg("Discovered Telegram chat")
			}
			d := delivery{userID: userID, prefix: fmt.Sprintf("[%d] %s: ", peer.Ordinal, peer.Name)}
			if sess.Stage == state.StageAwaitingFirstInbound {
				sess.Stage = state.StageReady
				sess.Select(msg.Chat.ID)
				d.connected = true
			}
			deliveries = append(deliveries, d)
		}
		return nil
	})
	if err != nil {
		task.log.Error().Err(err).Msg("Failed to persist peer discovery")
	}
	slices.SortFunc(deliveries, func(a, b delivery) int { return cmp.Compare(a.userID, b.userID) })

	// Sessions are notified in parallel; each one gets its replies in order.
	media := newTelegramMedia(msg)
	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for _, d := range deliveries {
		g.Go(func() error {
			b.deliver(ctx, task, msg, media, d)
			return nil
		})
	}
	_ = g.Wait()
}

// fanOutLimit bounds concurrent deliveries of one Telegram message.
const fanOutLimit = 4

func (b *Bridge) deliver(ctx context.Context, task *pollTask, msg *telegram.Message, media *telegramMedia, d delivery) {
	log := task.log.With().Str("vk_user", d.userID).Logger()
	if d.connected {
		b.replyVK(ctx, d.userID, msgConnected)
	}
	if err := b.sendVKText(ctx, d.userID, d.prefix+notificationText(msg)); err != nil {
		log.Error().Err(retry.RedactError(err)).Msg("Failed to relay Telegram message")
		return
	}
	if media == nil {
		return
	}
	if err := b.relayMediaToVK(ctx, task, media, d); err != nil {
		log.Error().Err(retry.RedactError(err)).Str("file", media.filename).Msg("Failed to relay Telegram file")
	}
}

func (b *Bridge) relayMediaToVK(ctx context.Context, task *pollTask, media *telegramMedia, d delivery) error {
	data, err := media.fetch(ctx, b, task)
	if err != nil {
		return err
	}
	if err = b.sendVKText(ctx, d.userID, d.prefix+"(file)"); err != nil {
		return err
	}
	return b.bounded.Do(ctx, "vkteams messages/sendFile", func(ctx context.Context) error {
		return b.VKTeams.SendFile(ctx, d.userID, data, media.filename)
	})
}

// peerName is the display name of a newly discovered chat.
func peerName(msg *telegram.Message) string {
	if msg.Chat.IsGroup() {
		if msg.Chat.Title != "" {
			return msg.Chat.Title
		}
		return fmt.Sprintf("Group_%d", msg.Chat.ID)
	}
	switch {
	case msg.From != nil && msg.From.Username != "":
		return "@" + msg.From.Username
	case msg.From != nil && msg.From.FirstName != "":
		return msg.From.FirstName
	default:
		return "User"
	}
}

func notificationText(msg *telegram.Message) string {
	switch {
	case msg.Text != "":
		return msg.Text
	case msg.Caption != "":
		return msg.Caption
	default:
		return "📎"
	}
}
