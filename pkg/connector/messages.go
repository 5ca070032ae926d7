// Copyright 2024-2026 Aiku AI

package connector

import "strings"

// Replies sent to VK Teams users.
const (
	msgReset              = "🗑️ Reset. Send a new Telegram bot token."
	msgCredentialPrompt   = "Send your Telegram bot token (format 123456789:AA…)."
	msgCredentialAccepted = "✅ Token accepted. Send /start to your Telegram bot (and/or add it to a group)."
	msgReconnected        = "🔗 Connected again. /list shows recipients."
	msgWaiting            = "⏳ Waiting for the first message to your Telegram bot…"
	msgConnected          = "🔗 Connected!\n/list shows recipients, /to selects one."
	msgNotFound           = "Not found. /list"
	msgCredentialMissing  = "❌ Telegram token unavailable. /reset and start over."
	msgNoPeers            = "-none-"
	msgHelp               = "/list shows recipients\n/to <number|name> selects one\n/reset forgets the token and recipients"
)

func peerListMessage(lines []string) string {
	return "Recipients:\n" + joinOrNone(lines)
}

func choosePeerMessage(lines []string) string {
	return "Whom to send to?\n" + joinOrNone(lines) + "\nUse /to …"
}

func selectedMessage(name string) string {
	return "▶ " + name
}

func deliveryFailedMessage(reason string) string {
	return "Delivery failed: " + reason
}

func joinOrNone(lines []string) string {
	if len(lines) == 0 {
		return msgNoPeers
	}
	return strings.Join(lines, "\n")
}
