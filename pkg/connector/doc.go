// Copyright 2024-2026 Aiku AI

// Package connector relays messages between VK Teams users and Telegram
// chats reached through bot tokens those users register.
//
// A VK Teams user pastes a Telegram bot token. Every chat that then writes
// to that bot becomes a numbered recipient the user can address with /to,
// and everything the chats write is forwarded back to the user. Several
// VK Teams users may register the same token; they share one poller and
// see the same recipients.
//
// # Core Types
//
// [Bridge] owns the VK Teams event loop and the routing in both directions.
// Durable state lives in a [state.Store] and tokens are sealed by a
// [vault.Vault] before they reach it.
//
// [Supervisor] runs at most one Telegram long-poll loop per token
// fingerprint and resumes the loops recorded as polling on startup.
//
// # Delivery
//
// Each Telegram batch moves the stored offset to the highest update id + 1
// before any of its messages is relayed, and the VK Teams cursor is stored
// as each event is taken up. Neither cursor ever moves backwards. Updates
// Telegram still holds past the stored offset, including those queued
// while the bridge was down, are fetched on the next start.
package connector
