// Copyright 2024-2026 Aiku AI

// Package persist implements [state.Persister] backends.
package persist

import (
	"encoding/json"
	"fmt"

	"github.com/aiku/vkteams-telegram-bridge/pkg/state"
)

// Backend names accepted by Open.
const (
	BackendFile  = "file"
	BackendBolt  = "bolt"
	BackendRedis = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend   string
	Path      string
	RedisAddr string
	RedisKey  string
}

// Open returns the persister named by opts.Backend. An empty backend
// selects the JSON file.
func Open(opts Options) (state.Persister, error) {
	switch opts.Backend {
	case "", BackendFile:
		return NewFileStore(opts.Path), nil
	case BackendBolt:
		return OpenBoltStore(opts.Path)
	case BackendRedis:
		return NewRedisStore(opts.RedisAddr, opts.RedisKey), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Backend)
	}
}

func encode(snap *state.Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*state.Snapshot, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}
