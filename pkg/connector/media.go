// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"path"
	"regexp"
	"sync"

	"go.mau.fi/util/exmime"

	"github.com/aiku/vkteams-telegram-bridge/pkg/retry"
	"github.com/aiku/vkteams-telegram-bridge/pkg/telegram"
)

// telegramMedia is the first attachment of a Telegram message. The file is
// downloaded once and reused for every session the message fans out to.
type telegramMedia struct {
	kind     string
	fileID   string
	filename string

	once sync.Once
	data []byte
	err  error
}

// newTelegramMedia picks the attachment of msg, or returns nil.
func newTelegramMedia(msg *telegram.Message) *telegramMedia {
	ref := func(kind string, f *telegram.FileRef, fallback string) *telegramMedia {
		name := f.FileName
		if name == "" {
			name = fallback
		}
		return &telegramMedia{kind: kind, fileID: f.FileID, filename: name}
	}
	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		return &telegramMedia{kind: "photo", fileID: largest.FileID, filename: largest.FileID + ".jpg"}
	case msg.Document != nil:
		return ref("document", msg.Document, msg.Document.FileID)
	case msg.Audio != nil:
		return ref("audio", msg.Audio, msg.Audio.FileID)
	case msg.Voice != nil:
		return ref("voice", msg.Voice, msg.Voice.FileID)
	case msg.Video != nil:
		return ref("video", msg.Video, msg.Video.FileID)
	case msg.Animation != nil:
		return ref("animation", msg.Animation, "animation.mp4")
	case msg.VideoNote != nil:
		return ref("video_note", msg.VideoNote, msg.VideoNote.FileID+".mp4")
	case msg.Sticker != nil:
		name := msg.Sticker.Emoji
		if name == "" {
			name = "sticker"
		}
		return &telegramMedia{kind: "sticker", fileID: msg.Sticker.FileID, filename: name + ".webp"}
	}
	return nil
}

func (m *telegramMedia) fetch(ctx context.Context, b *Bridge, task *pollTask) ([]byte, error) {
	m.once.Do(func() {
		file, err := retry.Value(ctx, task.exec, "telegram getFile", func(ctx context.Context) (*telegram.File, error) {
			return b.Telegram.GetFile(ctx, task.token, m.fileID)
		})
		if err != nil {
			m.err = err
			return
		}
		m.data, m.err = retry.Value(ctx, task.exec, "telegram download", func(ctx context.Context) ([]byte, error) {
			return b.Telegram.DownloadFile(ctx, task.token, file.FilePath)
		})
	})
	return m.data, m.err
}

var hasExtension = regexp.MustCompile(`(?i)\.[a-z\d]+$`)

// fallbackExtensions covers the types VK Teams reports most often, for
// systems without a MIME database.
var fallbackExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"video/mp4":  ".mp4",
}

// withExtension appends an extension inferred from mimeType when name has
// none.
func withExtension(name, mimeType string) string {
	if name == "" {
		name = "file"
	}
	if hasExtension.MatchString(path.Base(name)) {
		return name
	}
	if ext, ok := fallbackExtensions[mimeType]; ok {
		return name + ext
	}
	return name + exmime.ExtensionFromMimetype(mimeType)
}
