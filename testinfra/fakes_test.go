// Copyright 2024-2026 Aiku AI

package testinfra

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aiku/vkteams-telegram-bridge/pkg/telegram"
	"github.com/aiku/vkteams-telegram-bridge/pkg/vkteams"
)

// longPollWait bounds how long the fakes hold an empty long poll.
const longPollWait = 50 * time.Millisecond

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// hold waits for ready or until the long poll would time out.
func hold(r *http.Request, ready func() bool) {
	deadline := time.Now().Add(longPollWait)
	for !ready() && time.Now().Before(deadline) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(2 * time.Millisecond):
		}
	}
}

type endpointCall struct {
	Method string
	Path   string
}

// ────────────────────────────────────────────────────────────────────
// VK Teams Bot API
// ────────────────────────────────────────────────────────────────────

type vkMessage struct {
	ChatID   string
	Text     string
	Filename string
	Data     []byte
}

type vkStoredFile struct {
	info vkteams.FileInfo
	data []byte
}

type vkServer struct {
	*httptest.Server
	token string

	mu       sync.Mutex
	events   []vkteams.Event
	nextID   int64
	calls    []endpointCall
	messages []vkMessage
	files    map[string]vkStoredFile
}

func newVKServer(token string) *vkServer {
	s := &vkServer{token: token, files: make(map[string]vkStoredFile)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handler))
	return s
}

// say queues a message from a VK Teams user.
func (s *vkServer) say(userID, text string, fileIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	payload := &vkteams.Payload{
		MsgID:     strconv.FormatInt(s.nextID, 10),
		Chat:      vkteams.Chat{ChatID: userID, Type: "private"},
		From:      vkteams.User{UserID: userID},
		Text:      text,
		Timestamp: time.Now().Unix(),
	}
	for _, id := range fileIDs {
		payload.Parts = append(payload.Parts, vkteams.Part{Type: "file", Payload: vkteams.PartPayload{FileID: id}})
	}
	s.events = append(s.events, vkteams.Event{EventID: s.nextID, Type: vkteams.EventNewMessage, Payload: payload})
}

func (s *vkServer) addFile(fileID, filename, mimeType string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[fileID] = vkStoredFile{
		info: vkteams.FileInfo{Type: mimeType, Size: int64(len(data)), Filename: filename},
		data: data,
	}
}

func (s *vkServer) record(method, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, endpointCall{Method: method, Path: path})
}

// texts returns the texts the bridge sent to userID.
func (s *vkServer) texts(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.messages {
		if m.ChatID == userID && m.Filename == "" {
			out = append(out, m.Text)
		}
	}
	return out
}

func (s *vkServer) uploads(userID string) []vkMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []vkMessage
	for _, m := range s.messages {
		if m.ChatID == userID && m.Filename != "" {
			out = append(out, m)
		}
	}
	return out
}

func (s *vkServer) calledPath(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.Path == path {
			return true
		}
	}
	return false
}

func (s *vkServer) count(userID, text string) int {
	n := 0
	for _, got := range s.texts(userID) {
		if got == text {
			n++
		}
	}
	return n
}

func (s *vkServer) countPrefix(userID, prefix string) int {
	n := 0
	for _, got := range s.texts(userID) {
		if strings.HasPrefix(got, prefix) {
			n++
		}
	}
	return n
}

func (s *vkServer) handler(w http.ResponseWriter, r *http.Request) {
	s.record(r.Method, r.URL.Path)
	if r.FormValue("token") != s.token {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "description": "Invalid token"})
		return
	}

	switch r.URL.Path {
	case "/events/get":
		last, _ := strconv.ParseInt(r.FormValue("lastEventId"), 10, 64)
		var events []vkteams.Event
		collect := func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			events = events[:0]
			for _, evt := range s.events {
				if evt.EventID > last {
					events = append(events, evt)
				}
			}
			return len(events) > 0
		}
		hold(r, collect)
		collect()
		if events == nil {
			events = []vkteams.Event{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": events})

	case "/messages/sendText":
		s.mu.Lock()
		s.messages = append(s.messages, vkMessage{ChatID: r.FormValue("chatId"), Text: r.FormValue("text")})
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "msgId": "sent"})

	case "/messages/sendFile":
		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "description": "file is required"})
			return
		}
		data, _ := io.ReadAll(file)
		file.Close()
		s.mu.Lock()
		s.messages = append(s.messages, vkMessage{ChatID: r.FormValue("chatId"), Filename: header.Filename, Data: data})
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "fileId": "uploaded"})

	case "/files/getInfo", "/files/get":
		s.mu.Lock()
		f, ok := s.files[r.FormValue("fileId")]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "description": "File not found"})
			return
		}
		if r.URL.Path == "/files/get" {
			w.Write(f.data) //nolint:errcheck
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"type":     f.info.Type,
			"size":     f.info.Size,
			"filename": f.info.Filename,
			"url":      s.URL + "/files/get?fileId=" + r.FormValue("fileId"),
		})

	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "description": "Unknown method"})
	}
}

// ────────────────────────────────────────────────────────────────────
// Telegram Bot API
// ────────────────────────────────────────────────────────────────────

type tgMessage struct {
	Token    string
	ChatID   int64
	Text     string
	Filename string
	Data     []byte
}

type tgServer struct {
	*httptest.Server

	mu       sync.Mutex
	updates  map[string][]telegram.Update
	nextID   int64
	offsets  map[string][]int64
	inFlight map[string]int
	// maxInFlight is the largest number of concurrent getUpdates calls
	// seen per token.
	maxInFlight map[string]int
	webhooks    map[string]int
	conflicts   map[string]int
	messages    []tgMessage
	files       map[string][]byte
}

func newTGServer() *tgServer {
	s := &tgServer{
		updates:     make(map[string][]telegram.Update),
		nextID:      5000,
		offsets:     make(map[string][]int64),
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
		webhooks:    make(map[string]int),
		conflicts:   make(map[string]int),
		files:       make(map[string][]byte),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handler))
	return s
}

// push queues a message for the bot of token.
func (s *tgServer) push(token string, msg telegram.Message) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.MessageID = s.nextID
	if msg.Date == 0 {
		msg.Date = time.Now().Unix()
	}
	s.updates[token] = append(s.updates[token], telegram.Update{UpdateID: s.nextID, Message: &msg})
	return s.nextID
}

func (s *tgServer) pushText(token string, chatID int64, username, text string) int64 {
	return s.push(token, telegram.Message{
		From: &telegram.User{ID: chatID, FirstName: username, Username: username},
		Chat: telegram.Chat{ID: chatID, Type: telegram.ChatPrivate},
		Text: text,
	})
}

func (s *tgServer) addFile(fileID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[fileID] = data
}

// conflictNext makes the next n getUpdates calls of token fail with 409.
func (s *tgServer) conflictNext(token string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[token] = n
}

func (s *tgServer) sentTo(chatID int64) []tgMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tgMessage
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func (s *tgServer) pollOffsets(token string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.offsets[token]...)
}

func (s *tgServer) peakPollers(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight[token]
}

func (s *tgServer) webhookDeletes(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webhooks[token]
}

func (s *tgServer) handler(w http.ResponseWriter, r *http.Request) {
	if rest, ok := strings.CutPrefix(r.URL.Path, "/file/bot"); ok {
		_, filePath, _ := strings.Cut(rest, "/")
		s.mu.Lock()
		data, found := s.files[strings.TrimPrefix(filePath, "photos/")]
		s.mu.Unlock()
		if !found {
			http.NotFound(w, r)
			return
		}
		w.Write(data) //nolint:errcheck
		return
	}
	rest, ok := strings.CutPrefix(r.URL.Path, "/bot")
	if !ok {
		http.NotFound(w, r)
		return
	}
	token, method, _ := strings.Cut(rest, "/")
	ok200 := func(result any) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
	}

	switch method {
	case "getUpdates":
		offset, _ := strconv.ParseInt(r.FormValue("offset"), 10, 64)
		s.mu.Lock()
		s.offsets[token] = append(s.offsets[token], offset)
		if s.conflicts[token] > 0 {
			s.conflicts[token]--
			s.mu.Unlock()
			writeJSON(w, http.StatusConflict, map[string]any{
				"ok":          false,
				"error_code":  409,
				"description": "Conflict: can't use getUpdates method while webhook is active",
			})
			return
		}
		s.inFlight[token]++
		s.maxInFlight[token] = max(s.maxInFlight[token], s.inFlight[token])
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.inFlight[token]--
			s.mu.Unlock()
		}()

		var updates []telegram.Update
		collect := func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			updates = updates[:0]
			for _, u := range s.updates[token] {
				if u.UpdateID >= offset {
					updates = append(updates, u)
				}
			}
			return len(updates) > 0
		}
		hold(r, collect)
		collect()
		if updates == nil {
			updates = []telegram.Update{}
		}
		ok200(updates)

	case "sendMessage":
		chatID, _ := strconv.ParseInt(r.FormValue("chat_id"), 10, 64)
		s.mu.Lock()
		s.messages = append(s.messages, tgMessage{Token: token, ChatID: chatID, Text: r.FormValue("text")})
		s.mu.Unlock()
		ok200(map[string]any{"message_id": 1})

	case "sendDocument":
		chatID, _ := strconv.ParseInt(r.FormValue("chat_id"), 10, 64)
		file, header, err := r.FormFile("document")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: there is no document in the request"})
			return
		}
		data, _ := io.ReadAll(file)
		file.Close()
		s.mu.Lock()
		s.messages = append(s.messages, tgMessage{Token: token, ChatID: chatID, Filename: header.Filename, Data: data})
		s.mu.Unlock()
		ok200(map[string]any{"message_id": 2})

	case "getFile":
		fileID := r.FormValue("file_id")
		s.mu.Lock()
		data, found := s.files[fileID]
		s.mu.Unlock()
		if !found {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: invalid file_id"})
			return
		}
		ok200(map[string]any{"file_id": fileID, "file_size": len(data), "file_path": "photos/" + fileID})

	case "deleteWebhook":
		s.mu.Lock()
		s.webhooks[token]++
		if r.FormValue("drop_pending_updates") == "true" {
			delete(s.updates, token)
		}
		s.mu.Unlock()
		ok200(true)

	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error_code": 404, "description": "Not Found"})
	}
}
