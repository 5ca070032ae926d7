// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/vkteams-telegram-bridge/pkg/persist"
	"github.com/aiku/vkteams-telegram-bridge/pkg/retry"
	"github.com/aiku/vkteams-telegram-bridge/pkg/state"
	"github.com/aiku/vkteams-telegram-bridge/pkg/telegram"
	"github.com/aiku/vkteams-telegram-bridge/pkg/vault"
	"github.com/aiku/vkteams-telegram-bridge/pkg/vkteams"
)

const (
	tokenA = "111111111:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1"
	tokenB = "222222222:BBHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw2"
)

// idle stands in for an empty long poll.
func idle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Millisecond):
		return nil
	}
}

// ---------------------------------------------------------------------------
// VK Teams fake
// ---------------------------------------------------------------------------

type vkSent struct {
	ChatID   string
	Text     string
	Filename string
	Data     []byte
}

type vkFile struct {
	info vkteams.FileInfo
	data []byte
}

// fakeVK records outbound calls and serves queued events.
type fakeVK struct {
	mu      sync.Mutex
	events  []vkteams.Event
	nextID  int64
	cursors []int64
	sent    []vkSent
	files   map[string]vkFile
	// fail makes a method return the error until cleared.
	fail map[string]error
	// stalled chats block sendText until released.
	stalled map[string]chan struct{}
}

func newFakeVK() *fakeVK {
	return &fakeVK{
		files:   make(map[string]vkFile),
		fail:    make(map[string]error),
		stalled: make(map[string]chan struct{}),
	}
}

// stall makes sendText to chatID block until release is called.
func (f *fakeVK) stall(chatID string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.stalled[chatID] = ch
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.stalled, chatID)
		f.mu.Unlock()
		close(ch)
	}
}

// say queues a message from userID.
func (f *fakeVK) say(userID, text string, parts ...vkteams.Part) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.events = append(f.events, vkteams.Event{
		EventID: f.nextID,
		Type:    vkteams.EventNewMessage,
		Payload: &vkteams.Payload{
			MsgID: "m" + userID,
			Chat:  vkteams.Chat{ChatID: userID, Type: "private"},
			From:  vkteams.User{UserID: userID},
			Text:  text,
			Parts: parts,
		},
	})
}

func (f *fakeVK) queue(evt vkteams.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID = max(f.nextID, evt.EventID)
	f.events = append(f.events, evt)
}

func (f *fakeVK) addFile(fileID string, info vkteams.FileInfo, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[fileID] = vkFile{info: info, data: data}
}

func (f *fakeVK) setFail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, method)
		return
	}
	f.fail[method] = err
}

func (f *fakeVK) failure(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[method]
}

func (f *fakeVK) FetchEvents(ctx context.Context, lastEventID int64, _ int) ([]vkteams.Event, error) {
	if err := f.failure("events/get"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.cursors = append(f.cursors, lastEventID)
	var out []vkteams.Event
	for _, evt := range f.events {
		if evt.EventID > lastEventID {
			out = append(out, evt)
		}
	}
	f.mu.Unlock()
	if len(out) > 0 {
		return out, nil
	}
	return nil, idle(ctx)
}

func (f *fakeVK) SendText(ctx context.Context, chatID, text string) error {
	if err := f.failure("messages/sendText"); err != nil {
		return err
	}
	f.mu.Lock()
	stalled := f.stalled[chatID]
	f.mu.Unlock()
	if stalled != nil {
		select {
		case <-stalled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, vkSent{ChatID: chatID, Text: text})
	return nil
}

func (f *fakeVK) SendFile(_ context.Context, chatID string, data []byte, filename string) error {
	if err := f.failure("messages/sendFile"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, vkSent{ChatID: chatID, Filename: filename, Data: data})
	return nil
}

func (f *fakeVK) GetFileInfo(_ context.Context, fileID string) (*vkteams.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[fileID]
	if !ok {
		return nil, &vkteams.APIError{Method: "files/getInfo", StatusCode: 404}
	}
	info := file.info
	return &info, nil
}

func (f *fakeVK) GetFile(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[fileID]
	if !ok {
		return nil, &vkteams.APIError{Method: "files/get", StatusCode: 404}
	}
	return file.data, nil
}

// texts returns the texts sent to chatID, in order.
func (f *fakeVK) texts(chatID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.ChatID == chatID && s.Filename == "" {
			out = append(out, s.Text)
		}
	}
	return out
}

func (f *fakeVK) uploads(chatID string) []vkSent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []vkSent
	for _, s := range f.sent {
		if s.ChatID == chatID && s.Filename != "" {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeVK) received(chatID, text string) bool {
	return slices.Contains(f.texts(chatID), text)
}

func (f *fakeVK) receivedPrefix(chatID, prefix string) bool {
	return slices.ContainsFunc(f.texts(chatID), func(s string) bool { return strings.HasPrefix(s, prefix) })
}

func (f *fakeVK) lastCursor() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cursors) == 0 {
		return -1
	}
	return f.cursors[len(f.cursors)-1]
}

// ---------------------------------------------------------------------------
// Telegram fake
// ---------------------------------------------------------------------------

type tgSent struct {
	Token    string
	ChatID   int64
	Text     string
	Filename string
	Data     []byte
}

type tgFile struct {
	path string
	data []byte
}

// fakeTG serves per-token update queues and records outbound calls.
type fakeTG struct {
	mu       sync.Mutex
	updates  map[string][]telegram.Update
	nextID   int64
	offsets  map[string][]int64
	sent     []tgSent
	files    map[string]tgFile
	webhooks map[string]int
	// dropFlags records drop_pending_updates of every deleteWebhook call.
	dropFlags  map[string][]bool
	webhookErr error
	held       map[string]*heldPoll
	getFiles   int
	// pollErr is returned once by the next getUpdates of a token.
	pollErr map[string]error
	// sendErr makes sendMessage and sendDocument fail until cleared.
	sendErr error
}

func newFakeTG() *fakeTG {
	return &fakeTG{
		updates:  make(map[string][]telegram.Update),
		nextID:   100,
		offsets:  make(map[string][]int64),
		files:    make(map[string]tgFile),
		webhooks:  make(map[string]int),
		dropFlags: make(map[string][]bool),
		held:      make(map[string]*heldPoll),
		pollErr:   make(map[string]error),
	}
}

// heldPoll parks one getUpdates call the way a slow long poll would.
type heldPoll struct {
	entered chan struct{}
	release chan struct{}
}

// holdNextPoll makes the next getUpdates of token block until release is
// called, even if the caller gives up. entered is closed once it blocks.
// The call then answers with whatever is queued at that time.
func (f *fakeTG) holdNextPoll(token string) (entered <-chan struct{}, release func()) {
	h := &heldPoll{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.held[token] = h
	f.mu.Unlock()
	return h.entered, func() { close(h.release) }
}

func (f *fakeTG) setWebhookErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookErr = err
}

// push queues msg for the bot of token and returns its update id.
func (f *fakeTG) push(token string, msg telegram.Message) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if msg.Date == 0 {
		msg.Date = time.Now().Unix()
	}
	msg.MessageID = f.nextID
	f.updates[token] = append(f.updates[token], telegram.Update{UpdateID: f.nextID, Message: &msg})
	return f.nextID
}

// pushText queues a private text message from a user with username.
func (f *fakeTG) pushText(token string, chatID int64, username, text string) int64 {
	return f.push(token, telegram.Message{
		From: &telegram.User{ID: chatID, FirstName: "Name" + username, Username: username},
		Chat: telegram.Chat{ID: chatID, Type: telegram.ChatPrivate},
		Text: text,
	})
}

func (f *fakeTG) addFile(fileID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[fileID] = tgFile{path: "documents/" + fileID, data: data}
}

func (f *fakeTG) failNextPoll(token string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErr[token] = err
}

func (f *fakeTG) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTG) GetUpdates(ctx context.Context, token string, offset int64, _ int) ([]telegram.Update, error) {
	f.mu.Lock()
	f.offsets[token] = append(f.offsets[token], offset)
	if err, ok := f.pollErr[token]; ok {
		delete(f.pollErr, token)
		f.mu.Unlock()
		return nil, err
	}
	if h, ok := f.held[token]; ok {
		delete(f.held, token)
		f.mu.Unlock()
		close(h.entered)
		<-h.release
		f.mu.Lock()
	}
	var out []telegram.Update
	for _, upd := range f.updates[token] {
		if upd.UpdateID >= offset {
			out = append(out, upd)
		}
	}
	f.mu.Unlock()
	if len(out) > 0 {
		return out, nil
	}
	return nil, idle(ctx)
}

func (f *fakeTG) SendMessage(_ context.Context, token string, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tgSent{Token: token, ChatID: chatID, Text: text})
	return nil
}

func (f *fakeTG) SendDocument(_ context.Context, token string, chatID int64, data []byte, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tgSent{Token: token, ChatID: chatID, Filename: filename, Data: data})
	return nil
}

func (f *fakeTG) GetFile(_ context.Context, _, fileID string) (*telegram.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getFiles++
	file, ok := f.files[fileID]
	if !ok {
		return nil, &telegram.APIError{Method: "getFile", StatusCode: 400, Description: "Bad Request: invalid file_id"}
	}
	return &telegram.File{FileID: fileID, FileSize: int64(len(file.data)), FilePath: file.path}, nil
}

func (f *fakeTG) DownloadFile(_ context.Context, _, filePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range f.files {
		if file.path == filePath {
			return file.data, nil
		}
	}
	return nil, &telegram.APIError{Method: "downloadFile", StatusCode: 404}
}

// DeleteWebhook discards the queued updates of token when asked to, like
// Telegram does.
func (f *fakeTG) DeleteWebhook(_ context.Context, token string, dropPending bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks[token]++
	f.dropFlags[token] = append(f.dropFlags[token], dropPending)
	if f.webhookErr != nil {
		return f.webhookErr
	}
	if dropPending {
		delete(f.updates, token)
	}
	return nil
}

func (f *fakeTG) webhookDropFlags(token string) []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.dropFlags[token])
}

func (f *fakeTG) sentTo(chatID int64) []tgSent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgSent
	for _, s := range f.sent {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTG) getFileCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getFiles
}

func (f *fakeTG) webhookDeletes(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.webhooks[token]
}

func (f *fakeTG) requestedOffsets(token string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.offsets[token])
}

// ---------------------------------------------------------------------------
// Bridge harness
// ---------------------------------------------------------------------------

type testBridge struct {
	*Bridge
	vk        *fakeVK
	tg        *fakeTG
	statePath string
	cancel    context.CancelFunc
	done      chan error
}

func testConfig() *Config {
	return &Config{
		VKTeams:  VKTeamsConfig{APIURL: "http://vk.invalid", Token: "vk", PollTime: 1},
		Telegram: TelegramConfig{PollTimeout: 1},
		Retry: RetryConfig{
			BaseDelay:     time.Millisecond,
			PollBaseDelay: time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			Jitter:        time.Microsecond,
		},
	}
}

func fastSleep(ctx context.Context, _ time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}

// newTestBridge builds a bridge on file state under dir, or a fresh temp
// dir when dir is empty. The bridge is not started.
func newTestBridge(t *testing.T, dir string, protector vault.Protector) *testBridge {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	if protector == nil {
		protector = vault.Plaintext{}
	}
	path := filepath.Join(dir, "state.json")
	store, err := state.Open(context.Background(), persist.NewFileStore(path), zerolog.Nop())
	if err != nil {
		t.Fatalf("opening state: %v", err)
	}
	v := vault.New(protector, zerolog.Nop())
	envelopes := make(map[string]vault.Envelope)
	store.View(func(tx *state.Tx) {
		for fp, cred := range tx.Credentials() {
			envelopes[fp] = cred.Envelope
		}
	})
	v.Load(envelopes)

	vk, tg := newFakeVK(), newFakeTG()
	b := New(testConfig(), zerolog.Nop(), Deps{
		Store:        store,
		Vault:        v,
		VKTeams:      vk,
		Telegram:     tg,
		RetryOptions: []retry.Option{retry.WithSleep(fastSleep)},
	})
	return &testBridge{Bridge: b, vk: vk, tg: tg, statePath: path}
}

// start runs the bridge until the test ends or stop is called.
func (h *testBridge) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
}

func (h *testBridge) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func (h *testBridge) session(userID string) (state.Session, bool) {
	var out state.Session
	var ok bool
	h.Store.View(func(tx *state.Tx) {
		var sess *state.Session
		if sess, ok = tx.Session(userID); ok {
			out = *sess
			out.Peers = make(map[int64]*state.Peer, len(sess.Peers))
			for id, p := range sess.Peers {
				cp := *p
				out.Peers[id] = &cp
			}
		}
	})
	return out, ok
}

func (h *testBridge) credential(fp string) (state.Credential, bool) {
	var out state.Credential
	var ok bool
	h.Store.View(func(tx *state.Tx) {
		var cred *state.Credential
		if cred, ok = tx.Credential(fp); ok {
			out = *cred
		}
	})
	return out, ok
}

// pair walks userID through token submission and the first Telegram
// message from chatID.
func (h *testBridge) pair(t *testing.T, userID, token string, chatID int64, username string) {
	t.Helper()
	h.vk.say(userID, token)
	fp := vault.Fingerprint(token)
	waitFor(t, "poller running", func() bool { return h.Supervisor.Running(fp) })
	h.tg.pushText(token, chatID, username, "hi")
	waitFor(t, "session ready", func() bool {
		sess, ok := h.session(userID)
		return ok && sess.Stage == state.StageReady
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
