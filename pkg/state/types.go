// Copyright 2024-2026 Aiku AI

package state

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/aiku/vkteams-telegram-bridge/pkg/vault"
)

// Stage is the pairing stage of a session.
type Stage string

const (
	// StageAwaitingCredential waits for the user to send a bot token.
	StageAwaitingCredential Stage = "await_token"
	// StageAwaitingFirstInbound has a token bound and waits for the first
	// Telegram message, which becomes the selected peer.
	StageAwaitingFirstInbound Stage = "await_first_msg"
	// StageReady relays in both directions.
	StageReady Stage = "ready"
)

// Peer is a Telegram chat a VK Teams user can address.
type Peer struct {
	ChatID  int64  `json:"chatId"`
	Name    string `json:"name"`
	Ordinal int    `json:"idx"`
}

// Session is the pairing state of one VK Teams chat.
type Session struct {
	// CredentialRef is the fingerprint of the bound bot token, or empty.
	CredentialRef string          `json:"tgHash,omitempty"`
	Stage         Stage           `json:"stage"`
	Peers         map[int64]*Peer `json:"peers"`
	NextIndex     int             `json:"nextIdx"`
	// Selected is the chat id of the current target. It is only
	// meaningful in StageReady and always a key of Peers when set.
	Selected *int64 `json:"selected"`
}

// Credential is the persisted record of a bot token.
type Credential struct {
	Polling bool `json:"polling"`
	// Offset is the next Telegram update id to request. It never decreases.
	Offset int64 `json:"offset"`
	vault.Envelope
}

// Snapshot is the complete durable state.
type Snapshot struct {
	Users    map[string]*Session    `json:"users"`
	Tokens   map[string]*Credential `json:"tokens"`
	VKCursor int64                  `json:"vkCursor,omitempty"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Users:  make(map[string]*Session),
		Tokens: make(map[string]*Credential),
	}
}

func (s *Snapshot) normalize() {
	if s.Users == nil {
		s.Users = make(map[string]*Session)
	}
	if s.Tokens == nil {
		s.Tokens = make(map[string]*Credential)
	}
	for id, sess := range s.Users {
		if sess == nil {
			delete(s.Users, id)
			continue
		}
		sess.normalize()
	}
	for fp, cred := range s.Tokens {
		if cred == nil {
			delete(s.Tokens, fp)
		}
	}
}

// Clone returns a deep copy, used to hand a consistent snapshot to a
// persister.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Users:    make(map[string]*Session, len(s.Users)),
		Tokens:   make(map[string]*Credential, len(s.Tokens)),
		VKCursor: s.VKCursor,
	}
	for id, sess := range s.Users {
		if sess != nil {
			out.Users[id] = sess.clone()
		}
	}
	for fp, cred := range s.Tokens {
		if cred == nil {
			continue
		}
		c := *cred
		out.Tokens[fp] = &c
	}
	return out
}

// NewSession returns a session awaiting a credential.
func NewSession() *Session {
	return &Session{
		Stage:     StageAwaitingCredential,
		Peers:     make(map[int64]*Peer),
		NextIndex: 1,
	}
}

func (s *Session) normalize() {
	if s.Peers == nil {
		s.Peers = make(map[int64]*Peer)
	}
	if s.NextIndex < 1 {
		s.NextIndex = 1
	}
	for id, p := range s.Peers {
		if p == nil {
			delete(s.Peers, id)
			continue
		}
		if p.Ordinal >= s.NextIndex {
			s.NextIndex = p.Ordinal + 1
		}
	}
	if s.Stage == "" {
		s.Stage = StageAwaitingCredential
	}
	if s.Selected != nil {
		if _, ok := s.Peers[*s.Selected]; !ok {
			s.Selected = nil
		}
	}
}

func (s *Session) clone() *Session {
	out := *s
	out.Peers = make(map[int64]*Peer, len(s.Peers))
	for id, p := range s.Peers {
		cp := *p
		out.Peers[id] = &cp
	}
	if s.Selected != nil {
		sel := *s.Selected
		out.Selected = &sel
	}
	return &out
}

// Bind attaches a credential and waits for the first inbound message.
func (s *Session) Bind(fp string) {
	s.CredentialRef = fp
	s.Stage = StageAwaitingFirstInbound
	s.Selected = nil
}

// Peer returns the peer for chatID.
func (s *Session) Peer(chatID int64) (*Peer, bool) {
	p, ok := s.Peers[chatID]
	return p, ok
}

// AddPeer registers chatID under the next ordinal. If the chat is already
// known the existing peer is returned unchanged.
func (s *Session) AddPeer(chatID int64, name string) (peer *Peer, created bool) {
	if p, ok := s.Peers[chatID]; ok {
		return p, false
	}
	p := &Peer{ChatID: chatID, Name: name, Ordinal: s.NextIndex}
	s.NextIndex++
	s.Peers[chatID] = p
	return p, true
}

// Select makes chatID the relay target.
func (s *Session) Select(chatID int64) bool {
	if _, ok := s.Peers[chatID]; !ok {
		return false
	}
	s.Selected = &chatID
	return true
}

// SelectedPeer returns the current target, if any.
func (s *Session) SelectedPeer() (*Peer, bool) {
	if s.Selected == nil {
		return nil, false
	}
	return s.Peer(*s.Selected)
}

// Lookup resolves a /to key: the ordinal exactly as /list prints it, a bare
// name or an @name.
func (s *Session) Lookup(key string) (*Peer, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false
	}
	peers := s.SortedPeers()
	for _, p := range peers {
		if strconv.Itoa(p.Ordinal) == key {
			return p, true
		}
	}
	for _, p := range peers {
		if p.Name == key || "@"+p.Name == key {
			return p, true
		}
	}
	return nil, false
}

// SortedPeers returns peers by ordinal.
func (s *Session) SortedPeers() []*Peer {
	peers := make([]*Peer, 0, len(s.Peers))
	for _, p := range s.Peers {
		peers = append(peers, p)
	}
	slices.SortFunc(peers, func(a, b *Peer) int { return a.Ordinal - b.Ordinal })
	return peers
}

// ListLines renders the peer registry as "[n] name" lines.
func (s *Session) ListLines() []string {
	peers := s.SortedPeers()
	lines := make([]string, 0, len(peers))
	for _, p := range peers {
		lines = append(lines, fmt.Sprintf("[%d] %s", p.Ordinal, p.Name))
	}
	return lines
}

// CloneFrom copies the peer registry, ordinal counter and selection of a
// sibling session bound to the same credential and marks s ready. When the
// sibling has no selection the lowest ordinal is selected.
func (s *Session) CloneFrom(sibling *Session) {
	s.Peers = make(map[int64]*Peer, len(sibling.Peers))
	for id, p := range sibling.Peers {
		cp := *p
		s.Peers[id] = &cp
	}
	s.NextIndex = sibling.NextIndex
	s.Selected = nil
	if sel, ok := sibling.SelectedPeer(); ok {
		s.Select(sel.ChatID)
	} else if peers := s.SortedPeers(); len(peers) > 0 {
		s.Select(peers[0].ChatID)
	}
	s.Stage = StageReady
}

var credentialShape = regexp.MustCompile(`^\d{6,12}:[\w-]{30,}$`)

// ValidCredential reports whether text looks like a Telegram bot token.
func ValidCredential(text string) bool {
	return credentialShape.MatchString(strings.TrimSpace(text))
}
