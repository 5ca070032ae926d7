// Copyright 2024-2026 Aiku AI

package vkteams

// EventNewMessage is the only event type the bridge acts on.
const EventNewMessage = "newMessage"

// Event is one entry of an events/get response.
type Event struct {
	EventID int64    `json:"eventId"`
	Type    string   `json:"type"`
	Payload *Payload `json:"payload,omitempty"`
}

// Payload is the body of a newMessage event.
type Payload struct {
	MsgID     string `json:"msgId"`
	Chat      Chat   `json:"chat"`
	From      User   `json:"from"`
	Text      string `json:"text"`
	Parts     []Part `json:"parts,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type Chat struct {
	ChatID string `json:"chatId"`
	Type   string `json:"type"`
	Title  string `json:"title,omitempty"`
}

type User struct {
	UserID    string `json:"userId"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Nick      string `json:"nick,omitempty"`
}

// Part is a message part. File parts carry a file id in their payload.
type Part struct {
	Type    string      `json:"type"`
	Payload PartPayload `json:"payload"`
}

type PartPayload struct {
	FileID  string `json:"fileId,omitempty"`
	Type    string `json:"type,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// FileInfo is the files/getInfo response.
type FileInfo struct {
	Type     string `json:"type"`
	Size     int64  `json:"size"`
	Filename string `json:"filename"`
	URL      string `json:"url,omitempty"`
}

type eventsResponse struct {
	okResponse
	Events []Event `json:"events"`
}

type okResponse struct {
	OK          *bool  `json:"ok,omitempty"`
	Description string `json:"description,omitempty"`
}

type fileInfoResponse struct {
	okResponse
	FileInfo
}
