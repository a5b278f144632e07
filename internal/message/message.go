// Package message defines chat messages and typing indicators.
package message

import (
	"time"

	"github.com/christopherjohns/chatrelay/internal/ident"
	"github.com/christopherjohns/chatrelay/internal/room"
)

// Sender fields of the notices posted when users join or leave.
const (
	SystemSenderID   = "system"
	SystemNickname   = "System"
	SystemBackground = "gradient-1"
)

// Message is an immutable chat message.
type Message struct {
	ID               string    `json:"id"`
	SenderID         string    `json:"senderId"`
	SenderNickname   string    `json:"senderNickname"`
	SenderBackground string    `json:"senderBackground"`
	Content          string    `json:"content"`
	Timestamp        time.Time `json:"timestamp"`
	IsPrivate        bool      `json:"isPrivate"`
	RecipientID      string    `json:"recipientId,omitempty"`
	RoomID           string    `json:"roomId"`
}

// TypingUser is the latest typing signal of one user.
type TypingUser struct {
	UserID    string    `json:"userId"`
	Nickname  string    `json:"nickname"`
	Timestamp time.Time `json:"timestamp"`
}

// New stamps a message sent at now with an id and its room.
func New(now time.Time, senderID, nickname, background, content string, isPrivate bool, recipientID string) Message {
	now = ident.Truncate(now)
	if !isPrivate {
		recipientID = ""
	}
	return Message{
		ID:               ident.New(now),
		SenderID:         senderID,
		SenderNickname:   nickname,
		SenderBackground: background,
		Content:          content,
		Timestamp:        now,
		IsPrivate:        isPrivate,
		RecipientID:      recipientID,
		RoomID:           room.For(isPrivate, senderID, recipientID),
	}
}

// System returns a public notice authored by the system sender.
func System(now time.Time, content string) Message {
	return New(now, SystemSenderID, SystemNickname, SystemBackground, content, false, "")
}

// Joined is the notice posted when nickname enters the chat.
func Joined(now time.Time, nickname string) Message {
	return System(now, nickname+" joined the chat 🎉")
}

// Left is the notice posted when nickname leaves the chat.
func Left(now time.Time, nickname string) Message {
	return System(now, nickname+" left the chat 👋")
}

// VisibleTo reports whether userID may read m: everyone sees public
// messages, only the two participants see a private one.
func (m Message) VisibleTo(userID string) bool {
	if !m.IsPrivate {
		return true
	}
	return m.SenderID == userID || m.RecipientID == userID
}
