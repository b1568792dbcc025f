package core

import (
	"fmt"
	"strings"
	"time"
)

// SystemChannel marks messages announced by background work (subagents,
// scheduled jobs). Their ChatID encodes the real destination as
// "origin_channel:origin_chat_id" and is unpacked by ParseSystemOrigin.
const SystemChannel = "system"

// DefaultChannel is the origin fallback when a system message carries a
// ChatID without a channel prefix.
const DefaultChannel = "cli"

// InboundMessage is a message arriving from a channel (web client, CLI,
// system announcement) to be processed by the agent loop.
type InboundMessage struct {
	Channel  string    `json:"channel"`
	SenderID string    `json:"sender_id"`
	ChatID   string    `json:"chat_id"`
	Content  string    `json:"content"`
	Media    []string  `json:"media,omitempty"` // URLs or data: URIs
	Model    string    `json:"model,omitempty"` // optional model alias override
	SentAt   time.Time `json:"sent_at,omitempty"`
}

// SessionKey derives the conversation key for this message.
func (m InboundMessage) SessionKey() string {
	return SessionKey(m.Channel, m.ChatID)
}

// OutboundMessage is the agent's response routed back to a channel.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// SessionKey builds the canonical "channel:chat_id" conversation key.
func SessionKey(channel, chatID string) string {
	return fmt.Sprintf("%s:%s", channel, chatID)
}

// ParseSystemOrigin unpacks the "origin_channel:origin_chat_id" encoding used
// by system-channel messages. The first colon is the separator; a ChatID
// without a colon falls back to DefaultChannel with the ChatID passed through.
func ParseSystemOrigin(chatID string) (channel, originChatID string) {
	if idx := strings.IndexByte(chatID, ':'); idx >= 0 {
		return chatID[:idx], chatID[idx+1:]
	}
	return DefaultChannel, chatID
}
