package keabot

import (
	"fmt"
	"log/slog"
)

// EventKind identifies the type of an inbound gateway event.
type EventKind string

const (
	EventCommandInvoked  EventKind = "command_invoked"
	EventReactionAdded   EventKind = "reaction_added"
	EventReactionRemoved EventKind = "reaction_removed"
)

// Event is an inbound gateway event, already converted from the
// gateway's own types.
type Event interface {
	Kind() EventKind
	Server() string
}

// Attachment is a file attached to a command message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
}

// CommandInvoked is a message that started with the command prefix.
// Command is lower-cased, without the prefix.
type CommandInvoked struct {
	ServerID    string       `json:"server_id"`
	ChannelID   string       `json:"channel_id"`
	MessageID   string       `json:"message_id"`
	UserID      string       `json:"user_id"`
	Command     string       `json:"command"`
	Args        []string     `json:"args"`
	Mentions    []string     `json:"mentions"`
	Attachments []Attachment `json:"attachments"`
}

func (e CommandInvoked) Kind() EventKind {
	return EventCommandInvoked
}

func (e CommandInvoked) Server() string {
	return e.ServerID
}

func (e CommandInvoked) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("server_id", e.ServerID),
		slog.String("channel_id", e.ChannelID),
		slog.String("message_id", e.MessageID),
		slog.String("user_id", e.UserID),
		slog.String("command", e.Command),
		slog.Any("args", e.Args),
		slog.Int("attachments", len(e.Attachments)),
	)
}

// Emoji identifies a reaction emoji. ID is empty for unicode emoji.
type Emoji struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Reaction is the data shared by added and removed reactions.
// MessageAuthorID receives the gold, ReactorID gives it.
type Reaction struct {
	ServerID        string `json:"server_id"`
	ChannelID       string `json:"channel_id"`
	MessageID       string `json:"message_id"`
	MessageAuthorID string `json:"message_author_id"`
	ReactorID       string `json:"reactor_id"`
	Emoji           Emoji  `json:"emoji"`
}

func (r Reaction) Server() string {
	return r.ServerID
}

func (r Reaction) LogValue() slog.Value {
	return structToSlogValue(r)
}

type ReactionAdded struct {
	Reaction
}

func (ReactionAdded) Kind() EventKind {
	return EventReactionAdded
}

type ReactionRemoved struct {
	Reaction
}

func (ReactionRemoved) Kind() EventKind {
	return EventReactionRemoved
}

// Reply is the result of handling an event. At most one of Text, Embed
// and File is normally set; a zero Reply means nothing is sent.
type Reply struct {
	Text  string
	Embed *Embed
	// File is the absolute path of a stored media file to upload
	File string
}

func (r *Reply) Empty() bool {
	return r == nil || (r.Text == "" && r.Embed == nil && r.File == "")
}

// Embed is a titled block with an ordered list of fields.
type Embed struct {
	Title       string
	Description string
	Fields      []EmbedField
}

type EmbedField struct {
	Name  string
	Value string
}

func textReply(text string) *Reply {
	return &Reply{Text: text}
}

func textReplyf(format string, args ...any) *Reply {
	return &Reply{Text: fmt.Sprintf(format, args...)}
}
