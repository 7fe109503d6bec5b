package chat

import "context"

// MessageRef identifies an outbound message so it can be edited or deleted later.
type MessageRef struct {
	ChatID    string
	MessageID int64
}

// MediaKind selects the upload method used for a file.
type MediaKind string

const (
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
)

// Media is a local file to upload into a chat.
type Media struct {
	Kind    MediaKind
	Path    string
	Name    string
	Title   string
	Caption string
}

// Message is an inbound chat message.
type Message struct {
	ChatID   string
	UserID   string
	Username string
	Text     string
}

// Messenger is the outbound side of the chat platform.
type Messenger interface {
	Send(ctx context.Context, chatID, text string) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, text string) error
	Delete(ctx context.Context, ref MessageRef) error
	SendMedia(ctx context.Context, chatID string, media Media) error
}

// HandlerFunc processes one inbound message.
type HandlerFunc func(ctx context.Context, msg Message)
