// Package chattest provides an in-memory chat.Messenger for tests.
package chattest

import (
	"context"
	"sync"

	"github.com/italolelis/seedbox_relay/internal/chat"
)

// Edit is one recorded status edit.
type Edit struct {
	Ref  chat.MessageRef
	Text string
}

// Upload is one recorded media upload.
type Upload struct {
	ChatID string
	Media  chat.Media
}

// Recorder records every outbound call. Failure hooks are consulted before recording.
type Recorder struct {
	mu       sync.Mutex
	nextID   int64
	sent     []Edit
	edits    []Edit
	deleted  []chat.MessageRef
	uploads  []Upload
	SendErr  error
	EditErr  error
	MediaErr func(media chat.Media) error
}

func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(_ context.Context, chatID, text string) (chat.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.SendErr != nil {
		return chat.MessageRef{}, r.SendErr
	}

	r.nextID++
	ref := chat.MessageRef{ChatID: chatID, MessageID: r.nextID}
	r.sent = append(r.sent, Edit{Ref: ref, Text: text})

	return ref, nil
}

func (r *Recorder) Edit(_ context.Context, ref chat.MessageRef, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.EditErr != nil {
		return r.EditErr
	}

	r.edits = append(r.edits, Edit{Ref: ref, Text: text})

	return nil
}

func (r *Recorder) Delete(_ context.Context, ref chat.MessageRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleted = append(r.deleted, ref)

	return nil
}

func (r *Recorder) SendMedia(_ context.Context, chatID string, media chat.Media) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.MediaErr != nil {
		if err := r.MediaErr(media); err != nil {
			return err
		}
	}

	r.uploads = append(r.uploads, Upload{ChatID: chatID, Media: media})

	return nil
}

func (r *Recorder) Sent() []Edit {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Edit(nil), r.sent...)
}

func (r *Recorder) Edits() []Edit {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Edit(nil), r.edits...)
}

// EditTexts returns the text of every edit in order.
func (r *Recorder) EditTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.edits))
	for _, e := range r.edits {
		out = append(out, e.Text)
	}

	return out
}

func (r *Recorder) Deleted() []chat.MessageRef {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]chat.MessageRef(nil), r.deleted...)
}

func (r *Recorder) Uploads() []Upload {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Upload(nil), r.uploads...)
}

// LastSentTo returns the most recent text sent to chatID.
func (r *Recorder) LastSentTo(chatID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].Ref.ChatID == chatID {
			return r.sent[i].Text
		}
	}

	return ""
}
