package bot_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/italolelis/seedbox_relay/internal/bot"
	"github.com/italolelis/seedbox_relay/internal/chat"
	"github.com/italolelis/seedbox_relay/internal/chat/chattest"
	"github.com/italolelis/seedbox_relay/internal/session"
	"github.com/italolelis/seedbox_relay/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrchestrator struct {
	started   []transfer.Request
	startErr  error
	state     *transfer.JobState
	statusErr error
	cancelled []string
	cancelErr error
}

func (f *fakeOrchestrator) Start(_ context.Context, req transfer.Request) (session.Session, error) {
	f.started = append(f.started, req)

	return session.Session{RequesterID: req.RequesterID}, f.startErr
}

func (f *fakeOrchestrator) Status(_ context.Context, requesterID string) (session.Session, *transfer.JobState, error) {
	return session.Session{RequesterID: requesterID}, f.state, f.statusErr
}

func (f *fakeOrchestrator) Cancel(_ context.Context, requesterID string) error {
	f.cancelled = append(f.cancelled, requesterID)

	return f.cancelErr
}

const magnet = "magnet:?xt=urn:btih:abc123"

func message(text string) chat.Message {
	return chat.Message{ChatID: "c1", UserID: "42", Username: "alice", Text: text}
}

func TestHandle_Download(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantLink string
	}{
		{"command", "/download " + magnet, magnet},
		{"command addressed to bot", "/download@relay_bot " + magnet, magnet},
		{"bare link", "  " + magnet + "  ", magnet},
		{"bare url", "https://example.com/movie.torrent", "https://example.com/movie.torrent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &fakeOrchestrator{}
			messenger := chattest.New()
			h := bot.NewHandler(o, messenger, nil)

			h.Handle(context.Background(), message(tt.text))

			require.Len(t, o.started, 1)
			assert.Equal(t, transfer.Request{RequesterID: "42", ChatID: "c1", Link: tt.wantLink}, o.started[0])
			assert.Empty(t, messenger.Sent(), "the orchestrator posts the status message")
		})
	}
}

func TestHandle_Replies(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		orch      *fakeOrchestrator
		wantReply string
	}{
		{"help", "/help", &fakeOrchestrator{}, "/download <link>"},
		{"start", "/start", &fakeOrchestrator{}, "Send me a magnet link"},
		{"download without link", "/download", &fakeOrchestrator{}, "Usage: /download"},
		{"unknown command", "/frobnicate", &fakeOrchestrator{}, "Unknown command"},
		{"free text", "hello there", &fakeOrchestrator{}, "/help for usage"},
		{
			"second download rejected",
			"/download " + magnet,
			&fakeOrchestrator{startErr: session.ErrSessionActive},
			"already have a download in progress",
		},
		{
			"status",
			"/status",
			&fakeOrchestrator{state: &transfer.JobState{Phase: transfer.PhaseActive, Name: "Movie", Progress: 42}},
			"42%",
		},
		{"status without session", "/status", &fakeOrchestrator{statusErr: session.ErrNoSession}, "no active download"},
		{"cancel", "/cancel", &fakeOrchestrator{}, "cancelled"},
		{"cancel without session", "/cancel", &fakeOrchestrator{cancelErr: session.ErrNoSession}, "no active download"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			messenger := chattest.New()
			h := bot.NewHandler(tt.orch, messenger, nil)

			h.Handle(context.Background(), message(tt.text))

			assert.Contains(t, messenger.LastSentTo("c1"), tt.wantReply)
		})
	}
}

func TestHandle_AllowList(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		wantStarted bool
	}{
		{"empty list admits everyone", nil, true},
		{"by user id", []string{"42"}, true},
		{"by username", []string{" alice "}, true},
		{"not listed", []string{"7", "bob"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &fakeOrchestrator{}
			messenger := chattest.New()
			h := bot.NewHandler(o, messenger, tt.allowed)

			h.Handle(context.Background(), message("/download "+magnet))

			assert.Equal(t, tt.wantStarted, len(o.started) == 1)

			if !tt.wantStarted {
				assert.Contains(t, messenger.LastSentTo("c1"), "not allowed")
			}
		})
	}
}

func TestFormatError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"invalid link", &transfer.InvalidLinkError{Input: "x", Reason: "not a magnet link or URL"}, "not a magnet link or URL"},
		{"session active", session.ErrSessionActive, "already have a download"},
		{"torrent taken", fmt.Errorf("submit: %w", transfer.ErrJobExists), "already being downloaded"},
		{"no session", session.ErrNoSession, "no active download"},
		{"starting", session.ErrStarting, "still starting"},
		{"shutting down", transfer.ErrShuttingDown, "shutting down"},
		{"job gone", transfer.ErrJobNotFound, "removed from the engine"},
		{"auth", &transfer.AuthenticationError{Engine: "deluge", Operation: "auth.login"}, "rejected our credentials"},
		{"unreachable", &transfer.UnreachableError{Engine: "deluge", Operation: "submit", StatusCode: 502}, "unreachable"},
		{"wrapped unreachable", errors.Join(errors.New("ctx"), &transfer.UnreachableError{Engine: "putio"}), "unreachable"},
		{"unknown", errors.New("boom"), "Something went wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, bot.FormatError(tt.err), tt.want)
		})
	}
}
