package bot

import (
	"context"
	"errors"
	"strings"

	"github.com/italolelis/seedbox_relay/internal/chat"
	"github.com/italolelis/seedbox_relay/internal/logctx"
	"github.com/italolelis/seedbox_relay/internal/session"
	"github.com/italolelis/seedbox_relay/internal/transfer"
)

const helpText = `Send me a magnet link or a link to a .torrent file and I will download it and send the files back here.

/download <link> - start a download
/status - show the progress of your download
/cancel - stop your download
/help - show this message`

// Orchestrator is the part of transfer.Orchestrator the bot drives.
type Orchestrator interface {
	Start(ctx context.Context, req transfer.Request) (session.Session, error)
	Status(ctx context.Context, requesterID string) (session.Session, *transfer.JobState, error)
	Cancel(ctx context.Context, requesterID string) error
}

// Handler turns chat messages into orchestrator calls.
type Handler struct {
	orchestrator Orchestrator
	messenger    chat.Messenger
	allowed      map[string]struct{}
}

// NewHandler creates a Handler. An empty allow-list admits everyone.
func NewHandler(o Orchestrator, messenger chat.Messenger, allowedUsers []string) *Handler {
	allowed := make(map[string]struct{}, len(allowedUsers))

	for _, u := range allowedUsers {
		if u = strings.TrimSpace(u); u != "" {
			allowed[u] = struct{}{}
		}
	}

	return &Handler{orchestrator: o, messenger: messenger, allowed: allowed}
}

// Handle processes one inbound message. It matches chat.HandlerFunc.
func (h *Handler) Handle(ctx context.Context, msg chat.Message) {
	ctx, logger := logctx.With(ctx, "requester_id", msg.UserID, "chat_id", msg.ChatID)

	if !h.isAllowed(msg) {
		logger.Warn("message from user outside the allow-list", "username", msg.Username)
		h.reply(ctx, msg.ChatID, "⛔ You are not allowed to use this bot.")

		return
	}

	command, args := parseCommand(msg.Text)

	switch command {
	case "":
		if _, err := transfer.ParseLink(args); err != nil {
			h.reply(ctx, msg.ChatID, "Send me a magnet link or a .torrent URL, or /help for usage.")

			return
		}

		h.download(ctx, msg, args)
	case "start", "help":
		h.reply(ctx, msg.ChatID, helpText)
	case "download":
		if args == "" {
			h.reply(ctx, msg.ChatID, "Usage: /download <magnet link or .torrent URL>")

			return
		}

		h.download(ctx, msg, args)
	case "status":
		h.status(ctx, msg)
	case "cancel":
		h.cancel(ctx, msg)
	default:
		h.reply(ctx, msg.ChatID, "Unknown command. Send /help for usage.")
	}
}

func (h *Handler) isAllowed(msg chat.Message) bool {
	if len(h.allowed) == 0 {
		return true
	}

	if _, ok := h.allowed[msg.UserID]; ok {
		return true
	}

	_, ok := h.allowed[msg.Username]

	return ok && msg.Username != ""
}

func (h *Handler) download(ctx context.Context, msg chat.Message, link string) {
	_, err := h.orchestrator.Start(ctx, transfer.Request{
		RequesterID: msg.UserID,
		ChatID:      msg.ChatID,
		Link:        link,
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).Info("download not started", "err", err)
		h.reply(ctx, msg.ChatID, FormatError(err))
	}
}

func (h *Handler) status(ctx context.Context, msg chat.Message) {
	_, state, err := h.orchestrator.Status(ctx, msg.UserID)
	if err != nil {
		h.reply(ctx, msg.ChatID, FormatError(err))

		return
	}

	h.reply(ctx, msg.ChatID, transfer.StatusText(state))
}

func (h *Handler) cancel(ctx context.Context, msg chat.Message) {
	if err := h.orchestrator.Cancel(ctx, msg.UserID); err != nil {
		h.reply(ctx, msg.ChatID, FormatError(err))

		return
	}

	h.reply(ctx, msg.ChatID, "🛑 Your download was cancelled and its files removed.")
}

func (h *Handler) reply(ctx context.Context, chatID, text string) {
	if _, err := h.messenger.Send(ctx, chatID, text); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send reply", "err", err)
	}
}

// parseCommand splits "/cmd@bot args" into its command and arguments. Text that is not a
// command comes back whole as args.
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}

	command, args, _ := strings.Cut(text[1:], " ")
	command, _, _ = strings.Cut(command, "@")

	return strings.ToLower(command), strings.TrimSpace(args)
}

// FormatError turns orchestrator errors into the text shown to the requester.
func FormatError(err error) string {
	var (
		invalid     *transfer.InvalidLinkError
		auth        *transfer.AuthenticationError
		unreachable *transfer.UnreachableError
	)

	switch {
	case errors.As(err, &invalid):
		return "❌ That is not a usable magnet link or torrent URL: " + invalid.Reason
	case errors.Is(err, session.ErrSessionActive):
		return "⚠️ You already have a download in progress. Send /cancel to stop it first."
	case errors.Is(err, session.ErrNoSession):
		return "You have no active download."
	case errors.Is(err, session.ErrStarting):
		return "⏳ Your download is still starting, try again in a moment."
	case errors.Is(err, transfer.ErrJobExists):
		return "⏳ That torrent is already being downloaded. Try again once it has finished."
	case errors.Is(err, transfer.ErrShuttingDown):
		return "🛑 The service is shutting down, try again later."
	case errors.Is(err, transfer.ErrJobNotFound):
		return transfer.RemovedText()
	case errors.As(err, &auth):
		return "❌ The download engine rejected our credentials. Please tell the operator."
	case errors.As(err, &unreachable):
		return "❌ The download engine is unreachable right now. Try again later."
	default:
		return "❌ Something went wrong. Try again later."
	}
}
