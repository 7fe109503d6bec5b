package telegram

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/italolelis/seedbox_relay/internal/chat"
	"github.com/italolelis/seedbox_relay/internal/logctx"
)

// Poll long-polls getUpdates and runs handle for every text message in its own goroutine.
// It returns nil when ctx is cancelled, after in-flight handlers finish, and an error when
// the token is rejected.
func (c *Client) Poll(ctx context.Context, handle chat.HandlerFunc) error {
	logger := logctx.LoggerFromContext(ctx)
	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	var wg sync.WaitGroup
	defer wg.Wait()

	// Handlers run synchronously inside the library's worker, so every wg.Add happens
	// before Start returns.
	options := append(append([]bot.Option(nil), c.options...),
		bot.WithNotAsyncHandlers(),
		bot.WithAllowedUpdates(bot.AllowedUpdates{"message"}),
		bot.WithDefaultHandler(func(ctx context.Context, _ *bot.Bot, update *models.Update) {
			msg, ok := toMessage(update)
			if !ok {
				return
			}

			wg.Add(1)

			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						logger.Error("message handler panicked", "panic", r, "stack", string(debug.Stack()))
					}
				}()

				handle(ctx, msg)
			}()
		}),
		bot.WithErrorsHandler(func(err error) {
			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, bot.ErrorUnauthorized) {
				stop(err)

				return
			}

			logger.Error("failed to fetch updates", "err", err)
		}),
	)

	poller, err := bot.New(c.token, options...)
	if err != nil {
		return fmt.Errorf("failed to create telegram poller: %w", err)
	}

	logger.Info("polling telegram for updates")
	poller.Start(ctx)

	if cause := context.Cause(ctx); errors.Is(cause, bot.ErrorUnauthorized) {
		return fmt.Errorf("telegram rejected the bot token: %w", cause)
	}

	return nil
}

func toMessage(u *models.Update) (chat.Message, bool) {
	if u == nil || u.Message == nil || u.Message.Text == "" || u.Message.From == nil {
		return chat.Message{}, false
	}

	return chat.Message{
		ChatID:   strconv.FormatInt(u.Message.Chat.ID, 10),
		UserID:   strconv.FormatInt(u.Message.From.ID, 10),
		Username: u.Message.From.Username,
		Text:     u.Message.Text,
	}, true
}
