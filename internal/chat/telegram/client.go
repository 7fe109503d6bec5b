package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/italolelis/seedbox_relay/internal/chat"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultAPIURL  = "https://api.telegram.org"
	requestTimeout = 30 * time.Second
	uploadTimeout  = 10 * time.Minute
	pollTimeout    = 30 * time.Second
)

// Client talks to the Telegram Bot API. It implements chat.Messenger.
type Client struct {
	api     *bot.Bot
	options []bot.Option
	token   string
}

func NewClient(baseURL, token string, transport http.RoundTripper) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}

	if transport == nil {
		transport = http.DefaultTransport
	}

	doer := &redactingDoer{
		client: &http.Client{Transport: otelhttp.NewTransport(transport)},
		token:  token,
	}

	options := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithServerURL(strings.TrimRight(baseURL, "/")),
		bot.WithHTTPClient(pollTimeout, doer),
	}

	api, err := bot.New(token, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Client{api: api, options: options, token: token}, nil
}

func (c *Client) Send(ctx context.Context, chatID, text string) (chat.MessageRef, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	msg, err := c.api.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		return chat.MessageRef{}, fmt.Errorf("telegram sendMessage failed: %w", err)
	}

	return chat.MessageRef{ChatID: strconv.FormatInt(msg.Chat.ID, 10), MessageID: int64(msg.ID)}, nil
}

func (c *Client) Edit(ctx context.Context, ref chat.MessageRef, text string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	_, err := c.api.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    ref.ChatID,
		MessageID: int(ref.MessageID),
		Text:      text,
	})

	switch {
	case err == nil, isNotModified(err):
		return nil
	default:
		return fmt.Errorf("telegram editMessageText failed: %w", err)
	}
}

func (c *Client) Delete(ctx context.Context, ref chat.MessageRef) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if _, err := c.api.DeleteMessage(ctx, &bot.DeleteMessageParams{
		ChatID:    ref.ChatID,
		MessageID: int(ref.MessageID),
	}); err != nil {
		return fmt.Errorf("telegram deleteMessage failed: %w", err)
	}

	return nil
}

// SendMedia uploads a local file with the method matching its kind.
func (c *Client) SendMedia(ctx context.Context, chatID string, media chat.Media) error {
	f, err := os.Open(media.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", media.Path, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	upload := &models.InputFileUpload{Filename: media.Name, Data: f}

	switch media.Kind {
	case chat.MediaVideo:
		_, err = c.api.SendVideo(ctx, &bot.SendVideoParams{
			ChatID:            chatID,
			Video:             upload,
			Caption:           media.Caption,
			SupportsStreaming: true,
		})
	case chat.MediaAudio:
		_, err = c.api.SendAudio(ctx, &bot.SendAudioParams{
			ChatID:  chatID,
			Audio:   upload,
			Caption: media.Caption,
			Title:   media.Title,
		})
	case chat.MediaPhoto:
		_, err = c.api.SendPhoto(ctx, &bot.SendPhotoParams{ChatID: chatID, Photo: upload, Caption: media.Caption})
	default:
		_, err = c.api.SendDocument(ctx, &bot.SendDocumentParams{ChatID: chatID, Document: upload, Caption: media.Caption})
	}

	if err != nil {
		return fmt.Errorf("telegram upload of %s failed: %w", media.Name, err)
	}

	return nil
}

func isNotModified(err error) bool {
	return errors.Is(err, bot.ErrorBadRequest) && strings.Contains(err.Error(), "message is not modified")
}

// redactingDoer keeps the bot token out of transport errors, which embed the request URL.
type redactingDoer struct {
	client *http.Client
	token  string
}

func (d *redactingDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = strings.Replace(urlErr.URL, "/bot"+d.token+"/", "/bot<redacted>/", 1)
		}
	}

	return resp, err
}
