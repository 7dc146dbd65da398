package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures the Bot API client.
type TelegramConfig struct {
	Token   string
	APIURL  string
	Timeout time.Duration
}

// Telegram sends through the Bot API. The bot never polls for updates; it
// is only used for outgoing messages.
type Telegram struct {
	bot    *tele.Bot
	logger *zap.Logger
}

// NewTelegram creates an offline bot client for sending.
func NewTelegram(cfg TelegramConfig, logger *zap.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	logger.Info("telegram transport ready", zap.String("api_url", cfg.APIURL))

	return &Telegram{bot: bot, logger: logger}, nil
}

// Send delivers content to one chat.
func (t *Telegram) Send(ctx context.Context, recipientID int64, c Content) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	what, err := sendable(c)
	if err != nil {
		return "", err
	}

	opts := &tele.SendOptions{
		ParseMode:   tele.ParseMode(c.ParseMode),
		ReplyMarkup: markup(c.Buttons),
	}

	msg, err := t.bot.Send(tele.ChatID(recipientID), what, opts)
	if err != nil {
		return "", toSendError(err)
	}

	return strconv.Itoa(msg.ID), nil
}

func sendable(c Content) (any, error) {
	if c.Media == nil {
		return c.Text, nil
	}

	var file tele.File
	if strings.HasPrefix(c.Media.Source, "http://") || strings.HasPrefix(c.Media.Source, "https://") {
		file = tele.FromURL(c.Media.Source)
	} else {
		file = tele.File{FileID: c.Media.Source}
	}

	switch c.Media.Type {
	case "photo":
		return &tele.Photo{File: file, Caption: c.Text}, nil
	case "video":
		return &tele.Video{File: file, Caption: c.Text}, nil
	case "document":
		return &tele.Document{File: file, Caption: c.Text}, nil
	case "audio":
		return &tele.Audio{File: file, Caption: c.Text}, nil
	case "voice":
		return &tele.Voice{File: file, Caption: c.Text}, nil
	default:
		return nil, fmt.Errorf("unsupported media type: %s", c.Media.Type)
	}
}

func markup(rows [][]Button) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}

	keyboard := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tele.InlineButton{Text: b.Text, URL: b.URL, Data: b.Data})
		}
		keyboard = append(keyboard, buttons)
	}

	return &tele.ReplyMarkup{InlineKeyboard: keyboard}
}

var (
	retryAfterPattern = regexp.MustCompile(`retry after (\d+)`)
	// telebot formats API errors it has no type for as "telegram: <desc> (<code>)".
	apiErrorPattern = regexp.MustCompile(`^telegram: (.*) \((\d{3})\)$`)
)

// floodIsValue is true when telebot returns FloodError by value.
var _, floodIsValue = any(tele.FloodError{}).(error)

// toSendError flattens telebot's error types into a SendError.
func toSendError(err error) error {
	se := &SendError{Description: err.Error(), Err: err}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		se.Code = apiErr.Code
		se.Description = apiErr.Description
	} else if m := apiErrorPattern.FindStringSubmatch(err.Error()); m != nil {
		se.Code, _ = strconv.Atoi(m[2])
		se.Description = m[1]
	}

	if retryAfter, ok := floodRetryAfter(err); ok {
		se.Code = http.StatusTooManyRequests
		se.RetryAfter = time.Duration(retryAfter) * time.Second
	}

	if se.RetryAfter == 0 {
		if m := retryAfterPattern.FindStringSubmatch(strings.ToLower(se.Description)); m != nil {
			if secs, convErr := strconv.Atoi(m[1]); convErr == nil {
				se.RetryAfter = time.Duration(secs) * time.Second
				if se.Code == 0 {
					se.Code = http.StatusTooManyRequests
				}
			}
		}
	}

	return se
}

func floodRetryAfter(err error) (int, bool) {
	var ptr *tele.FloodError
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.RetryAfter, true
	}
	if floodIsValue {
		var val tele.FloodError
		if errors.As(err, &val) {
			return val.RetryAfter, true
		}
	}
	return 0, false
}
