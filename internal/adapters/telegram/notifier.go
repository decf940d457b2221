package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pullbackbot/internal/ports"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	defaultTimeout = 5 * time.Second
)

// Notifier implements ports.Notifier by posting messages to the Telegram
// Bot API sendMessage endpoint.
type Notifier struct {
	httpClient *http.Client
	logger     ports.Logger
	apiBase    string
	token      string
	chatID     string
}

// Config holds configuration specific to the Telegram notifier adapter.
type Config struct {
	Token   string
	ChatID  string
	APIBase string        // Overridable for tests, defaults to the public API
	Timeout time.Duration // Per-request budget, defaults to 5s
	Logger  ports.Logger
}

// New creates a new Telegram notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for telegram notifier")
	}
	if cfg.Token == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram token and chat ID are required: %w", ports.ErrConfigurationError)
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Notifier{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		token:      cfg.Token,
		chatID:     cfg.ChatID,
	}, nil
}

// Send delivers one message. Errors are returned for the caller to log;
// they carry no retry obligation and must never stop trading.
func (n *Notifier) Send(ctx context.Context, message string) error {
	op := "Send"
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.token)

	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%s failed: building request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		// The URL embeds the bot token, so only the underlying cause is
		// logged, never the *url.Error that wraps it.
		cause := err
		var uerr *url.Error
		if errors.As(err, &uerr) {
			cause = uerr.Err
		}
		n.logger.Error(ctx, cause, "Telegram delivery failed", map[string]interface{}{"chatID": n.chatID})
		return fmt.Errorf("%s failed: %w: telegram request error", op, ports.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		apiErr := fmt.Errorf("%s failed: telegram API status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
		n.logger.Error(ctx, apiErr, "Telegram delivery rejected", map[string]interface{}{"chatID": n.chatID, "status": resp.StatusCode})
		return apiErr
	}

	n.logger.Debug(ctx, "Telegram message delivered", map[string]interface{}{"chatID": n.chatID})
	return nil
}
