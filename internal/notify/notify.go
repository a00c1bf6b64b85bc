package notify

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Request is the channel-agnostic notification the core constructs.
// Delivery mechanics (webhook, email, chat) live in the channel
// adapters behind Dispatcher, outside this module.
type Request struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Severity string            `json:"severity"`
	Channels []string          `json:"channels"`
	Vars     map[string]string `json:"vars,omitempty"`
}

// Outcome records one channel's delivery result.
type Outcome struct {
	Channel   string    `json:"channel"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Dispatcher delivers a request to every configured channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) []Outcome
}

// Expand substitutes ${var} references in the body with template vars.
// Unknown references are left as-is.
func Expand(body string, vars map[string]string) string {
	if len(vars) == 0 {
		return body
	}
	for k, v := range vars {
		body = strings.ReplaceAll(body, "${"+k+"}", v)
	}
	return body
}

// LogDispatcher is the built-in dispatcher: it records the notification
// in the log. Real channel adapters replace it at wiring time.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates the logging dispatcher.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the expanded notification once per channel.
func (d *LogDispatcher) Dispatch(_ context.Context, req Request) []Outcome {
	body := Expand(req.Body, req.Vars)
	channels := req.Channels
	if len(channels) == 0 {
		channels = []string{"default"}
	}

	outcomes := make([]Outcome, 0, len(channels))
	for _, ch := range channels {
		d.logger.Info("notification dispatched",
			zap.String("channel", ch),
			zap.String("severity", req.Severity),
			zap.String("title", req.Title),
			zap.String("body", body))
		outcomes = append(outcomes, Outcome{Channel: ch, Delivered: true, At: time.Now()})
	}
	return outcomes
}
