package vigil

import (
	"context"
	"io"
	"log/slog"

	"github.com/hazyhaar/vigil/vigil/internal/notify"
)

// Event kinds delivered to sinks.
const (
	EventMatched     = notify.EventMatched
	EventWatchEnded  = notify.EventWatchEnded
	EventSessionLost = notify.EventSessionLost
)

// NewStdoutSink returns a sink writing JSON lines to w (os.Stdout if nil).
func NewStdoutSink(w io.Writer) Sink {
	return notify.NewStdout(w)
}

// NewWebhookSink returns a sink POSTing events to url with retries.
func NewWebhookSink(url string, logger *slog.Logger) Sink {
	return notify.NewWebhook(url, notify.WithWebhookLogger(logger))
}

// NewCallbackSink returns a sink invoking fn for every event.
func NewCallbackSink(fn func(ctx context.Context, ev Event) error) Sink {
	return notify.Callback(fn)
}

// NewSinksFromConfig assembles the sinks named in cfg.Sinks into one
// fan-out sink. With no (valid) entries it falls back to stdout.
func NewSinksFromConfig(cfg *Config, logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	var sinks notify.Multi
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, notify.NewStdout(nil))
		case "webhook":
			if sc.URL == "" {
				logger.Warn("vigil: webhook sink without url, skipped")
				continue
			}
			sinks = append(sinks, notify.NewWebhook(sc.URL, notify.WithWebhookLogger(logger)))
		default:
			logger.Warn("vigil: unknown sink type, skipped", "type", sc.Type)
		}
	}
	if len(sinks) == 0 {
		return notify.NewStdout(nil)
	}
	return sinks
}
