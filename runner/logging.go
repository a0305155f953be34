package runner

import (
	"context"
	"log/slog"

	"github.com/martinemde/roleplay/society"
)

// LogEvents writes events to logger until the channel is closed or ctx is
// done. Failures and retries are logged at warn level, run boundaries at
// info and everything else at debug.
func LogEvents(ctx context.Context, events <-chan society.Event, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logger.LogAttrs(ctx, eventLevel(ev.Kind), string(ev.Kind), eventAttrs(ev)...)
		}
	}
}

func eventLevel(kind society.EventKind) slog.Level {
	switch kind {
	case society.EventAgentError, society.EventRetry, society.EventLoopDetected, society.EventToolLimit:
		return slog.LevelWarn
	case society.EventRunStart, society.EventRunEnd:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func eventAttrs(ev society.Event) []slog.Attr {
	attrs := make([]slog.Attr, 0, 2+len(ev.Data))
	attrs = append(attrs, slog.String("run_id", ev.RunID))
	if ev.Round > 0 {
		attrs = append(attrs, slog.Int("round", ev.Round))
	}
	for k, v := range ev.Data {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}
