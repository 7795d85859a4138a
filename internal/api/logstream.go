package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/logstream"
	"github.com/JakeFAU/venue-crawler/internal/metrics"
)

// logStream serves narration as server-sent events. The optional run_id
// query parameter scopes the stream to one run.
func (s *Server) logStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "log stream unavailable")
		return
	}
	rc := http.NewResponseController(w)
	sub := s.opts.Broker.Subscribe(r.URL.Query().Get("run_id"))
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("log stream cannot flush", zap.Error(err))
		return
	}

	metrics.IncLogStreamClients()
	defer metrics.DecLogStreamClients()

	ctx := r.Context()
	for {
		line, err := s.nextLine(ctx, sub)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case err != nil:
			return
		default:
			if _, err := fmt.Fprint(w, formatEvent(line.Text)); err != nil {
				return
			}
			// Queued lines go out in one flush.
			if sub.Pending() > 0 {
				continue
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// nextLine waits up to one heartbeat for a line. A heartbeat expiry is
// reported as context.DeadlineExceeded while the request is still live.
func (s *Server) nextLine(ctx context.Context, sub *logstream.Subscription) (logstream.Line, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.Heartbeat)
	defer cancel()
	line, err := sub.Next(waitCtx)
	if err != nil && ctx.Err() != nil {
		return logstream.Line{}, ctx.Err()
	}
	return line, err
}

// formatEvent renders text as one SSE event, one data field per line.
func formatEvent(text string) string {
	var b strings.Builder
	for _, part := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		b.WriteString("data: ")
		b.WriteString(part)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}
