package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/quantlab-cn/quantlab/internal/progress"
)

// keepaliveInterval is how long a stream waits for the next event before
// emitting a keepalive comment.
const keepaliveInterval = 30 * time.Second

// sseHeaders prepares the response for Server-Sent Events and returns the
// flusher, or nil when the writer cannot stream.
func sseHeaders(w http.ResponseWriter) http.Flusher {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher
}

// streamBus replays a progress bus to the client from offset until the bus
// finishes or the client disconnects. Events are framed as
// "data: <json>\n\n", keepalives as ": keepalive\n\n".
func (s *Server) streamBus(w http.ResponseWriter, r *http.Request, bus *progress.Bus, offset int) {
	flusher := sseHeaders(w)
	if flusher == nil {
		return
	}

	consumer := bus.Subscribe(offset)
	ctx := r.Context()
	for {
		if ctx.Err() != nil {
			return
		}
		event, status := consumer.Next(keepaliveInterval)
		switch status {
		case progress.NextEvent:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", event); err != nil {
				return
			}
			flusher.Flush()
		case progress.NextKeepalive:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case progress.NextDone:
			return
		}
	}
}
