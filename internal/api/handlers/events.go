package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nikhilbhutani/dataintegration/internal/business"
	"github.com/nikhilbhutani/dataintegration/internal/events"
)

type EventsHandler struct {
	bus       events.Bus
	heartbeat time.Duration
}

func NewEventsHandler(bus events.Bus, heartbeat time.Duration) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &EventsHandler{bus: bus, heartbeat: heartbeat}
}

// Stream sends the business's processing events as server-sent events
// until the client disconnects.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	ctx := r.Context()
	ch, err := h.bus.Subscribe(ctx, business.IDFromContext(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				slog.Warn("encode event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}
