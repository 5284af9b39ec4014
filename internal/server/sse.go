package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vasvenk/buildml/internal/engine"
	"github.com/vasvenk/buildml/internal/repo"
)

const (
	sseHeartbeatInterval = 15 * time.Second
	sseSnapshotEvent     = "model.snapshot"
	sseModelSetEvent     = "model.set"
)

type sseMessage struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data"`
}

// registerWatch wires the streaming endpoints straight onto the chi
// router; huma's request/response model does not fit long-lived SSE
// connections.
func registerWatch(router chi.Router, basePath string, e *engine.Engine) {
	router.Get(basePath+"/models/watch", func(w http.ResponseWriter, r *http.Request) {
		userID, authErr := userIDFromContext(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		initial, sub, err := e.WatchOwner(r.Context(), userID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer sub.Cancel()

		flusher, ok := beginStream(w)
		if !ok {
			return
		}
		channel := "owner:" + userID
		writeFrame(w, flusher, channel, sseModelSetEvent, mapModels(initial))

		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer heartbeat.Stop()
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case set, open := <-sub.C:
				if !open {
					return
				}
				writeFrame(w, flusher, channel, sseModelSetEvent, mapModels(set))
			}
		}
	})

	router.Get(basePath+"/models/{model_id}/watch", func(w http.ResponseWriter, r *http.Request) {
		userID, authErr := userIDFromContext(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		modelID := chi.URLParam(r, "model_id")
		initial, sub, err := e.WatchModel(r.Context(), modelID, userID)
		if err == repo.ErrNotFound {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "not found", nil))
			return
		}
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer sub.Cancel()

		flusher, ok := beginStream(w)
		if !ok {
			return
		}
		channel := "model:" + modelID
		writeFrame(w, flusher, channel, sseSnapshotEvent, modelResponse(initial))

		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer heartbeat.Stop()
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case m, open := <-sub.C:
				if !open {
					return
				}
				writeFrame(w, flusher, channel, sseSnapshotEvent, modelResponse(m))
			}
		}
	})
}

func beginStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, channel, event string, data any) {
	body, err := json.Marshal(sseMessage{Channel: channel, Event: event, Data: data})
	if err != nil {
		log.Printf("sse: marshal frame on %s: %v", channel, err)
		return
	}
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", body)
	flusher.Flush()
}
