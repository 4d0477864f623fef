package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-greeter/internal/bus"
	"github.com/loqalabs/loqa-greeter/internal/greeting"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
	"github.com/loqalabs/loqa-greeter/internal/track"
)

const maxRequestBytes = 64 << 10

type greetingRequest struct {
	DeviceID string `json:"device_id"`
	Text     string `json:"text"`
}

func (r *Runtime) handleGreeting(w http.ResponseWriter, req *http.Request) {
	var body greetingRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBytes))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, greeting.Accepted{Error: "invalid request body"})
		return
	}

	tr, err := r.greeter.Submit(req.Context(), body.DeviceID, body.Text)
	if err != nil {
		status := greetingStatus(err)
		if status >= http.StatusInternalServerError {
			r.logger.Warn("greeting rejected",
				slog.String("device_id", body.DeviceID),
				slog.String("track_id", tr.ID),
				slog.String("error", err.Error()))
		}
		writeJSON(w, status, greeting.Accepted{TrackID: tr.ID, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, greeting.Accepted{Success: true, TrackID: tr.ID})
}

func greetingStatus(err error) int {
	switch {
	case errors.Is(err, protocol.ErrInvalidDeviceID), errors.Is(err, greeting.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, greeting.ErrSynthesis):
		return http.StatusBadGateway
	case errors.Is(err, bus.ErrDisconnected), errors.Is(err, greeting.ErrPublish), errors.Is(err, greeting.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (r *Runtime) handleTrack(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if tr, ok := r.tracks.Get(id); ok {
		writeJSON(w, http.StatusOK, tr)
		return
	}
	tr, ok, err := r.store.GetTrack(req.Context(), id)
	if err != nil {
		r.logger.Error("event store lookup failed", slog.String("track_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": track.ErrNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (r *Runtime) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": r.sessions.Devices()})
}

func (r *Runtime) handleDeviceTracks(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, 500)
	}
	tracks, err := r.store.ListDeviceTracks(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Error("event store list failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	if tracks == nil {
		tracks = []track.Track{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": tracks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
