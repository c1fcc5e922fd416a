package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"webm-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const chunkContentType = "application/octet-stream"

// Handler exposes relay HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes registers every stream endpoint under /streams/{stream_id}.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/streams/{stream_id}", func(r chi.Router) {
		r.Get("/", h.GetStats)
		r.Post("/ingest", h.Ingest)
		r.Post("/end", h.EndStream)
		r.Get("/chunks/{timecode}/{index}", h.PullChunk)
		r.Get("/ws", h.Subscribe)
	})
}

// Ingest handles POST /streams/{stream_id}/ingest. The body is a WebM byte
// stream; it may be sent with chunked transfer encoding and last as long as
// the live source does.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	streamID := StreamID(chi.URLParam(r, "stream_id"))
	if streamID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	n, err := h.svc.Ingest(r.Context(), streamID, r.Body)
	if err != nil {
		switch {
		case errors.Is(err, ErrStreamEnded), errors.Is(err, ErrStreamBusy):
			h.log.Info("ingest refused",
				slog.String("stream_id", string(streamID)),
				slog.String("error", err.Error()))
			w.WriteHeader(http.StatusConflict)
		case errors.Is(err, ErrRejected):
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
		case errors.Is(err, context.Canceled):
			h.log.Debug("ingest cancelled", slog.String("stream_id", string(streamID)), slog.Int64("bytes", n))
		default:
			h.log.Error("ingest failed",
				slog.String("stream_id", string(streamID)),
				slog.Int64("bytes", n),
				slog.String("error", err.Error()))
			w.WriteHeader(http.StatusBadRequest)
		}
		return
	}

	writeJSON(w, http.StatusCreated, ingestBody{StreamID: streamID, Bytes: n})
}

// PullChunk handles GET /streams/{stream_id}/chunks/{timecode}/{index}.
func (h *Handler) PullChunk(w http.ResponseWriter, r *http.Request) {
	streamID := StreamID(chi.URLParam(r, "stream_id"))
	timecode, err1 := strconv.ParseInt(chi.URLParam(r, "timecode"), 10, 64)
	index, err2 := strconv.Atoi(chi.URLParam(r, "index"))
	if streamID == "" || err1 != nil || err2 != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	c, err := h.svc.PullChunk(streamID, timecode, index)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", chunkContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(c.Message.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(c.Message.Data)
}

// GetStats handles GET /streams/{stream_id}.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	streamID := StreamID(chi.URLParam(r, "stream_id"))
	stats, err := h.svc.Stats(streamID)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// EndStream handles POST /streams/{stream_id}/end.
func (h *Handler) EndStream(w http.ResponseWriter, r *http.Request) {
	streamID := StreamID(chi.URLParam(r, "stream_id"))
	if streamID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.svc.EndStream(streamID); err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("end stream failed", slog.String("stream_id", string(streamID)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.log.Info("stream ended", slog.String("stream_id", string(streamID)))
	w.WriteHeader(http.StatusOK)
	if h.metrics != nil {
		h.metrics.IncStreamsEnded()
	}
}

type errorBody struct {
	Error string `json:"error"`
}

type ingestBody struct {
	StreamID StreamID `json:"stream_id"`
	Bytes    int64    `json:"bytes"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
