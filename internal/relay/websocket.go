package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxPullMsg = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// pullRequest is the text frame a subscriber sends to ask for a chunk again.
type pullRequest struct {
	Timecode   int64 `json:"timecode"`
	ChunkIndex int   `json:"chunkIndex"`
}

type pullReply struct {
	Error      string `json:"error"`
	Timecode   int64  `json:"timecode"`
	ChunkIndex int    `json:"chunkIndex"`
}

// outbound is one frame for the connection's single writer.
type outbound struct {
	kind int
	data []byte
}

// Subscribe handles GET /streams/{stream_id}/ws. Paced messages are pushed
// as binary frames, starting with the cached initialization segment. Text
// frames from the client are pull requests, answered with the chunk as a
// binary frame or a JSON error.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	streamID := StreamID(chi.URLParam(r, "stream_id"))
	sub, err := h.svc.Subscribe(streamID)
	if err != nil {
		switch {
		case errors.Is(err, ErrStreamNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, ErrStreamEnded):
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	log := h.log.With(slog.String("stream_id", string(streamID)))
	log.Debug("subscriber connected")

	replies := make(chan outbound, 16)
	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go h.readPulls(conn, streamID, replies, stop, done, log)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var out outbound
		select {
		case data, ok := <-sub.C:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			out = outbound{websocket.BinaryMessage, data}
		case out = <-replies:
		case <-ticker.C:
			out = outbound{websocket.PingMessage, nil}
		case <-done:
			log.Debug("subscriber disconnected", slog.Uint64("dropped", sub.Dropped()))
			return
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(out.kind, out.data); err != nil {
			log.Debug("websocket write failed", slog.String("error", err.Error()))
			return
		}
	}
}

// readPulls serves pull requests until the connection fails or the writer
// stops. Replies go through the writer goroutine since a websocket allows
// one writer.
func (h *Handler) readPulls(conn *websocket.Conn, id StreamID, replies chan<- outbound, stop <-chan struct{}, done chan<- struct{}, log *slog.Logger) {
	defer close(done)

	send := func(o outbound) bool {
		select {
		case replies <- o:
			return true
		case <-stop:
			return false
		}
	}
	sendError := func(msg string, req pullRequest) bool {
		b, _ := json.Marshal(pullReply{Error: msg, Timecode: req.Timecode, ChunkIndex: req.ChunkIndex})
		return send(outbound{websocket.TextMessage, b})
	}

	limiter := h.svc.NewPullLimiter()
	conn.SetReadLimit(maxPullMsg)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var req pullRequest
		var ok bool
		switch {
		case json.Unmarshal(data, &req) != nil:
			ok = sendError("bad request", req)
		case !limiter.Allow():
			ok = sendError("rate limited", req)
		default:
			c, err := h.svc.PullChunk(id, req.Timecode, req.ChunkIndex)
			if err != nil {
				log.Debug("pull miss", slog.Int64("timecode", req.Timecode), slog.Int("index", req.ChunkIndex))
				ok = sendError("not found", req)
			} else {
				ok = send(outbound{websocket.BinaryMessage, c.Message.Data})
			}
		}
		if !ok {
			return
		}
	}
}
