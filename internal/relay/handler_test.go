package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"webm-relay/internal/encoder"
	"webm-relay/internal/webm/webmtest"

	"github.com/go-chi/chi/v5"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := NewService(newTestRepository(t), log, PullLimit{PerSecond: 1000, Burst: 1000})
	return NewHandler(svc, log, nil)
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func ingest(t *testing.T, r http.Handler, id string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/streams/"+id+"/ingest", bytes.NewReader(body))
	req.Header.Set("Content-Type", "video/webm")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func getStats(t *testing.T, r http.Handler, id string) StreamStats {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/streams/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rec.Code)
	}
	var stats StreamStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("stats body: %v", err)
	}
	return stats
}

func TestHandler_Ingest(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)

	body := webmtest.Stream(webmtest.Cluster(0, webmtest.Payload(2500)))
	rec := ingest(t, r, "s1", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var got ingestBody
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.StreamID != "s1" || got.Bytes != int64(len(body)) {
		t.Errorf("body = %+v", got)
	}

	stats := getStats(t, r, "s1")
	if stats.Segments != 1 || len(stats.Timecodes) != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHandler_Ingest_unprocessable(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)

	rec := ingest(t, r, "s1", []byte("not webm at all"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var got errorBody
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil || got.Error == "" {
		t.Errorf("error body = %+v, err %v", got, err)
	}
}

func TestHandler_Ingest_conflict_after_end(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)

	if rec := ingest(t, r, "s1", webmtest.Stream()); rec.Code != http.StatusCreated {
		t.Fatalf("setup: expected 201, got %d", rec.Code)
	}

	endRec := httptest.NewRecorder()
	r.ServeHTTP(endRec, httptest.NewRequest(http.MethodPost, "/streams/s1/end", nil))
	if endRec.Code != http.StatusOK {
		t.Fatalf("end stream: expected 200, got %d", endRec.Code)
	}

	if rec := ingest(t, r, "s1", webmtest.Stream()); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 after end, got %d", rec.Code)
	}

	stats := getStats(t, r, "s1")
	if !stats.Ended {
		t.Error("stats should report ended")
	}
}

func TestHandler_PullChunk(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)

	cluster := webmtest.Cluster(0, webmtest.Payload(1500))
	if rec := ingest(t, r, "s1", webmtest.Stream(cluster)); rec.Code != http.StatusCreated {
		t.Fatalf("setup: expected 201, got %d", rec.Code)
	}
	tc := getStats(t, r, "s1").Timecodes[0]

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/streams/s1/chunks/%d/1", tc), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != chunkContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	data, _ := io.ReadAll(rec.Body)
	hdr, start, err := encoder.DecodeHeader(data)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Timecode != tc || hdr.ChunkIndex != 1 || hdr.FinalIndex != 1 {
		t.Errorf("header = %+v", hdr)
	}
	if !bytes.Equal(data[start:], cluster[1000:]) {
		t.Error("payload is not the second slice of the cluster")
	}
}

func TestHandler_PullChunk_not_found(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)
	ingest(t, r, "s1", webmtest.Stream(webmtest.Cluster(0, webmtest.Payload(10))))

	tests := []struct {
		path string
		want int
	}{
		{"/streams/s1/chunks/1/0", http.StatusNotFound},
		{"/streams/other/chunks/1/0", http.StatusNotFound},
		{"/streams/s1/chunks/abc/0", http.StatusBadRequest},
		{"/streams/s1/chunks/1/x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.want, rec.Code)
		}
	}
}

func TestHandler_GetStats_not_found(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/streams/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_EndStream_unknown(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/streams/unknown/end", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/streams/s1/ingest", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}
