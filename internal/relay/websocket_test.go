package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"webm-relay/internal/encoder"
	"webm-relay/internal/webm/webmtest"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/streams/" + id + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// readUntil returns the first message accepted by match.
func readUntil(t *testing.T, conn *websocket.Conn, match func(kind int, data []byte) bool) []byte {
	t.Helper()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(kind, data) {
			return data
		}
	}
}

func TestWebSocket_PushAndPull(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	cluster := webmtest.Cluster(0, webmtest.Payload(1500))
	if rec := ingest(t, srv.Config.Handler, "s1", webmtest.Stream(cluster)); rec.Code != http.StatusCreated {
		t.Fatalf("setup: expected 201, got %d", rec.Code)
	}
	tc := getStats(t, srv.Config.Handler, "s1").Timecodes[0]

	conn := dial(t, srv, "s1")

	kind, first, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read init: %v", err)
	}
	if kind != websocket.BinaryMessage || first[0] != encoder.TypeInitSegment {
		t.Fatalf("first message kind=%d type=%#x, want binary init", kind, first[0])
	}
	_, start, _ := encoder.DecodeHeader(first)
	if !bytes.Equal(first[start:], webmtest.Init(1000000)) {
		t.Error("init payload mismatch")
	}

	req, _ := json.Marshal(pullRequest{Timecode: tc, ChunkIndex: 1})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("write pull: %v", err)
	}
	data := readUntil(t, conn, func(kind int, data []byte) bool {
		if kind != websocket.BinaryMessage {
			return false
		}
		hdr, _, err := encoder.DecodeHeader(data)
		return err == nil && hdr.Type == encoder.TypeChunk && hdr.Timecode == tc && hdr.ChunkIndex == 1
	})
	_, start, _ = encoder.DecodeHeader(data)
	if !bytes.Equal(data[start:], cluster[1000:]) {
		t.Error("pulled payload mismatch")
	}

	req, _ = json.Marshal(pullRequest{Timecode: tc - 1, ChunkIndex: 0})
	conn.WriteMessage(websocket.TextMessage, req)
	data = readUntil(t, conn, func(kind int, _ []byte) bool { return kind == websocket.TextMessage })
	var reply pullReply
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Error != "not found" || reply.Timecode != tc-1 {
		t.Errorf("reply = %+v", reply)
	}
}

func TestWebSocket_LiveChunksAndEnd(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	if rec := ingest(t, srv.Config.Handler, "s1", webmtest.Stream()); rec.Code != http.StatusCreated {
		t.Fatalf("setup: expected 201, got %d", rec.Code)
	}
	conn := dial(t, srv, "s1")

	cluster := webmtest.Cluster(0, webmtest.Payload(2500))
	if rec := ingest(t, srv.Config.Handler, "s1", cluster); rec.Code != http.StatusCreated {
		t.Fatalf("cluster ingest: expected 201, got %d", rec.Code)
	}

	var joined []byte
	for i := 0; i < 4; i++ {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if kind != websocket.BinaryMessage {
			t.Fatalf("message %d kind = %d", i, kind)
		}
		hdr, start, err := encoder.DecodeHeader(data)
		if err != nil {
			t.Fatalf("header %d: %v", i, err)
		}
		if i == 0 {
			if hdr.Type != encoder.TypeInitSegment {
				t.Fatalf("first message type = %#x", hdr.Type)
			}
			continue
		}
		if hdr.ChunkIndex != i-1 || hdr.FinalIndex != 2 {
			t.Errorf("chunk %d header = %+v", i-1, hdr)
		}
		joined = append(joined, data[start:]...)
	}
	if !bytes.Equal(joined, cluster) {
		t.Error("live chunks do not reassemble the cluster")
	}

	endRec := httptest.NewRecorder()
	srv.Config.Handler.ServeHTTP(endRec, httptest.NewRequest(http.MethodPost, "/streams/s1/end", nil))

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal closure, got %v", err)
	}
}

func TestWebSocket_RateLimited(t *testing.T) {
	log := newTestHandler(t).log
	svc := NewService(newTestRepository(t), log, PullLimit{PerSecond: 0.001, Burst: 1})
	srv := httptest.NewServer(newTestRouter(NewHandler(svc, log, nil)))
	defer srv.Close()

	ingest(t, srv.Config.Handler, "s1", webmtest.Stream())
	conn := dial(t, srv, "s1")

	req, _ := json.Marshal(pullRequest{Timecode: 1, ChunkIndex: 0})
	conn.WriteMessage(websocket.TextMessage, req)
	conn.WriteMessage(websocket.TextMessage, req)

	var errs []string
	for len(errs) < 2 {
		data := readUntil(t, conn, func(kind int, _ []byte) bool { return kind == websocket.TextMessage })
		var reply pullReply
		json.Unmarshal(data, &reply)
		errs = append(errs, reply.Error)
	}
	if errs[0] != "not found" || errs[1] != "rate limited" {
		t.Errorf("replies = %v", errs)
	}
}

func TestWebSocket_UnknownStream(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/streams/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 response, got %+v", resp)
	}
}
