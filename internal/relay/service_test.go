package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"webm-relay/internal/encoder"
	"webm-relay/internal/pushpull"
	"webm-relay/internal/webm"
	"webm-relay/internal/webm/webmtest"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(newTestRepository(t), nil, PullLimit{})
}

func TestService_Ingest(t *testing.T) {
	svc := newTestService(t)
	stream := webmtest.Stream(
		webmtest.Cluster(0, webmtest.Payload(2500)),
		webmtest.Cluster(40, webmtest.Payload(100)),
	)

	n, err := svc.Ingest(context.Background(), "s1", bytes.NewReader(stream))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != int64(len(stream)) {
		t.Errorf("Ingest bytes = %d, want %d", n, len(stream))
	}

	stats, err := svc.Stats("s1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Segments != 2 || len(stats.Timecodes) != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Ingesting {
		t.Error("ingest should be finished")
	}
}

func TestService_Ingest_rejected(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Ingest(context.Background(), "s1", bytes.NewReader([]byte("RIFF....WAVE")))
	if !errors.Is(err, ErrRejected) || !errors.Is(err, webm.ErrNotWebM) {
		t.Fatalf("expected ErrRejected wrapping ErrNotWebM, got %v", err)
	}

	stats, _ := svc.Stats("s1")
	if stats.Error == "" {
		t.Error("stats should report the fatal error")
	}

	// The stream stays failed for any later upload.
	_, err = svc.Ingest(context.Background(), "s1", bytes.NewReader(webmtest.Stream()))
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected sticky rejection, got %v", err)
	}
}

func TestService_Ingest_segmentTooLarge(t *testing.T) {
	svc := newTestService(t)
	// testFactory allows 64 chunks of 1000 bytes.
	stream := webmtest.Stream(webmtest.Cluster(0, webmtest.Payload(64*1000)))

	_, err := svc.Ingest(context.Background(), "s1", bytes.NewReader(stream))
	if !errors.Is(err, pushpull.ErrMediaSegmentTooLarge) {
		t.Fatalf("expected ErrMediaSegmentTooLarge, got %v", err)
	}
	stats, _ := svc.Stats("s1")
	if stats.QueueDepth != 0 || len(stats.Timecodes) != 0 {
		t.Errorf("rejected segment must leave no state: %+v", stats)
	}
}

func TestService_Ingest_afterEnd(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Ingest(context.Background(), "s1", bytes.NewReader(webmtest.Stream())); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := svc.EndStream("s1"); err != nil {
		t.Fatalf("EndStream: %v", err)
	}

	_, err := svc.Ingest(context.Background(), "s1", bytes.NewReader(webmtest.Stream()))
	if !errors.Is(err, ErrStreamEnded) {
		t.Errorf("expected ErrStreamEnded, got %v", err)
	}
}

func TestService_Ingest_cancelled(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Ingest(ctx, "s1", bytes.NewReader(webmtest.Stream()))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestService_Ingest_streamsWhileUploading(t *testing.T) {
	svc := newTestService(t)
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := svc.Ingest(context.Background(), "live", pr)
		done <- err
	}()

	pw.Write(webmtest.Stream(webmtest.Cluster(0, webmtest.Payload(10))))

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := svc.Stats("live")
		if err == nil && stats.Segments == 1 {
			if !stats.Ingesting {
				t.Error("stream should report ingesting")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("segment was not pushed before the upload finished")
		}
		time.Sleep(time.Millisecond)
	}

	pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("Ingest: %v", err)
	}
}

func TestService_PullChunk(t *testing.T) {
	svc := newTestService(t)
	cluster := webmtest.Cluster(0, webmtest.Payload(1500))
	if _, err := svc.Ingest(context.Background(), "s1", bytes.NewReader(webmtest.Stream(cluster))); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	stats, _ := svc.Stats("s1")
	tc := stats.Timecodes[0]

	var joined []byte
	for i := 0; i < 2; i++ {
		c, err := svc.PullChunk("s1", tc, i)
		if err != nil {
			t.Fatalf("PullChunk(%d): %v", i, err)
		}
		h, _, err := encoder.DecodeHeader(c.Message.Data)
		if err != nil || h.ChunkIndex != i || h.FinalIndex != 1 {
			t.Errorf("chunk %d header = %+v, err %v", i, h, err)
		}
		joined = append(joined, c.Payload()...)
	}
	if !bytes.Equal(joined, cluster) {
		t.Error("pulled chunks do not reassemble the cluster")
	}

	if _, err := svc.PullChunk("s1", tc, 2); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("out of range index: %v", err)
	}
	if _, err := svc.PullChunk("s1", tc-1, 0); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("unknown timecode: %v", err)
	}
	if _, err := svc.PullChunk("nope", tc, 0); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("unknown stream: %v", err)
	}
}

func TestService_Subscribe(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.Subscribe("s1"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Subscribe unknown: %v", err)
	}

	if _, err := svc.Ingest(context.Background(), "s1", bytes.NewReader(webmtest.Stream())); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	sub, err := svc.Subscribe("s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// The init segment only goes out once the first cluster arrives.
	if _, err := svc.Ingest(context.Background(), "s1", bytes.NewReader(webmtest.Cluster(0, webmtest.Payload(10)))); err != nil {
		t.Fatalf("Ingest cluster: %v", err)
	}

	want := []byte{encoder.TypeInitSegment, encoder.TypeChunk}
	for _, typ := range want {
		select {
		case msg := <-sub.C:
			if msg[0] != typ {
				t.Errorf("message type = %#x, want %#x", msg[0], typ)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message type %#x", typ)
		}
	}

	svc.EndStream("s1")
	if _, ok := <-sub.C; ok {
		t.Error("subscription should close when the stream ends")
	}
	if _, err := svc.Subscribe("s1"); !errors.Is(err, ErrStreamEnded) {
		t.Errorf("Subscribe after end: %v", err)
	}
}

func TestService_NewPullLimiter(t *testing.T) {
	unlimited := NewService(nil, nil, PullLimit{}).NewPullLimiter()
	for i := 0; i < 1000; i++ {
		if !unlimited.Allow() {
			t.Fatal("zero limit should not throttle")
		}
	}

	limited := NewService(nil, nil, PullLimit{PerSecond: 0.001, Burst: 2}).NewPullLimiter()
	if !limited.Allow() || !limited.Allow() {
		t.Fatal("burst should be allowed")
	}
	if limited.Allow() {
		t.Error("third request should be throttled")
	}
}
