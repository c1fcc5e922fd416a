// Command webmpush streams a WebM file, optionally one that is still being
// recorded, to a relay's ingest endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webm-relay/internal/platform/config"
	"webm-relay/internal/platform/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	_ = config.Load()

	var (
		file   = flag.String("file", "", "WebM file to send")
		server = flag.String("server", config.GetEnv("RELAY_URL", "http://localhost:8080"), "relay base URL")
		stream = flag.String("stream", "", "stream id")
		follow = flag.Bool("follow", true, "keep reading as the file grows")
		idle   = flag.Duration("idle", 0, "with -follow, stop after the file has not grown for this long (0 waits forever)")
		end    = flag.Bool("end", false, "end the stream after the upload completes")
	)
	flag.Parse()

	log := logger.New(config.GetEnv("LOG_LEVEL", "info"), config.GetEnv("LOG_FORMAT", "text"))
	if *file == "" || *stream == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pusher{client: http.DefaultClient, base: *server, log: log}
	if err := p.run(ctx, *file, *stream, *follow, *idle, *end); err != nil {
		log.Error("push failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type pusher struct {
	client *http.Client
	base   string
	log    *slog.Logger
}

func (p pusher) run(ctx context.Context, path, stream string, follow bool, idle time.Duration, end bool) error {
	var src io.ReadCloser
	if follow {
		fl, err := newFollower(ctx, path, idle)
		if err != nil {
			return err
		}
		src = fl
	} else {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		src = f
	}
	defer src.Close()

	sent, err := p.upload(ctx, src, stream)
	if err != nil {
		return err
	}
	p.log.Info("upload complete", slog.String("stream_id", stream), slog.Int64("bytes", sent))

	if end {
		return p.end(ctx, stream)
	}
	return nil
}

// upload copies src into a streaming POST body so the relay sees clusters as
// soon as they are read.
func (p pusher) upload(ctx context.Context, src io.Reader, stream string) (int64, error) {
	endpoint, err := url.JoinPath(p.base, "streams", stream, "ingest")
	if err != nil {
		return 0, err
	}

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	var sent int64
	g.Go(func() error {
		n, err := io.Copy(pw, src)
		sent = n
		pw.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		req, err := http.NewRequestWithContext(gctx, http.MethodPost, endpoint, pr)
		if err != nil {
			pr.CloseWithError(err)
			return err
		}
		req.Header.Set("Content-Type", "video/webm")

		resp, err := p.client.Do(req)
		if err != nil {
			pr.CloseWithError(err)
			return fmt.Errorf("post %s: %w", endpoint, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			err := fmt.Errorf("post %s: %s: %s", endpoint, resp.Status, body)
			pr.CloseWithError(err)
			return err
		}
		return nil
	})

	err = g.Wait()
	return sent, err
}

func (p pusher) end(ctx context.Context, stream string) error {
	endpoint, err := url.JoinPath(p.base, "streams", stream, "end")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("end %s: %s", stream, resp.Status)
	}
	return nil
}
