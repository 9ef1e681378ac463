package detector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Source yields successive snapshots of the observed page content.
type Source interface {
	Snapshot(ctx context.Context) (string, error)
}

// HTTPSource polls a page over HTTP and returns its body as the snapshot.
type HTTPSource struct {
	URL        string
	HTTPClient *http.Client
}

func (s *HTTPSource) http() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

func (s *HTTPSource) Snapshot(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("snapshot fetch failed: %s", resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Watch polls src at the given interval and invokes emit for every presence
// transition. Snapshot errors are logged and the loop keeps going; the page
// being briefly unreachable is not a presence change.
func (d *Detector) Watch(ctx context.Context, src Source, interval time.Duration, emit func(Event)) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log := slog.Default().With(slog.String("component", "detector"))
	log.Info("watch loop starting", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("watch loop stopped")
			return
		case <-ticker.C:
			content, err := src.Snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Debug("snapshot failed", slog.Any("err", err))
				continue
			}
			if ev, ok := d.Scan(content); ok {
				log.Info("presence transition", slog.String("kind", ev.Kind.String()), slog.String("marker", ev.Marker))
				emit(ev)
			}
		}
	}
}
