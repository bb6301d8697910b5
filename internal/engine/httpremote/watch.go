package httpremote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileprovider/internal/logging"
	"github.com/fruitsalade/fileprovider/internal/retry"
)

// changeEvent is one server-sent change notification.
type changeEvent struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

var errStreamClosed = errors.New("event stream closed")

// Watch implements engine.Watcher. It follows /api/v1/events and reconnects
// with backoff until ctx is done.
func (c *Client) Watch(ctx context.Context, notify func(remotePath string)) error {
	backoff := retry.Config{InitialWait: time.Second, MaxWait: 30 * time.Second, Multiplier: 2, Jitter: 0.1}
	attempt := 1

	for ctx.Err() == nil {
		connected, err := c.stream(ctx, notify)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrTokenExpired) {
			return err
		}
		if connected {
			attempt = 1
		}

		wait := backoff.Backoff(attempt)
		logging.Warn("change feed disconnected",
			zap.String("server", c.baseURL),
			zap.Duration("retry_in", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		attempt++
	}
	return nil
}

// stream reads one event stream connection. connected reports whether the
// server accepted the subscription.
func (c *Client) stream(ctx context.Context, notify func(string)) (connected bool, err error) {
	header := http.Header{
		"Accept":        []string{"text/event-stream"},
		"Cache-Control": []string{"no-cache"},
	}
	resp, err := c.send(ctx, http.MethodGet, c.baseURL+"/api/v1/events", nil, 0, header)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	logging.Info("change feed connected", zap.String("server", c.baseURL))

	scanner := bufio.NewScanner(resp.Body)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				c.dispatchEvent(data.String(), notify)
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("read events: %w", err)
	}
	return true, errStreamClosed
}

func (c *Client) dispatchEvent(data string, notify func(string)) {
	var ev changeEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		logging.Debug("ignoring malformed event", zap.String("data", data), zap.Error(err))
		return
	}
	if ev.Path == "" {
		return
	}
	notify(ev.Path)
}
