// Package connectivity tracks whether the remote backend is reachable.
// The monitor holds a WebSocket open against the backend's realtime
// endpoint; the connection living or dying is the online signal the
// sync engines key off.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// pingEvery is the heartbeat cadence while connected. A failed ping
	// flips the monitor offline immediately instead of waiting for a
	// read error.
	pingEvery = 20 * time.Second

	// pingTimeout bounds a single heartbeat round trip.
	pingTimeout = 10 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	reconnectBackoffMultiplier = 2

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

// wsConn abstracts the WebSocket connection so Monitor can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Monitor maintains a presence connection and publishes transitions.
type Monitor struct {
	url    string
	apiKey string
	logger *slog.Logger

	// dial is injectable for tests; the default dials m.url.
	dial func(ctx context.Context) (wsConn, error)

	online   bool
	onlineMu sync.RWMutex

	// changes receives true/false on every transition. Buffered so a
	// slow consumer cannot stall the monitor; a dropped edge is fine
	// because the consumer re-reads Online.
	changes chan bool
}

// NewMonitor creates a connectivity monitor against the given realtime
// endpoint.
func NewMonitor(url, apiKey string, logger *slog.Logger) *Monitor {
	m := &Monitor{
		url:     url,
		apiKey:  apiKey,
		logger:  logger,
		changes: make(chan bool, 8),
	}
	m.dial = m.dialWebSocket

	return m
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.onlineMu.RLock()
	defer m.onlineMu.RUnlock()

	return m.online
}

// Changes returns the transition channel. Each value is the new state.
func (m *Monitor) Changes() <-chan bool {
	return m.changes
}

// Run holds the presence connection open until ctx is cancelled,
// reconnecting with jittered exponential backoff after drops.
func (m *Monitor) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			m.setOnline(false)

			jitter := time.Duration(rand.Int63n(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

			m.logger.Warn("presence connection failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			timer := time.NewTimer(backoff + jitter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		backoff = reconnectMin

		m.setOnline(true)
		m.logger.Info("presence connection established")

		err = m.heartbeat(ctx, conn)

		_ = conn.Close(websocket.StatusNormalClosure, "")

		m.setOnline(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.logger.Warn("presence connection lost", slog.String("error", err.Error()))
	}
}

// heartbeat pings until a ping fails or ctx is cancelled.
func (m *Monitor) heartbeat(ctx context.Context, conn wsConn) error {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				return fmt.Errorf("heartbeat ping: %w", err)
			}
		}
	}
}

func (m *Monitor) dialWebSocket(ctx context.Context) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, m.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: map[string][]string{
			"apikey": {m.apiKey},
		},
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

func (m *Monitor) setOnline(v bool) {
	m.onlineMu.Lock()

	changed := m.online != v
	m.online = v

	m.onlineMu.Unlock()

	if !changed {
		return
	}

	select {
	case m.changes <- v:
	default:
	}
}
