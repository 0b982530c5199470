package coord

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// feedWriteTimeout bounds each event write; a client slower than this is
// disconnected so it can never back-pressure the bus.
const feedWriteTimeout = 5 * time.Second

// Feed bridges the event bus to websocket consumers. Each client supplies
// a subscription pattern via the "pattern" query parameter (default "*")
// and receives matching events as JSON. Delivery is at-least-once from the
// consumer's perspective; clients must be idempotent.
type Feed struct {
	bus    *Bus
	logger *slog.Logger
}

// NewFeed creates a feed over the coordinator's bus.
func NewFeed(bus *Bus, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{bus: bus, logger: logger}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects or the request context ends.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := f.bus.Subscribe(pattern, 256)
	defer sub.Close()

	f.logger.Info("event feed client connected",
		slog.String("pattern", pattern),
		slog.String("remote", r.RemoteAddr),
	)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()

			if err != nil {
				f.logger.Info("event feed client dropped",
					slog.String("remote", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}
