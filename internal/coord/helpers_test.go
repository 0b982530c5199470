package coord

import (
	"io"
	"log/slog"
)

// testLogger returns a logger that swallows output, keeping test logs
// readable. Failures are asserted on state, not log lines.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
