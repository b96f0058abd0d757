package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"agentflow/internal/domain"
)

// JSONLines returns a handler that writes each event to w as one JSON
// object per line. Write errors are logged and the event is skipped.
func JSONLines(w io.Writer, logger *slog.Logger) domain.EventHandler {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(_ context.Context, e domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(e); err != nil {
			logger.Warn("event sink write failed", "event", string(e.Type), "error", err)
		}
	}
}
