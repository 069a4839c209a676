package handler

import (
	"context"
	"net/http"

	"github.com/devscorehq/devscore/internal/api/response"
	"github.com/devscorehq/devscore/internal/queue"
)

// QueueCounter exposes one queue's aggregate counts.
type QueueCounter interface {
	Name() string
	Counts(ctx context.Context) (queue.Counts, error)
}

// NewQueueCountsHandler returns the handler for GET /api/v1/admin/queues:
// waiting/active/completed/failed per pipeline queue, for operators.
func NewQueueCountsHandler(counters ...QueueCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]queue.Counts, len(counters))
		for _, c := range counters {
			counts, err := c.Counts(r.Context())
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to read queue counts", map[string]string{"queue": c.Name()})
				return
			}
			out[c.Name()] = counts
		}
		response.JSON(w, out)
	}
}
