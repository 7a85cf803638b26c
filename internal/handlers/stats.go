package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/roomrelay/internal/substrate"
)

// recentPreviewCount is how many records the stats endpoint previews.
const recentPreviewCount = 5

// RecordPreview represents a preview of a record.
type RecordPreview struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type"`
	Creator     string `json:"creator"`
	Body        string `json:"body"`
	Timestamp   int64  `json:"timestamp"`
}

// StatsResponse represents the response from the room stats endpoint.
type StatsResponse struct {
	Root          string          `json:"root"`
	TotalRecords  int             `json:"total_records"`
	TotalCreators int             `json:"total_creators"`
	LastActivity  string          `json:"last_activity,omitempty"`
	Recent        []RecordPreview `json:"recent_records"`
}

// Stats returns statistics about the live records of a room.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	root := chi.URLParam(r, "root")

	batch, err := h.storage.Fetch(r.Context(), root, 1,
		substrate.Criteria{0: {Discard: true}},
		&substrate.Ordering{Direction: substrate.Descending},
	)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load records")
		return
	}

	creators := make(map[string]bool)
	for _, rec := range batch.Records {
		creators[rec.CreatorPubKey] = true
	}

	resp := StatsResponse{
		Root:          root,
		TotalRecords:  len(batch.Records),
		TotalCreators: len(creators),
		Recent:        []RecordPreview{},
	}
	if len(batch.Records) > 0 {
		resp.LastActivity = batch.Records[0].Time().UTC().Format(time.RFC3339)
	}

	for i, rec := range batch.Records {
		if i == recentPreviewCount {
			break
		}
		body := rec.Payload
		if len(body) > 100 {
			body = body[:100] + "..."
		}
		resp.Recent = append(resp.Recent, RecordPreview{
			ID:          rec.ID,
			ContentType: rec.ContentType,
			Creator:     rec.CreatorPubKey,
			Body:        body,
			Timestamp:   rec.CreationTime,
		})
	}

	h.JSON(w, http.StatusOK, resp)
}
