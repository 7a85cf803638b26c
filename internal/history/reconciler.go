// Package history turns substrate batches into an ordered, attributed
// conversation view.
package history

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/metrics"
	"github.com/eldtechnologies/roomrelay/internal/models"
	"github.com/eldtechnologies/roomrelay/internal/profile"
)

// DefaultDedupeSize is how many rendered record ids are remembered to drop
// repeated live deliveries.
const DefaultDedupeSize = 4096

// ErrRecordProcessing wraps any failure isolated to a single record.
var ErrRecordProcessing = errors.New("record processing failed")

// Source describes where a batch came from.
type Source struct {
	History     bool // result of a refresh fetch
	NewestFirst bool // records are delivered newest first
}

// Live is the source of subscription deliveries.
var Live = Source{}

// Result summarizes one reconciled batch.
type Result struct {
	Rendered   int
	Duplicates int
	Profiles   int
	Ignored    int
	Failed     int
	Deleted    int
}

// Options tunes a Reconciler.
type Options struct {
	DedupeSize int
}

// Reconciler applies batches to the profile registry and renderer. Batches
// are processed one at a time, so a batch is never split by another.
type Reconciler struct {
	self     string
	registry *profile.Registry
	renderer Renderer
	logger   zerolog.Logger

	mu   sync.Mutex
	seen *lru.Cache
}

// NewReconciler creates a Reconciler for the local identity self.
func NewReconciler(self string, registry *profile.Registry, renderer Renderer, logger zerolog.Logger, opts Options) (*Reconciler, error) {
	size := opts.DedupeSize
	if size <= 0 {
		size = DefaultDedupeSize
	}
	seen, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		self:     self,
		registry: registry,
		renderer: renderer,
		logger:   logger.With().Str("component", "history").Logger(),
		seen:     seen,
	}, nil
}

// Reconcile processes one batch. Failures are isolated per record: a record
// that does not verify or whose rendering fails is logged and skipped.
//
// History batches delivered newest first are rendered oldest first. Live
// batches keep delivery order and skip records that were already rendered.
func (r *Reconciler) Reconcile(batch models.Batch, src Source) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result

	if src.History {
		if len(batch.Records) > 0 {
			r.renderer.RenderNotice(Notice{Kind: NoticeHistory})
		} else {
			r.renderer.RenderNotice(Notice{Kind: NoticeNoHistory})
		}
	}

	records := batch.Records
	if src.History && src.NewestFirst {
		records = make([]models.Record, len(batch.Records))
		for i, rec := range batch.Records {
			records[len(records)-1-i] = rec
		}
	}

	label := "live"
	if src.History {
		label = "history"
	}

	for _, rec := range records {
		switch out, err := r.apply(rec, batch.Blobs, !src.History); {
		case err != nil:
			res.Failed++
			metrics.RecordFailures.Inc()
			r.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("Skipping record")
		case out == outcomeRendered:
			res.Rendered++
			metrics.RecordsRendered.WithLabelValues(label).Inc()
		case out == outcomeDuplicate:
			res.Duplicates++
		case out == outcomeProfile:
			res.Profiles++
		default:
			res.Ignored++
		}
	}

	if n := len(batch.DeletedRecordIDs); n > 0 {
		res.Deleted = n
		metrics.DeletionsSeen.Add(float64(n))
		ids := append([]string(nil), batch.DeletedRecordIDs...)
		r.renderer.RenderNotice(Notice{Kind: NoticeDeleted, Count: n, IDs: ids})
	}

	return res
}

// RenderLocal renders a record composed locally before it reaches the
// substrate. A later live delivery of the same record is not rendered again.
func (r *Reconciler) RenderLocal(rec models.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	out, err := r.apply(rec, nil, true)
	if err != nil {
		return err
	}
	if out == outcomeRendered {
		metrics.RecordsRendered.WithLabelValues("local").Inc()
	}
	return nil
}

// Notify shows a status notice, serialized with batch rendering.
func (r *Reconciler) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderer.RenderNotice(n)
}

type outcome int

const (
	outcomeIgnored outcome = iota
	outcomeRendered
	outcomeDuplicate
	outcomeProfile
)

func (r *Reconciler) apply(rec models.Record, blobs []models.Blob, dedupe bool) (out outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = outcomeIgnored
			err = fmt.Errorf("%w: panic: %v", ErrRecordProcessing, p)
		}
	}()

	if err := rec.Verify(); err != nil {
		return outcomeIgnored, fmt.Errorf("%w: %w", ErrRecordProcessing, err)
	}

	switch rec.Kind() {
	case models.KindMessage:
		if dedupe && r.seen.Contains(rec.ID) {
			return outcomeDuplicate, nil
		}
		if err := r.renderer.RenderMessage(r.message(rec, blobs)); err != nil {
			return outcomeIgnored, fmt.Errorf("%w: render: %w", ErrRecordProcessing, err)
		}
		r.seen.Add(rec.ID, struct{}{})
		return outcomeRendered, nil

	case models.KindProfile:
		r.registry.Apply(rec)
		return outcomeProfile, nil

	default:
		return outcomeIgnored, nil
	}
}

func (r *Reconciler) message(rec models.Record, blobs []models.Blob) Message {
	dir := Incoming
	if rec.CreatorPubKey == r.self {
		dir = Outgoing
	}
	return Message{
		RecordID:    rec.ID,
		Timestamp:   rec.Time(),
		SenderAlias: r.registry.Resolve(rec.CreatorPubKey),
		Direction:   dir,
		Text:        rec.Payload,
		Attachments: models.FilterBlobs(rec.ID, blobs),
	}
}
