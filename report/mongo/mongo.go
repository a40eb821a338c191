// Package mongo archives dispatch reports to MongoDB for after-the-fact
// inspection of delivery behavior. The archive is an operational aid, not a
// source of truth; dispatch outcomes are returned to callers regardless.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/soonishlabs/soonish/dispatch"
	"github.com/soonishlabs/soonish/notify"
)

// Sink persists reports to a MongoDB collection.
type Sink struct {
	collection *mongo.Collection
}

var _ dispatch.Sink = (*Sink)(nil)

// reportDocument is the MongoDB document representation of a dispatch.Report.
// Channel names are secret-free by construction; delivery URLs never appear
// in reports.
type reportDocument struct {
	ID               string           `bson:"_id"`
	Scope            string           `bson:"scope"`
	EventID          int64            `bson:"event_id,omitempty"`
	SubscriptionID   int64            `bson:"subscription_id,omitempty"`
	Title            string           `bson:"title"`
	Level            string           `bson:"level"`
	TotalSubscribers int              `bson:"total_subscribers,omitempty"`
	Success          int              `bson:"success"`
	Failed           int              `bson:"failed"`
	Details          []detailDocument `bson:"details,omitempty"`
	StartedAt        time.Time        `bson:"started_at"`
	FinishedAt       time.Time        `bson:"finished_at"`
}

type detailDocument struct {
	SubscriptionID int64    `bson:"subscription_id"`
	UserID         int64    `bson:"user_id"`
	Status         string   `bson:"status"`
	Fallback       bool     `bson:"fallback,omitempty"`
	Channels       []string `bson:"channels,omitempty"`
	Errors         []string `bson:"errors,omitempty"`
}

// New creates a sink over the provided collection. The collection should be
// from a connected MongoDB client.
func New(collection *mongo.Collection) *Sink {
	return &Sink{collection: collection}
}

// Record upserts the report keyed by its id, so a retried recording of the
// same dispatch stays a single document.
func (s *Sink) Record(ctx context.Context, r *dispatch.Report) error {
	doc := toDocument(r)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": r.ID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb record report %q: %w", r.ID, err)
	}
	return nil
}

// ByEvent returns the archived reports of an event, newest first.
func (s *Sink) ByEvent(ctx context.Context, eventID int64, limit int64) ([]*dispatch.Report, error) {
	opts := options.Find().SetSort(bson.M{"started_at": -1})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	cursor, err := s.collection.Find(ctx, bson.M{"event_id": eventID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list reports of event %d: %w", eventID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []reportDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list reports decode: %w", err)
	}
	out := make([]*dispatch.Report, len(docs))
	for i, doc := range docs {
		out[i] = fromDocument(&doc)
	}
	return out, nil
}

func toDocument(r *dispatch.Report) *reportDocument {
	doc := &reportDocument{
		ID:               r.ID,
		Scope:            r.Scope,
		EventID:          r.EventID,
		SubscriptionID:   r.SubscriptionID,
		Title:            r.Title,
		Level:            string(r.Level),
		TotalSubscribers: r.TotalSubscribers,
		Success:          r.Success,
		Failed:           r.Failed,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
	for _, d := range r.Details {
		doc.Details = append(doc.Details, detailDocument{
			SubscriptionID: d.SubscriptionID,
			UserID:         d.UserID,
			Status:         string(d.Status),
			Fallback:       d.Fallback,
			Channels:       d.Channels,
			Errors:         d.Errors,
		})
	}
	return doc
}

func fromDocument(doc *reportDocument) *dispatch.Report {
	r := &dispatch.Report{
		ID:               doc.ID,
		Scope:            doc.Scope,
		EventID:          doc.EventID,
		SubscriptionID:   doc.SubscriptionID,
		Title:            doc.Title,
		Level:            notify.Level(doc.Level),
		TotalSubscribers: doc.TotalSubscribers,
		Success:          doc.Success,
		Failed:           doc.Failed,
		StartedAt:        doc.StartedAt,
		FinishedAt:       doc.FinishedAt,
	}
	for _, d := range doc.Details {
		r.Details = append(r.Details, dispatch.Detail{
			SubscriptionID: d.SubscriptionID,
			UserID:         d.UserID,
			Status:         dispatch.Status(d.Status),
			Fallback:       d.Fallback,
			Channels:       d.Channels,
			Errors:         d.Errors,
		})
	}
	return r
}
