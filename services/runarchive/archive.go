// Package runarchive copies finished fetch runs into MongoDB.
package runarchive

import (
	"context"
	"fmt"
	"time"

	"china_stock_proxy/logger"
	"china_stock_proxy/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Collection holds one document per finished run.
const Collection = "fetch_runs"

// RunDocument is the archived form of a FetchRun.
type RunDocument struct {
	ID              uint       `bson:"_id"`
	JobID           string     `bson:"job_id"`
	Kind            string     `bson:"fetch_type"`
	Status          string     `bson:"status"`
	StartedAt       time.Time  `bson:"started_at"`
	CompletedAt     *time.Time `bson:"completed_at,omitempty"`
	DurationSeconds float64    `bson:"duration_seconds"`
	StocksProcessed int        `bson:"stocks_processed"`
	RecordsUpserted int        `bson:"records_upserted"`
	ErrorMessage    string     `bson:"error_message,omitempty"`
	ArchivedAt      time.Time  `bson:"archived_at"`
}

// NewRunDocument converts run for storage.
func NewRunDocument(run models.FetchRun, now time.Time) RunDocument {
	doc := RunDocument{
		ID:              run.ID,
		JobID:           run.JobID,
		Kind:            string(run.Kind),
		Status:          string(run.Status),
		StartedAt:       run.StartedAt.UTC(),
		StocksProcessed: run.StocksProcessed,
		RecordsUpserted: run.RecordsUpserted,
		ArchivedAt:      now.UTC(),
	}
	if run.CompletedAt != nil {
		done := run.CompletedAt.UTC()
		doc.CompletedAt = &done
		doc.DurationSeconds = done.Sub(doc.StartedAt).Seconds()
	}
	if run.ErrorMessage != nil {
		doc.ErrorMessage = *run.ErrorMessage
	}
	return doc
}

// Archive writes terminal runs to a MongoDB collection.
type Archive struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
	log     *zap.Logger
}

// Connect dials uri, verifies it with a ping and ensures indexes.
func Connect(ctx context.Context, uri, database string, log *zap.Logger) (*Archive, error) {
	log = logger.Or(log)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(10).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	a := &Archive{
		client:  client,
		coll:    client.Database(database).Collection(Collection),
		timeout: 10 * time.Second,
		log:     log,
	}
	_, err = a.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}}},
		{Keys: bson.D{{Key: "started_at", Value: -1}}},
	})
	if err != nil {
		log.Warn("create run archive indexes", zap.Error(err))
	}

	log.Info("run archive connected", zap.String("database", database))
	return a, nil
}

// RunUpdated stores run once it is terminal; other updates are ignored.
func (a *Archive) RunUpdated(run models.FetchRun) error {
	if !run.Status.IsTerminal() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	doc := NewRunDocument(run, time.Now())
	_, err := a.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive run %d: %w", run.ID, err)
	}
	a.log.Debug("archived run", zap.Uint("run_id", run.ID), zap.String("status", doc.Status))
	return nil
}

// Ping checks the connection.
func (a *Archive) Ping(ctx context.Context) error {
	return a.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (a *Archive) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}
