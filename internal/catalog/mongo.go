package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gridagent/agent/internal/gridagent/apperr"
)

// MongoCatalog is the production Catalog backed by a MongoDB collection.
// Claim operations are implemented as a single FindOneAndUpdate call with
// options.Before so the caller recovers the pre-update document — this is
// the Go analog of the original's pymongo find_and_modify(new=False).
type MongoCatalog struct {
	cases    *mongo.Collection
	versions *mongo.Collection
}

// NewMongoCatalog wraps the "cases" and "versions" collections of db.
func NewMongoCatalog(db *mongo.Database) *MongoCatalog {
	return &MongoCatalog{
		cases:    db.Collection("cases"),
		versions: db.Collection("versions"),
	}
}

func (m *MongoCatalog) ClaimStalled(ctx context.Context, scope Scope, apps []string, deadThreshold time.Duration, user, machine string) (*Case, bool, error) {
	cutoff := time.Now().Add(-deadThreshold)
	filter := bson.M{
		"user_group":     scope.UserGroup,
		"instance":       scope.Instance,
		"status":         StatusProcessing,
		"application":    bson.M{"$in": apps},
		"last_heartbeat": bson.M{"$lt": cutoff},
	}
	update := bson.M{
		"$set": bson.M{"last_heartbeat": time.Now()},
		"$push": bson.M{
			"processors.attempts": Attempt{User: user, Machine: machine},
		},
	}
	return m.findOneAndUpdate(ctx, filter, update)
}

func (m *MongoCatalog) ClaimNew(ctx context.Context, scope Scope, apps []string, user, machine string) (*Case, bool, error) {
	filter := bson.M{
		"user_group":  scope.UserGroup,
		"instance":    scope.Instance,
		"status":      StatusToProcess,
		"application": bson.M{"$in": apps},
	}
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"status":                 StatusProcessing,
			"last_heartbeat":         now,
			"processors.started_at": now,
		},
		"$push": bson.M{
			"processors.attempts": Attempt{User: user, Machine: machine},
		},
	}
	return m.findOneAndUpdate(ctx, filter, update)
}

// findOneAndUpdate centralizes the before-image FindOneAndUpdate pattern
// shared by ClaimStalled and ClaimNew: both return the pre-update document,
// sorted oldest-first to approximate FIFO pickup (invariant: FIFO pickup
// among equally-eligible cases).
func (m *MongoCatalog) findOneAndUpdate(ctx context.Context, filter, update bson.M) (*Case, bool, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.Before).
		SetSort(bson.D{{Key: "_id", Value: 1}})

	var before Case
	err := m.cases.FindOneAndUpdate(ctx, filter, update, opts).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.New(apperr.ClassTransientIO, "claim find-and-update", err)
	}
	return &before, true, nil
}

func (m *MongoCatalog) RecordAttemptFailure(ctx context.Context, id string) error {
	update := bson.M{
		"$pop": bson.M{"processors.attempts": 1},
		"$set": bson.M{"status": StatusToProcess},
	}
	_, err := m.cases.UpdateByID(ctx, id, update)
	if err != nil {
		return apperr.New(apperr.ClassTransientIO, "record attempt failure", err)
	}
	return nil
}

func (m *MongoCatalog) AbortAttempt(ctx context.Context, id string, errorStatus Status) error {
	now := time.Now()
	update := bson.M{
		"$pop": bson.M{"processors.attempts": 1},
		"$set": bson.M{
			"status":                  errorStatus,
			"processors.finished_at": now,
		},
	}
	_, err := m.cases.UpdateByID(ctx, id, update)
	if err != nil {
		return apperr.New(apperr.ClassTransientIO, "abort attempt", err)
	}
	return nil
}

func (m *MongoCatalog) MarkTerminal(ctx context.Context, id string, errorStatus Status) error {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"status":                 errorStatus,
			"processors.finished_at": now,
		},
	}
	_, err := m.cases.UpdateByID(ctx, id, update)
	if err != nil {
		return apperr.New(apperr.ClassTransientIO, "mark terminal", err)
	}
	return nil
}

func (m *MongoCatalog) CommitProcessed(ctx context.Context, id, outPath string) error {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"status":                  StatusProcessed,
			"path":                    outPath,
			"processors.finished_at": now,
		},
	}
	_, err := m.cases.UpdateByID(ctx, id, update)
	if err != nil {
		return apperr.New(apperr.ClassTransientIO, "commit processed", err)
	}
	return nil
}

func (m *MongoCatalog) CommitReceived(ctx context.Context, id string) error {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"status":              StatusReceived,
			"path":                "",
			"origin.received_at": now,
		},
	}
	_, err := m.cases.UpdateByID(ctx, id, update)
	if err != nil {
		return apperr.New(apperr.ClassTransientIO, "commit received", err)
	}
	return nil
}

func (m *MongoCatalog) Heartbeat(ctx context.Context, id string) error {
	update := bson.M{"$set": bson.M{"last_heartbeat": time.Now()}}
	res, err := m.cases.UpdateByID(ctx, id, update)
	if err != nil {
		return apperr.New(apperr.ClassTransientIO, "heartbeat", err)
	}
	if res.MatchedCount == 0 {
		return &ErrNotFound{ID: id}
	}
	return nil
}

func (m *MongoCatalog) InsertCase(ctx context.Context, c *Case) (string, error) {
	if c.LastHeartbeat == nil {
		zero := time.Time{}
		c.LastHeartbeat = &zero
	}
	res, err := m.cases.InsertOne(ctx, c)
	if err != nil {
		return "", apperr.New(apperr.ClassTransientIO, "insert case", err)
	}
	oid, ok := res.InsertedID.(interface{ Hex() string })
	if ok {
		return oid.Hex(), nil
	}
	return fmt.Sprintf("%v", res.InsertedID), nil
}

func (m *MongoCatalog) FindMyOpenCases(ctx context.Context, scope Scope, user, machine string) ([]Case, error) {
	filter := bson.M{
		"user_group":          scope.UserGroup,
		"instance":            scope.Instance,
		"status":              StatusProcessing,
		"origin.user":         user,
		"origin.machine":      machine,
		"processors.attempts": bson.M{"$exists": true},
	}
	return m.findMany(ctx, filter)
}

func (m *MongoCatalog) FindMyProcessed(ctx context.Context, scope Scope, apps []string, user, machine string) (*Case, bool, error) {
	filter := bson.M{
		"user_group":     scope.UserGroup,
		"instance":       scope.Instance,
		"status":         StatusProcessed,
		"application":    bson.M{"$in": apps},
		"origin.user":    user,
		"origin.machine": machine,
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})
	var c Case
	err := m.cases.FindOne(ctx, filter, opts).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.New(apperr.ClassTransientIO, "find my processed", err)
	}
	return &c, true, nil
}

func (m *MongoCatalog) ScanAll(ctx context.Context, scope Scope) ([]Case, error) {
	return m.findMany(ctx, bson.M{"user_group": scope.UserGroup, "instance": scope.Instance})
}

func (m *MongoCatalog) findMany(ctx context.Context, filter bson.M) ([]Case, error) {
	cur, err := m.cases.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, apperr.New(apperr.ClassTransientIO, "scan cases", err)
	}
	defer cur.Close(ctx)

	var out []Case
	if err := cur.All(ctx, &out); err != nil {
		return nil, apperr.New(apperr.ClassTransientIO, "decode cases", err)
	}
	return out, nil
}

func (m *MongoCatalog) VersionPolicy(ctx context.Context, version string) (*VersionPolicy, error) {
	var vp VersionPolicy
	err := m.versions.FindOne(ctx, bson.M{"_id": version}).Decode(&vp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &VersionPolicy{Version: VersionAllowed}, nil
	}
	if err != nil {
		return nil, apperr.New(apperr.ClassConfig, "version policy lookup", err)
	}
	return &vp, nil
}
