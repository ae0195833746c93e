package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/store"
	"k8s.io/utils/clock"
)

// GrantStore implements store.PersistedGrantStore on a MongoDB collection. A TTL index
// on expiration lets the server reclaim expired rows; reads filter them out until then.
type GrantStore struct {
	coll  *mongo.Collection
	clock clock.PassiveClock
}

var (
	_ store.PersistedGrantStore  = (*GrantStore)(nil)
	_ store.ExpiredGrantRemover = (*GrantStore)(nil)
)

// NewGrantStore creates the store and ensures its indexes.
func NewGrantStore(ctx context.Context, db *mongo.Database, clk clock.PassiveClock) (*GrantStore, error) {
	s := &GrantStore{
		coll:  db.Collection(GrantsCollection),
		clock: clk,
	}

	indexModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "subject_id", Value: 1}, {Key: "client_id", Value: 1}, {Key: "type", Value: 1}}},
		{Keys: bson.D{{Key: "session_id", Value: 1}}},
		{Keys: bson.D{{Key: "client_id", Value: 1}}},
		{
			Keys:    bson.D{{Key: "expiration", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if _, err := s.coll.Indexes().CreateMany(timeoutCtx, indexModels); err != nil {
		return nil, fmt.Errorf("failed to create persisted grant indexes: %w", err)
	}
	log.Info().Msg("Indexes for persisted_grants collection ensured.")
	return s, nil
}

// notExpired matches rows without expiration or expiring after now.
func notExpired(now time.Time) bson.E {
	return bson.E{Key: "$or", Value: bson.A{
		bson.M{"expiration": bson.M{"$exists": false}},
		bson.M{"expiration": bson.M{"$gt": now.UTC()}},
	}}
}

func filterDoc(f domain.PersistedGrantFilter) bson.D {
	doc := bson.D{}
	if f.SubjectID != "" {
		doc = append(doc, bson.E{Key: "subject_id", Value: f.SubjectID})
	}
	if f.SessionID != "" {
		doc = append(doc, bson.E{Key: "session_id", Value: f.SessionID})
	}
	if f.ClientID != "" {
		doc = append(doc, bson.E{Key: "client_id", Value: f.ClientID})
	}
	if f.Type != "" {
		doc = append(doc, bson.E{Key: "type", Value: f.Type})
	}
	return doc
}

// Get implements store.PersistedGrantStore.
func (s *GrantStore) Get(ctx context.Context, key string) (*domain.PersistedGrant, error) {
	var g domain.PersistedGrant
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}, notExpired(s.clock.Now())}).Decode(&g)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return &g, nil
}

// GetAll implements store.PersistedGrantStore.
func (s *GrantStore) GetAll(ctx context.Context, filter domain.PersistedGrantFilter) ([]*domain.PersistedGrant, error) {
	if err := store.ValidateFilter(filter); err != nil {
		return nil, err
	}
	cursor, err := s.coll.Find(ctx, append(filterDoc(filter), notExpired(s.clock.Now())))
	if err != nil {
		return nil, fmt.Errorf("failed to find grants: %w", err)
	}
	defer cursor.Close(ctx)

	grants := make([]*domain.PersistedGrant, 0)
	if err := cursor.All(ctx, &grants); err != nil {
		return nil, fmt.Errorf("failed to decode grants: %w", err)
	}
	return grants, nil
}

// Store implements store.PersistedGrantStore.
func (s *GrantStore) Store(ctx context.Context, grant *domain.PersistedGrant) error {
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": grant.Key}, grant, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

// Remove implements store.PersistedGrantStore.
func (s *GrantStore) Remove(ctx context.Context, key string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("failed to remove grant: %w", err)
	}
	return nil
}

// RemoveAll implements store.PersistedGrantStore.
func (s *GrantStore) RemoveAll(ctx context.Context, filter domain.PersistedGrantFilter) error {
	if err := store.ValidateFilter(filter); err != nil {
		return err
	}
	res, err := s.coll.DeleteMany(ctx, filterDoc(filter))
	if err != nil {
		return fmt.Errorf("failed to remove grants: %w", err)
	}
	log.Debug().Int64("count", res.DeletedCount).Msg("Removed grants by filter")
	return nil
}

// Consume implements store.PersistedGrantStore. The update is conditional on the row
// being unconsumed, so the server picks exactly one winner.
func (s *GrantStore) Consume(ctx context.Context, key string, at time.Time) (*domain.PersistedGrant, error) {
	filter := bson.D{
		{Key: "_id", Value: key},
		{Key: "consumed_time", Value: bson.M{"$exists": false}},
		notExpired(s.clock.Now()),
	}
	update := bson.M{"$set": bson.M{"consumed_time": at.UTC()}}

	var g domain.PersistedGrant
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&g)
	if err == nil {
		return &g, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to consume grant: %w", err)
	}

	existing, getErr := s.Get(ctx, key)
	if getErr != nil {
		return nil, getErr
	}
	if existing.IsConsumed() {
		return nil, store.ErrAlreadyConsumed
	}
	return nil, store.ErrNotFound
}

// RemoveExpired implements store.ExpiredGrantRemover.
func (s *GrantStore) RemoveExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"expiration": bson.M{"$lte": before.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("failed to remove expired grants: %w", err)
	}
	return int(res.DeletedCount), nil
}
