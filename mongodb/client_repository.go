package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.pilab.hu/ssoengine/client"
	"go.pilab.hu/ssoengine/domain"
)

// ClientRepository implements client.ClientStore using MongoDB.
type ClientRepository struct {
	coll *mongo.Collection
}

var (
	_ client.ClientStore      = (*ClientRepository)(nil)
	_ client.CORSOriginLister = (*ClientRepository)(nil)
)

// NewClientRepository creates a new ClientRepository instance.
func NewClientRepository(db *mongo.Database) *ClientRepository {
	return &ClientRepository{
		coll: db.Collection(ClientsCollection),
	}
}

// FindClientByID implements the ClientStore interface.
func (r *ClientRepository) FindClientByID(ctx context.Context, clientID string) (*domain.Client, error) {
	var c domain.Client
	err := r.coll.FindOne(ctx, bson.M{"_id": clientID}).Decode(&c)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, client.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to find client: %w", err)
	}
	return &c, nil
}

// Upsert creates or replaces a client document.
func (r *ClientRepository) Upsert(ctx context.Context, c *domain.Client) error {
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": c.ClientID}, c, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert client: %w", err)
	}
	log.Debug().Str("client_id", c.ClientID).Msg("client saved")
	return nil
}

// Delete removes a client document.
func (r *ClientRepository) Delete(ctx context.Context, clientID string) error {
	result, err := r.coll.DeleteOne(ctx, bson.M{"_id": clientID})
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("delete failed: %w", client.ErrClientNotFound)
	}
	return nil
}

// List returns every client, enabled or not.
func (r *ClientRepository) List(ctx context.Context) ([]*domain.Client, error) {
	cursor, err := r.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer cursor.Close(ctx)

	var clients []*domain.Client
	if err := cursor.All(ctx, &clients); err != nil {
		return nil, fmt.Errorf("failed to decode clients: %w", err)
	}
	return clients, nil
}

// AllowedCORSOrigins implements the CORSOriginLister interface.
func (r *ClientRepository) AllowedCORSOrigins(ctx context.Context) ([]string, error) {
	var origins []string
	if err := r.coll.Distinct(ctx, "allowed_cors_origins", bson.M{"enabled": true}).Decode(&origins); err != nil {
		return nil, fmt.Errorf("failed to list CORS origins: %w", err)
	}
	return origins, nil
}
