package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type guestCartDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	SessionID string             `bson:"session_id"`
	Items     []domain.CartItem  `bson:"items"`
	CreatedAt time.Time          `bson:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at"`
	ExpiresAt time.Time          `bson:"expires_at"`
}

func (d guestCartDocument) toDomain() *domain.Cart {
	return &domain.Cart{
		ID:        d.ID.Hex(),
		Owner:     domain.Guest(d.SessionID),
		Items:     normalizeItems(d.Items),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		ExpiresAt: d.ExpiresAt,
	}
}

type mongoGuestRepository struct {
	collection *mongo.Collection
	ttl        time.Duration
	now        func() time.Time
}

// NewMongoGuestRepository stores guest carts as standalone documents in the
// guest_carts collection; every write pushes expires_at to now+ttl.
func NewMongoGuestRepository(db *mongo.Database, ttl time.Duration) GuestCartRepository {
	return &mongoGuestRepository{
		collection: db.Collection("guest_carts"),
		ttl:        ttl,
		now:        time.Now,
	}
}

func (m *mongoGuestRepository) Kind() domain.IdentityKind {
	return domain.KindGuest
}

// canonical loads the document that request-path operations address when
// stray duplicates exist, picked by the same rule merge and the sweeper use.
func (m *mongoGuestRepository) canonical(ctx context.Context, sessionID string) (*guestCartDocument, error) {
	cursor, err := m.collection.Find(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return nil, wrapErr("failed to get guest cart", err)
	}
	defer cursor.Close(ctx)

	var docs []guestCartDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr("failed to read guest cart", err)
	}
	switch len(docs) {
	case 0:
		return nil, ErrCartNotFound
	case 1:
		return &docs[0], nil
	}

	carts := make([]domain.Cart, 0, len(docs))
	for _, d := range docs {
		carts = append(carts, *d.toDomain())
	}
	keep, _ := domain.PickCanonical(carts)
	for i := range docs {
		if docs[i].ID.Hex() == keep.ID {
			return &docs[i], nil
		}
	}
	return &docs[0], nil
}

func (m *mongoGuestRepository) GetCart(ctx context.Context, sessionID string) (*domain.Cart, error) {
	doc, err := m.canonical(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return doc.toDomain(), nil
}

func (m *mongoGuestRepository) EnsureCart(ctx context.Context, sessionID string) (*domain.Cart, error) {
	doc, err := m.canonical(ctx, sessionID)
	if err == nil {
		return doc.toDomain(), nil
	}
	if !errors.Is(err, ErrCartNotFound) {
		return nil, err
	}

	now := m.now()
	doc = &guestCartDocument{
		SessionID: sessionID,
		Items:     []domain.CartItem{},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	res, err := m.collection.InsertOne(ctx, doc)
	if err != nil {
		return nil, wrapErr("failed to create guest cart", err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		doc.ID = oid
	}
	return doc.toDomain(), nil
}

func (m *mongoGuestRepository) touch() bson.M {
	now := m.now()
	return bson.M{"updated_at": now, "expires_at": now.Add(m.ttl)}
}

func (m *mongoGuestRepository) SetItem(ctx context.Context, sessionID string, item domain.CartItem) error {
	cart, err := m.EnsureCart(ctx, sessionID)
	if err != nil {
		return err
	}
	oid, err := primitive.ObjectIDFromHex(cart.ID)
	if err != nil {
		return fmt.Errorf("invalid guest cart id %q: %w", cart.ID, err)
	}

	set := m.touch()
	set["items.$.quantity"] = item.Quantity
	set["items.$.unit_price"] = item.UnitPrice
	res, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": oid, "items.product_id": item.ProductID},
		bson.M{"$set": set},
	)
	if err != nil {
		return wrapErr("failed to update guest cart item", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	_, err = m.collection.UpdateOne(ctx,
		bson.M{"_id": oid, "items.product_id": bson.M{"$ne": item.ProductID}},
		bson.M{"$push": bson.M{"items": item}, "$set": m.touch()},
	)
	if err != nil {
		return wrapErr("failed to add guest cart item", err)
	}
	return nil
}

func (m *mongoGuestRepository) UpdateItemQuantity(ctx context.Context, sessionID, productID string, quantity int) error {
	doc, err := m.canonical(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return ErrItemNotFound
		}
		return err
	}

	set := m.touch()
	set["items.$.quantity"] = quantity
	res, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": doc.ID, "items.product_id": productID},
		bson.M{"$set": set},
	)
	if err != nil {
		return wrapErr("failed to update item quantity", err)
	}
	if res.MatchedCount == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (m *mongoGuestRepository) RemoveItem(ctx context.Context, sessionID, productID string) error {
	doc, err := m.canonical(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return ErrItemNotFound
		}
		return err
	}

	res, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": doc.ID, "items.product_id": productID},
		bson.M{
			"$pull": bson.M{"items": bson.M{"product_id": productID}},
			"$set":  m.touch(),
		},
	)
	if err != nil {
		return wrapErr("failed to remove item", err)
	}
	if res.MatchedCount == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (m *mongoGuestRepository) ClearItems(ctx context.Context, sessionID string) error {
	doc, err := m.canonical(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return nil
		}
		return err
	}

	set := m.touch()
	set["items"] = []domain.CartItem{}
	if _, err := m.collection.UpdateOne(ctx, bson.M{"_id": doc.ID}, bson.M{"$set": set}); err != nil {
		return wrapErr("failed to clear guest cart", err)
	}
	return nil
}

func (m *mongoGuestRepository) ListBySession(ctx context.Context, sessionID string) ([]domain.Cart, error) {
	cursor, err := m.collection.Find(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return nil, wrapErr("failed to list guest carts", err)
	}
	defer cursor.Close(ctx)

	var docs []guestCartDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapErr("failed to read guest carts", err)
	}

	carts := make([]domain.Cart, 0, len(docs))
	for _, d := range docs {
		carts = append(carts, *d.toDomain())
	}
	return carts, nil
}

func (m *mongoGuestRepository) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	res, err := m.collection.DeleteMany(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return 0, wrapErr("failed to delete guest carts", err)
	}
	return res.DeletedCount, nil
}

func (m *mongoGuestRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := m.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": now}})
	if err != nil {
		return 0, wrapErr("failed to delete expired guest carts", err)
	}
	return res.DeletedCount, nil
}

func (m *mongoGuestRepository) DeleteIdleEmpty(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{
		"updated_at": bson.M{"$lt": cutoff},
		"$or": bson.A{
			bson.M{"items": bson.M{"$size": 0}},
			bson.M{"items": nil},
		},
	}
	res, err := m.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, wrapErr("failed to delete idle empty guest carts", err)
	}
	return res.DeletedCount, nil
}

func (m *mongoGuestRepository) DuplicateSessions(ctx context.Context, limit int) ([]string, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$session_id", "n": bson.M{"$sum": 1}}}},
		{{Key: "$match", Value: bson.M{"n": bson.M{"$gt": 1}}}},
		{{Key: "$limit", Value: limit}},
	}
	cursor, err := m.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, wrapErr("failed to find duplicate sessions", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		SessionID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, wrapErr("failed to read duplicate sessions", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.SessionID)
	}
	return out, nil
}

func (m *mongoGuestRepository) DeleteStale(ctx context.Context, id string, updatedAt time.Time) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, fmt.Errorf("invalid guest cart id %q: %w", id, err)
	}
	res, err := m.collection.DeleteOne(ctx, bson.M{"_id": oid, "updated_at": updatedAt})
	if err != nil {
		return false, wrapErr("failed to delete duplicate guest cart", err)
	}
	return res.DeletedCount > 0, nil
}

// CreateIndexes sets up lookups by session and the server-side TTL on
// expires_at. session_id is not unique: imported carts may carry
// duplicates, and only the sweeper resolves them.
func (m *mongoGuestRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "updated_at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
		{
			Keys: bson.D{{Key: "updated_at", Value: 1}},
		},
	}

	_, err := m.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

// EnsureIndexes creates the guest cart indexes when repo is backed by
// MongoDB and does nothing otherwise.
func EnsureIndexes(ctx context.Context, repo GuestCartRepository) error {
	if m, ok := repo.(*mongoGuestRepository); ok {
		return m.CreateIndexes(ctx)
	}
	return nil
}
