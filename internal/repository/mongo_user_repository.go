package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// userDocument is the slice of the user aggregate this service owns. The
// rest of the account document belongs to the identity subsystem and is
// never read or written here.
type userDocument struct {
	ID   string            `bson:"_id"`
	Cart *userCartDocument `bson:"cart,omitempty"`
}

type userCartDocument struct {
	Items          []domain.CartItem `bson:"items"`
	UpdatedAt      time.Time         `bson:"updated_at"`
	MergedSessions []string          `bson:"merged_sessions,omitempty"`
}

func (d userDocument) toDomain() *domain.Cart {
	return &domain.Cart{
		Owner:          domain.User(d.ID),
		Items:          normalizeItems(d.Cart.Items),
		CreatedAt:      d.Cart.UpdatedAt,
		UpdatedAt:      d.Cart.UpdatedAt,
		MergedSessions: d.Cart.MergedSessions,
	}
}

type mongoUserRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewMongoUserRepository stores the cart as the "cart" sub-document of the
// users collection.
func NewMongoUserRepository(db *mongo.Database) UserCartRepository {
	return &mongoUserRepository{
		collection: db.Collection("users"),
		now:        time.Now,
	}
}

func (m *mongoUserRepository) Kind() domain.IdentityKind {
	return domain.KindUser
}

func (m *mongoUserRepository) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	var doc userDocument
	opts := options.FindOne().SetProjection(bson.M{"cart": 1})
	err := m.collection.FindOne(ctx, bson.M{"_id": userID}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, wrapErr("failed to get user cart", err)
	}
	if doc.Cart == nil {
		return nil, ErrCartNotFound
	}
	return doc.toDomain(), nil
}

func (m *mongoUserRepository) EnsureCart(ctx context.Context, userID string) (*domain.Cart, error) {
	cart, err := m.GetCart(ctx, userID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, ErrCartNotFound) {
		return nil, err
	}

	now := m.now()
	_, err = m.collection.UpdateOne(ctx,
		bson.M{"_id": userID, "cart": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"cart": userCartDocument{Items: []domain.CartItem{}, UpdatedAt: now}}},
		options.Update().SetUpsert(true),
	)
	// a concurrent writer created the cart between our read and the upsert
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, wrapErr("failed to create user cart", err)
	}
	return m.GetCart(ctx, userID)
}

func (m *mongoUserRepository) SetItem(ctx context.Context, userID string, item domain.CartItem) error {
	now := m.now()
	res, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": userID, "cart.items.product_id": item.ProductID},
		bson.M{"$set": bson.M{
			"cart.items.$.quantity":   item.Quantity,
			"cart.items.$.unit_price": item.UnitPrice,
			"cart.updated_at":         now,
		}},
	)
	if err != nil {
		return wrapErr("failed to update user cart item", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	_, err = m.collection.UpdateOne(ctx,
		bson.M{"_id": userID, "cart.items.product_id": bson.M{"$ne": item.ProductID}},
		bson.M{
			"$push": bson.M{"cart.items": item},
			"$set":  bson.M{"cart.updated_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return wrapErr("failed to add user cart item", err)
	}
	return nil
}

func (m *mongoUserRepository) UpdateItemQuantity(ctx context.Context, userID, productID string, quantity int) error {
	res, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": userID, "cart.items.product_id": productID},
		bson.M{"$set": bson.M{
			"cart.items.$.quantity": quantity,
			"cart.updated_at":       m.now(),
		}},
	)
	if err != nil {
		return wrapErr("failed to update item quantity", err)
	}
	if res.MatchedCount == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (m *mongoUserRepository) RemoveItem(ctx context.Context, userID, productID string) error {
	res, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": userID, "cart.items.product_id": productID},
		bson.M{
			"$pull": bson.M{"cart.items": bson.M{"product_id": productID}},
			"$set":  bson.M{"cart.updated_at": m.now()},
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

func (m *mongoUserRepository) ClearItems(ctx context.Context, userID string) error {
	_, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": userID, "cart": bson.M{"$exists": true}},
		bson.M{"$set": bson.M{
			"cart.items":      []domain.CartItem{},
			"cart.updated_at": m.now(),
		}},
	)
	if err != nil {
		return wrapErr("failed to clear user cart", err)
	}
	return nil
}

func (m *mongoUserRepository) ApplyMerge(ctx context.Context, userID string, items []domain.CartItem, sessionID string) error {
	_, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{
			"$set": bson.M{
				"cart.items":      normalizeItems(items),
				"cart.updated_at": m.now(),
			},
			"$push": bson.M{"cart.merged_sessions": bson.M{
				"$each":  bson.A{sessionID},
				"$slice": -domain.MergedSessionsLimit,
			}},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return wrapErr("failed to apply merge", err)
	}
	return nil
}
