package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/stall/backend/internal/models"
)

// MongoStore needs a replica set (or Atlas) because checkout uses
// multi-document transactions.
type MongoStore struct {
	client    *mongo.Client
	db        *mongo.Database
	usersColl *mongo.Collection
	itemsColl *mongo.Collection
	cartColl  *mongo.Collection
}

type mongoUserDoc struct {
	ID           string    `bson:"_id"`
	Username     string    `bson:"username"`
	Email        string    `bson:"email"`
	PasswordHash string    `bson:"password_hash"`
	CreatedAt    time.Time `bson:"created_at"`
}

type mongoItemDoc struct {
	ID            string               `bson:"_id"`
	OwnerID       string               `bson:"owner_id"`
	OwnerUsername string               `bson:"owner_username"`
	Name          string               `bson:"name"`
	Description   string               `bson:"description"`
	Price         primitive.Decimal128 `bson:"price"`
	Status        string               `bson:"status"`
	BuyerID       string               `bson:"buyer_id,omitempty"`
	BuyerUsername string               `bson:"buyer_username,omitempty"`
	CreatedAt     time.Time            `bson:"created_at"`
	// LockSeq is bumped by checkout to take the document's write lock.
	LockSeq int64 `bson:"lock_seq"`
}

type mongoCartDoc struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	ItemID    string    `bson:"item_id"`
	CreatedAt time.Time `bson:"created_at"`
}

func NewMongoStore(ctx context.Context, mongoURI, dbName string) (*MongoStore, error) {
	opts := options.Client().ApplyURI(mongoURI)
	if strings.HasPrefix(mongoURI, "mongodb+srv://") {
		// Atlas occasionally fails TLS negotiation unless TLS 1.2 is forced.
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS12,
		})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	db := client.Database(dbName)
	s := &MongoStore{
		client:    client,
		db:        db,
		usersColl: db.Collection("users"),
		itemsColl: db.Collection("items"),
		cartColl:  db.Collection("cart_items"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureIndexes fails only on the unique indexes the store relies on; the
// rest are best effort.
func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.usersColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("users index: %w", err)
	}
	if _, err := s.cartColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "item_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("cart index: %w", err)
	}

	_, _ = s.itemsColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "owner_id", Value: 1}}},
		{Keys: bson.D{{Key: "buyer_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	_, _ = s.cartColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "item_id", Value: 1}},
	})
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func userDocToModel(d mongoUserDoc) *models.User {
	return &models.User{
		ID:           d.ID,
		Username:     d.Username,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		CreatedAt:    d.CreatedAt,
	}
}

func itemDocToModel(d mongoItemDoc) (*models.Item, error) {
	price, err := decimal.NewFromString(d.Price.String())
	if err != nil {
		return nil, fmt.Errorf("item %s price %q: %w", d.ID, d.Price.String(), err)
	}
	return &models.Item{
		ID:            d.ID,
		OwnerID:       d.OwnerID,
		OwnerUsername: d.OwnerUsername,
		Name:          d.Name,
		Description:   d.Description,
		Price:         price.Round(models.PriceDecimals),
		Status:        models.ItemStatus(d.Status),
		BuyerID:       d.BuyerID,
		BuyerUsername: d.BuyerUsername,
		CreatedAt:     d.CreatedAt,
	}, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	return primitive.ParseDecimal128(models.FormatPrice(d))
}

func (s *MongoStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = newID()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now()
	}

	_, err := s.usersColl.InsertOne(ctx, mongoUserDoc{
		ID:           user.ID,
		Username:     user.Username,
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *MongoStore) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	var doc mongoUserDoc
	if err := s.usersColl.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return userDocToModel(doc), nil
}

func (s *MongoStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"username": username})
}

func (s *MongoStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	res, err := s.usersColl.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$set": bson.M{"password_hash": hash}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) CreateItem(ctx context.Context, item *models.Item) error {
	owner, err := s.GetUserByID(ctx, item.OwnerID)
	if err != nil {
		return fmt.Errorf("owner %s: %w", item.OwnerID, err)
	}
	price, err := toDecimal128(item.Price)
	if err != nil {
		return err
	}

	if item.ID == "" {
		item.ID = newID()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now()
	}
	item.OwnerUsername = owner.Username
	item.Status = models.StatusAvailable
	item.BuyerID = ""
	item.BuyerUsername = ""

	_, err = s.itemsColl.InsertOne(ctx, mongoItemDoc{
		ID:            item.ID,
		OwnerID:       item.OwnerID,
		OwnerUsername: item.OwnerUsername,
		Name:          item.Name,
		Description:   item.Description,
		Price:         price,
		Status:        string(item.Status),
		CreatedAt:     item.CreatedAt,
	})
	return err
}

func (s *MongoStore) GetItem(ctx context.Context, id string) (*models.Item, error) {
	var doc mongoItemDoc
	if err := s.itemsColl.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return itemDocToModel(doc)
}

func itemFilterToBSON(f models.ItemFilter) bson.M {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.OwnerID != "" {
		filter["owner_id"] = f.OwnerID
	}
	if f.BuyerID != "" {
		filter["buyer_id"] = f.BuyerID
	}
	if f.Query != "" {
		filter["name"] = bson.M{"$regex": regexp.QuoteMeta(f.Query), "$options": "i"}
	}
	return filter
}

func (s *MongoStore) ListItems(ctx context.Context, f models.ItemFilter) ([]models.Item, error) {
	cur, err := s.itemsColl.Find(
		ctx,
		itemFilterToBSON(f),
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]models.Item, 0)
	for cur.Next(ctx) {
		var doc mongoItemDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		item, err := itemDocToModel(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) UpdateItemPrice(ctx context.Context, id string, price decimal.Decimal) (*models.Item, error) {
	p, err := toDecimal128(price)
	if err != nil {
		return nil, err
	}

	res := s.itemsColl.FindOneAndUpdate(
		ctx,
		bson.M{"_id": id, "status": string(models.StatusAvailable)},
		bson.M{"$set": bson.M{"price": p}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)

	var updated mongoItemDoc
	if err := res.Decode(&updated); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Distinguish not found vs sold.
			if _, err2 := s.GetItem(ctx, id); errors.Is(err2, ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, ErrConflict
		}
		return nil, err
	}
	return itemDocToModel(updated)
}

func (s *MongoStore) DeleteItem(ctx context.Context, id string) error {
	res, err := s.itemsColl.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	if _, err := s.cartColl.DeleteMany(ctx, bson.M{"item_id": id}); err != nil {
		return fmt.Errorf("delete cart entries for item %s: %w", id, err)
	}
	return nil
}

func (s *MongoStore) AddCartEntry(ctx context.Context, userID, itemID string) (*models.CartEntry, bool, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return nil, false, err
	}

	doc := mongoCartDoc{
		ID:        newID(),
		UserID:    userID,
		ItemID:    itemID,
		CreatedAt: now(),
	}
	created := true
	if _, err := s.cartColl.InsertOne(ctx, doc); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, err
		}
		created = false
		if err := s.cartColl.FindOne(ctx, bson.M{"user_id": userID, "item_id": itemID}).Decode(&doc); err != nil {
			return nil, false, err
		}
	}

	return &models.CartEntry{
		ID:        doc.ID,
		UserID:    doc.UserID,
		ItemID:    doc.ItemID,
		CreatedAt: doc.CreatedAt,
		Item:      *item,
	}, created, nil
}

// cartEntries resolves cart documents to entries, dropping any whose item is gone.
func (s *MongoStore) cartEntries(ctx context.Context, docs []mongoCartDoc) ([]models.CartEntry, error) {
	out := make([]models.CartEntry, 0, len(docs))
	if len(docs) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ItemID)
	}

	cur, err := s.itemsColl.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	items := make(map[string]*models.Item, len(ids))
	for cur.Next(ctx) {
		var doc mongoItemDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		item, err := itemDocToModel(doc)
		if err != nil {
			return nil, err
		}
		items[item.ID] = item
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	for _, d := range docs {
		item, ok := items[d.ItemID]
		if !ok {
			continue
		}
		out = append(out, models.CartEntry{
			ID:        d.ID,
			UserID:    d.UserID,
			ItemID:    d.ItemID,
			CreatedAt: d.CreatedAt,
			Item:      *item,
		})
	}
	return out, nil
}

func (s *MongoStore) findCartDocs(ctx context.Context, filter bson.M) ([]mongoCartDoc, error) {
	cur, err := s.cartColl.Find(
		ctx,
		filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	docs := make([]mongoCartDoc, 0)
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *MongoStore) ListCart(ctx context.Context, userID string) ([]models.CartEntry, error) {
	docs, err := s.findCartDocs(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	return s.cartEntries(ctx, docs)
}

func (s *MongoStore) GetCartEntry(ctx context.Context, id, userID string) (*models.CartEntry, error) {
	docs, err := s.findCartDocs(ctx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return nil, err
	}
	entries, err := s.cartEntries(ctx, docs)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

func (s *MongoStore) DeleteCartEntry(ctx context.Context, id, userID string) error {
	res, err := s.cartColl.DeleteOne(ctx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// RunCheckout retries fn on transient transaction errors, so fn must not
// carry state between attempts.
func (s *MongoStore) RunCheckout(ctx context.Context, buyerID string, fn CheckoutFunc) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &mongoTx{store: s, buyerID: buyerID})
	}, txnOpts)
	return err
}

func (s *MongoStore) Reset(ctx context.Context) error {
	for _, coll := range []*mongo.Collection{s.cartColl, s.itemsColl, s.usersColl} {
		if _, err := coll.DeleteMany(ctx, bson.M{}); err != nil {
			return fmt.Errorf("reset %s: %w", coll.Name(), err)
		}
	}
	return nil
}

type mongoTx struct {
	store   *MongoStore
	buyerID string
}

// LockCart bumps lock_seq on every item in id order. A concurrent checkout
// touching the same item fails with a write conflict and is retried after
// this transaction ends.
func (tx *mongoTx) LockCart(ctx context.Context) ([]models.CartEntry, error) {
	s := tx.store
	docs, err := s.findCartDocs(ctx, bson.M{"user_id": tx.buyerID})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ItemID)
	}
	sort.Strings(ids)

	items := make(map[string]*models.Item, len(ids))
	for _, id := range ids {
		var doc mongoItemDoc
		err := s.itemsColl.FindOneAndUpdate(
			ctx,
			bson.M{"_id": id},
			bson.M{"$inc": bson.M{"lock_seq": 1}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				continue
			}
			return nil, err
		}
		item, err := itemDocToModel(doc)
		if err != nil {
			return nil, err
		}
		items[id] = item
	}

	out := make([]models.CartEntry, 0, len(docs))
	for _, d := range docs {
		item, ok := items[d.ItemID]
		if !ok {
			continue
		}
		out = append(out, models.CartEntry{
			ID:        d.ID,
			UserID:    d.UserID,
			ItemID:    d.ItemID,
			CreatedAt: d.CreatedAt,
			Item:      *item,
		})
	}
	return out, nil
}

func (tx *mongoTx) Item(ctx context.Context, id string) (*models.Item, error) {
	return tx.store.GetItem(ctx, id)
}

func (tx *mongoTx) MarkSold(ctx context.Context, itemID string, buyer *models.User) error {
	res, err := tx.store.itemsColl.UpdateOne(ctx, bson.M{"_id": itemID}, bson.M{"$set": bson.M{
		"status":         string(models.StatusSold),
		"buyer_id":       buyer.ID,
		"buyer_username": buyer.Username,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *mongoTx) DeleteCartEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.store.cartColl.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}, "user_id": tx.buyerID})
	return err
}
