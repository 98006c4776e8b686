package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/whisper/dm-chat/internal/chat"
)

const (
	usersCollection    = "users"
	messagesCollection = "messages"
)

type userDoc struct {
	ID         primitive.ObjectID `bson:"_id"`
	FullName   string             `bson:"fullName"`
	Email      string             `bson:"email"`
	ProfilePic string             `bson:"profilePic"`
	LastSeen   *time.Time         `bson:"lastSeen"`
	CreatedAt  time.Time          `bson:"createdAt"`
}

func (d *userDoc) toUser() chat.User {
	return chat.User{
		ID:         d.ID.Hex(),
		FullName:   d.FullName,
		Email:      d.Email,
		ProfilePic: d.ProfilePic,
		LastSeen:   d.LastSeen,
		CreatedAt:  d.CreatedAt,
	}
}

type replyDoc struct {
	MessageID primitive.ObjectID `bson:"messageId"`
	Text      string             `bson:"text,omitempty"`
	SenderID  primitive.ObjectID `bson:"senderId,omitempty"`
}

type messageDoc struct {
	ID         primitive.ObjectID `bson:"_id"`
	SenderID   primitive.ObjectID `bson:"senderId"`
	ReceiverID primitive.ObjectID `bson:"receiverId"`
	Text       string             `bson:"text,omitempty"`
	Image      string             `bson:"image,omitempty"`
	ReplyTo    *replyDoc          `bson:"replyTo"`
	CreatedAt  time.Time          `bson:"createdAt"`
	UpdatedAt  time.Time          `bson:"updatedAt"`
	SeenAt     *time.Time         `bson:"seenAt"`
}

func (d *messageDoc) toMessage() chat.Message {
	m := chat.Message{
		ID:         d.ID.Hex(),
		SenderID:   d.SenderID.Hex(),
		ReceiverID: d.ReceiverID.Hex(),
		Text:       d.Text,
		Image:      d.Image,
		CreatedAt:  d.CreatedAt,
		SeenAt:     d.SeenAt,
	}
	if d.ReplyTo != nil {
		m.ReplyTo = &chat.ReplyTo{MessageID: d.ReplyTo.MessageID.Hex(), Text: d.ReplyTo.Text}
		if !d.ReplyTo.SenderID.IsZero() {
			m.ReplyTo.SenderID = d.ReplyTo.SenderID.Hex()
		}
	}
	return m
}

// Mongo implements Store on MongoDB using the collections and field names of
// the original document schema.
type Mongo struct {
	db       *mongo.Database
	users    *mongo.Collection
	messages *mongo.Collection
}

// NewMongo creates a store on db.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		db:       db,
		users:    db.Collection(usersCollection),
		messages: db.Collection(messagesCollection),
	}
}

// OpenMongo connects, pings and returns the named database.
func OpenMongo(ctx context.Context, uri, database string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store: ping mongo: %w", err)
	}
	return client.Database(database), nil
}

// EnsureIndexes creates the message lookup indexes.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "senderId", Value: 1}, {Key: "receiverId", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "receiverId", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("store: ensure indexes: %w", err)
	}
	return nil
}

// GetUser returns the public view of a user. Malformed ids are not found.
func (m *Mongo) GetUser(ctx context.Context, userID string) (*chat.User, error) {
	id, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, ErrNotFound
	}

	var doc userDoc
	err = m.users.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"password": 0})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %s: %w", userID, err)
	}
	u := doc.toUser()
	return &u, nil
}

// ListContacts returns every user except excludeUserID.
func (m *Mongo) ListContacts(ctx context.Context, excludeUserID string) ([]chat.User, error) {
	filter := bson.M{}
	if id, err := primitive.ObjectIDFromHex(excludeUserID); err == nil {
		filter["_id"] = bson.M{"$ne": id}
	}
	opts := options.Find().
		SetProjection(bson.M{"password": 0}).
		SetSort(bson.D{{Key: "fullName", Value: 1}})

	cursor, err := m.users.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("store: list contacts: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []userDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("store: list contacts: %w", err)
	}
	users := make([]chat.User, 0, len(docs))
	for i := range docs {
		users = append(users, docs[i].toUser())
	}
	return users, nil
}

// UpdateLastSeen sets or clears lastSeen.
func (m *Mongo) UpdateLastSeen(ctx context.Context, userID string, at *time.Time) error {
	id, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return ErrNotFound
	}
	var v interface{}
	if at != nil {
		v = at.UTC()
	}
	res, err := m.users.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"lastSeen": v}})
	if err != nil {
		return fmt.Errorf("store: update last seen %s: %w", userID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMessage inserts msg and fills in its ObjectID and CreatedAt.
func (m *Mongo) CreateMessage(ctx context.Context, msg *chat.Message) error {
	sender, err := primitive.ObjectIDFromHex(msg.SenderID)
	if err != nil {
		return fmt.Errorf("store: insert message: sender id %q: %w", msg.SenderID, ErrInvalidReference)
	}
	receiver, err := primitive.ObjectIDFromHex(msg.ReceiverID)
	if err != nil {
		return fmt.Errorf("store: insert message: receiver id %q: %w", msg.ReceiverID, ErrInvalidReference)
	}

	doc := messageDoc{
		ID:         primitive.NewObjectID(),
		SenderID:   sender,
		ReceiverID: receiver,
		Text:       msg.Text,
		Image:      msg.Image,
		CreatedAt:  msg.CreatedAt,
	}
	if msg.ID != "" {
		if id, err := primitive.ObjectIDFromHex(msg.ID); err == nil {
			doc.ID = id
		}
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	doc.UpdatedAt = doc.CreatedAt

	if msg.ReplyTo != nil {
		rid, err := primitive.ObjectIDFromHex(msg.ReplyTo.MessageID)
		if err != nil {
			return fmt.Errorf("store: insert message: reply id %q: %w", msg.ReplyTo.MessageID, ErrInvalidReference)
		}
		doc.ReplyTo = &replyDoc{MessageID: rid, Text: msg.ReplyTo.Text}
		if sid, err := primitive.ObjectIDFromHex(msg.ReplyTo.SenderID); err == nil {
			doc.ReplyTo.SenderID = sid
		}
	}

	if _, err := m.messages.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	msg.ID = doc.ID.Hex()
	msg.CreatedAt = doc.CreatedAt
	return nil
}

// Conversation returns the messages between a and b, oldest first.
func (m *Mongo) Conversation(ctx context.Context, a, b string) ([]chat.Message, error) {
	aID, errA := primitive.ObjectIDFromHex(a)
	bID, errB := primitive.ObjectIDFromHex(b)
	if errA != nil || errB != nil {
		return []chat.Message{}, nil
	}

	filter := bson.M{"$or": bson.A{
		bson.M{"senderId": aID, "receiverId": bID},
		bson.M{"senderId": bID, "receiverId": aID},
	}}
	cursor, err := m.messages.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("store: conversation: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("store: conversation: %w", err)
	}
	msgs := make([]chat.Message, 0, len(docs))
	for i := range docs {
		msgs = append(msgs, docs[i].toMessage())
	}
	return msgs, nil
}

// ChatPartners groups the user's messages by partner, keeps the newest one
// per partner and joins the partner's user document.
func (m *Mongo) ChatPartners(ctx context.Context, userID string) ([]chat.ChatPartner, error) {
	uid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return []chat.ChatPartner{}, nil
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": bson.A{bson.M{"senderId": uid}, bson.M{"receiverId": uid}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "createdAt", Value: -1}}}},
		{{Key: "$group", Value: bson.M{
			"_id": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$senderId", uid}}, "$receiverId", "$senderId",
			}},
			"text":      bson.M{"$first": "$text"},
			"image":     bson.M{"$first": "$image"},
			"createdAt": bson.M{"$first": "$createdAt"},
		}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         usersCollection,
			"localField":   "_id",
			"foreignField": "_id",
			"as":           "user",
		}}},
		{{Key: "$unwind", Value: "$user"}},
		{{Key: "$sort", Value: bson.D{{Key: "createdAt", Value: -1}}}},
	}

	cursor, err := m.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("store: chat partners: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Text      string    `bson:"text"`
		Image     string    `bson:"image"`
		CreatedAt time.Time `bson:"createdAt"`
		User      userDoc   `bson:"user"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("store: chat partners: %w", err)
	}

	partners := make([]chat.ChatPartner, 0, len(rows))
	for _, r := range rows {
		partners = append(partners, chat.ChatPartner{
			User: r.User.toUser(),
			LastMessage: chat.Summarize(&chat.Message{
				Text:      r.Text,
				Image:     r.Image,
				CreatedAt: r.CreatedAt,
			}),
		})
	}
	return partners, nil
}

// MarkSeen sets seenAt on the unseen messages from senderID to receiverID.
func (m *Mongo) MarkSeen(ctx context.Context, senderID, receiverID string, at time.Time) (int64, error) {
	sender, errS := primitive.ObjectIDFromHex(senderID)
	receiver, errR := primitive.ObjectIDFromHex(receiverID)
	if errS != nil || errR != nil {
		return 0, nil
	}

	res, err := m.messages.UpdateMany(ctx,
		bson.M{"senderId": sender, "receiverId": receiver, "seenAt": nil},
		bson.M{"$set": bson.M{"seenAt": at.UTC(), "updatedAt": at.UTC()}},
	)
	if err != nil {
		return 0, fmt.Errorf("store: mark seen: %w", err)
	}
	return res.ModifiedCount, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.db.Client().Disconnect(ctx)
}
