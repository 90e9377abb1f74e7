// ABOUTME: MongoDB implementation of the Store interface
// ABOUTME: One document per conversation with the message sequence embedded

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const conversationsCollection = "conversations"

// MongoStore implements the Store interface on a MongoDB collection.
// Each mutation is a single-document update, which MongoDB applies atomically.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *slog.Logger
	now    func() time.Time
}

type mongoAttachment struct {
	URL  string `bson:"url"`
	Name string `bson:"name,omitempty"`
}

type mongoReaction struct {
	UserID string `bson:"userId"`
	Emoji  string `bson:"emoji"`
}

type mongoMessage struct {
	ID         string           `bson:"id"`
	SenderID   string           `bson:"senderId"`
	Content    string           `bson:"content"`
	Kind       string           `bson:"kind"`
	Attachment *mongoAttachment `bson:"attachment,omitempty"`
	Reactions  []mongoReaction  `bson:"reactions"`
	Timestamp  time.Time        `bson:"timestamp"`
}

type mongoPreview struct {
	Content   string    `bson:"content"`
	Kind      string    `bson:"kind"`
	SenderID  string    `bson:"senderId"`
	Timestamp time.Time `bson:"timestamp"`
}

type mongoConversation struct {
	ID           string         `bson:"_id"`
	Kind         string         `bson:"kind"`
	Participants []string       `bson:"participants"`
	GroupRef     *string        `bson:"groupRef,omitempty"`
	Messages     []mongoMessage `bson:"messages"`
	LastMessage  *mongoPreview  `bson:"lastMessage,omitempty"`
	UnreadCount  int            `bson:"unreadCount"`
	CreatedAt    time.Time      `bson:"createdAt"`
	SortAt       time.Time      `bson:"sortAt"`
}

// NewMongoStore connects to MongoDB, verifies the connection and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	logger := slog.Default().With("component", "store")

	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if database == "" {
		return nil, errors.New("mongo database is required")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(conversationsCollection),
		logger: logger,
		now:    time.Now,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	logger.Info("MongoDB store initialized", "database", database)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sortAt", Value: -1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "participants", Value: 1}}},
		{Keys: bson.D{{Key: "messages.id", Value: 1}}},
	})
	return err
}

// Close disconnects the client
func (s *MongoStore) Close() error {
	s.logger.Info("closing MongoDB store")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks the server connection
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return unavailable("pinging mongo", err)
	}
	return nil
}

// mongoTime truncates to the millisecond precision BSON dates carry, so the
// values handed back to callers equal what a later read returns.
func (s *MongoStore) mongoTime() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// CreateConversation inserts a new conversation document.
func (s *MongoStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.mongoTime()
	}

	participants := conv.Participants
	if participants == nil {
		participants = []string{}
	}

	doc := mongoConversation{
		ID:           conv.ID,
		Kind:         string(conv.Kind),
		Participants: participants,
		GroupRef:     conv.GroupRef,
		Messages:     []mongoMessage{},
		CreatedAt:    conv.CreatedAt,
		SortAt:       conv.CreatedAt,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return unavailable("inserting conversation", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "kind", conv.Kind, "participants", len(participants))
	return nil
}

// GetConversation retrieves a conversation with its full message sequence.
func (s *MongoStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var doc mongoConversation
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("finding conversation", err)
	}
	conv := doc.toConversation()
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	return conv, nil
}

// summaryProjection leaves the message sequence on the server.
var summaryProjection = bson.M{"messages": 0}

// ListConversations returns summaries ordered by most recent activity.
func (s *MongoStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	opts := options.Find().
		SetProjection(summaryProjection).
		SetSort(bson.D{{Key: "sortAt", Value: -1}, {Key: "_id", Value: 1}})

	cur, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, unavailable("listing conversations", err)
	}
	defer cur.Close(ctx)

	convs := []*Conversation{}
	for cur.Next(ctx) {
		var doc mongoConversation
		if err := cur.Decode(&doc); err != nil {
			return nil, unavailable("decoding conversation", err)
		}
		convs = append(convs, doc.toConversation())
	}
	if err := cur.Err(); err != nil {
		return nil, unavailable("iterating conversations", err)
	}
	return convs, nil
}

// FindDirectConversation returns the oldest direct conversation containing both a and b.
func (s *MongoStore) FindDirectConversation(ctx context.Context, a, b string) (*Conversation, error) {
	filter := bson.M{
		"kind":         string(ConversationDirect),
		"participants": bson.M{"$all": bson.A{a, b}},
	}
	opts := options.FindOne().
		SetProjection(summaryProjection).
		SetSort(bson.D{{Key: "createdAt", Value: 1}})

	var doc mongoConversation
	err := s.coll.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("finding direct conversation", err)
	}
	return doc.toConversation(), nil
}

// UpdateParticipants replaces the participant set.
func (s *MongoStore) UpdateParticipants(ctx context.Context, id string, participants []string) error {
	if participants == nil {
		participants = []string{}
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"participants": participants}})
	if err != nil {
		return unavailable("updating participants", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation document.
func (s *MongoStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return unavailable("deleting conversation", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage pushes the message, overwrites the preview and increments the
// unread counter in one pipeline update. The server assigns the timestamp
// inside that update, clamped past the previous message, so array order,
// timestamp order and the preview agree however appends interleave.
func (s *MongoStore) AppendMessage(ctx context.Context, conversationID string, msg *Message) (*Message, error) {
	out := *msg
	out.ID = uuid.New().String()
	out.Reactions = []Reaction{}
	if msg.Attachment != nil {
		att := *msg.Attachment
		out.Attachment = &att
	}

	// Client values go through $literal so content such as "$x" is never
	// read as a field path.
	fields := bson.M{
		"id":        out.ID,
		"senderId":  out.SenderID,
		"content":   out.Content,
		"kind":      string(out.Kind),
		"reactions": bson.A{},
	}
	if out.Attachment != nil {
		att := bson.M{"url": out.Attachment.URL}
		if out.Attachment.Name != "" {
			att["name"] = out.Attachment.Name
		}
		fields["attachment"] = att
	}
	previewFields := bson.M{
		"content":  out.Content,
		"kind":     string(out.Kind),
		"senderId": out.SenderID,
	}

	prevTS := bson.M{"$ifNull": bson.A{"$lastMessage.timestamp", time.Unix(0, 0).UTC()}}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"_appendAt": bson.M{"$cond": bson.A{
				bson.M{"$gt": bson.A{"$$NOW", prevTS}},
				"$$NOW",
				bson.M{"$add": bson.A{prevTS, 1}},
			}},
		}}},
		{{Key: "$set", Value: bson.M{
			"messages": bson.M{"$concatArrays": bson.A{
				bson.M{"$ifNull": bson.A{"$messages", bson.A{}}},
				bson.A{bson.M{"$mergeObjects": bson.A{
					bson.M{"$literal": fields},
					bson.M{"timestamp": "$_appendAt"},
				}}},
			}},
			"lastMessage": bson.M{"$mergeObjects": bson.A{
				bson.M{"$literal": previewFields},
				bson.M{"timestamp": "$_appendAt"},
			}},
			"sortAt":      "$_appendAt",
			"unreadCount": bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$unreadCount", 0}}, 1}},
		}}},
		{{Key: "$unset", Value: "_appendAt"}},
	}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"messages": bson.M{"$slice": -1}})

	var doc struct {
		Messages []mongoMessage `bson:"messages"`
	}
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": conversationID}, pipeline, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("appending message", err)
	}
	if len(doc.Messages) != 1 || doc.Messages[0].ID != out.ID {
		return nil, fmt.Errorf("appending message: stored message %s not returned", out.ID)
	}
	out.Timestamp = doc.Messages[0].Timestamp.UTC()

	s.logger.Debug("appended message",
		"conversation_id", conversationID,
		"message_id", out.ID,
		"sender", out.SenderID)
	return &out, nil
}

// AppendReaction pushes a reaction onto the matching embedded message.
func (s *MongoStore) AppendReaction(ctx context.Context, conversationID, messageID string, reaction Reaction) error {
	filter := bson.M{"_id": conversationID, "messages.id": messageID}
	update := bson.M{"$push": bson.M{"messages.$.reactions": mongoReaction{UserID: reaction.UserID, Emoji: reaction.Emoji}}}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return unavailable("appending reaction", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRead resets the unread counter.
func (s *MongoStore) MarkRead(ctx context.Context, id string) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"unreadCount": 0}})
	if err != nil {
		return unavailable("marking read", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *mongoConversation) toConversation() *Conversation {
	conv := &Conversation{
		ID:           d.ID,
		Kind:         ConversationKind(d.Kind),
		Participants: d.Participants,
		GroupRef:     d.GroupRef,
		UnreadCount:  d.UnreadCount,
		CreatedAt:    d.CreatedAt.UTC(),
	}
	if conv.Participants == nil {
		conv.Participants = []string{}
	}
	if d.LastMessage != nil {
		conv.LastMessage = &Preview{
			Content:   d.LastMessage.Content,
			Kind:      MessageKind(d.LastMessage.Kind),
			SenderID:  d.LastMessage.SenderID,
			Timestamp: d.LastMessage.Timestamp.UTC(),
		}
	}
	for _, m := range d.Messages {
		msg := Message{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			Kind:      MessageKind(m.Kind),
			Reactions: make([]Reaction, 0, len(m.Reactions)),
			Timestamp: m.Timestamp.UTC(),
		}
		if m.Attachment != nil {
			msg.Attachment = &Attachment{URL: m.Attachment.URL, Name: m.Attachment.Name}
		}
		for _, r := range m.Reactions {
			msg.Reactions = append(msg.Reactions, Reaction(r))
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return conv
}
