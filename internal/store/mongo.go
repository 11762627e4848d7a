package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// SessionsCollection keeps one document per session with its messages
// embedded, the same shape the dashboard tooling reads.
const SessionsCollection = "chatsessions"

type sessionDoc struct {
	ID        bson.ObjectID `bson:"_id"`
	AnonID1   string        `bson:"anonId1"`
	AnonID2   string        `bson:"anonId2"`
	Emotion   string        `bson:"emotion"`
	StartedAt time.Time     `bson:"startedAt"`
	Messages  []messageDoc  `bson:"messages"`
}

type messageDoc struct {
	FromAnonID string    `bson:"fromAnonId"`
	Message    string    `bson:"message,omitempty"`
	Timestamp  time.Time `bson:"timestamp"`
	Voice      string    `bson:"voice,omitempty"`
	Doodle     string    `bson:"doodle,omitempty"`
}

// Mongo stores sessions as documents in a single collection.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongo connects to uri and verifies the connection.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store: mongo connection failed: %w", err)
	}

	return &Mongo{
		client: client,
		coll:   client.Database(database).Collection(SessionsCollection),
	}, nil
}

func (m *Mongo) CreateSession(ctx context.Context, s NewSession) (string, error) {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	doc := sessionDoc{
		ID:        bson.NewObjectID(),
		AnonID1:   s.AnonID1,
		AnonID2:   s.AnonID2,
		Emotion:   s.Emotion,
		StartedAt: s.StartedAt,
		Messages:  []messageDoc{},
	}
	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("store: insert session: %w", err)
	}
	return doc.ID.Hex(), nil
}

func (m *Mongo) AppendMessage(ctx context.Context, sessionID string, msg Message) error {
	oid, err := bson.ObjectIDFromHex(sessionID)
	if err != nil {
		return fmt.Errorf("store: append to %s: %w", sessionID, ErrNotFound)
	}

	update := bson.M{"$push": bson.M{"messages": messageDoc{
		FromAnonID: msg.FromAnonID,
		Message:    msg.Text,
		Timestamp:  msg.Timestamp,
		Voice:      msg.Voice,
		Doodle:     msg.Doodle,
	}}}
	res, err := m.coll.UpdateByID(ctx, oid, update)
	if err != nil {
		return fmt.Errorf("store: push message: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("store: append to %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

func (m *Mongo) DeleteSession(ctx context.Context, sessionID string) error {
	oid, err := bson.ObjectIDFromHex(sessionID)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", sessionID, ErrNotFound)
	}
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("store: delete %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

func (m *Mongo) Recent(ctx context.Context, sessionID string, n int) (*Session, error) {
	oid, err := bson.ObjectIDFromHex(sessionID)
	if err != nil {
		return nil, ErrNotFound
	}

	opts := options.FindOne().SetProjection(bson.M{"messages": bson.M{"$slice": -n}})
	var doc sessionDoc
	err = m.coll.FindOne(ctx, bson.M{"_id": oid}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find session: %w", err)
	}

	s := &Session{
		ID:        doc.ID.Hex(),
		Emotion:   doc.Emotion,
		AnonID1:   doc.AnonID1,
		AnonID2:   doc.AnonID2,
		StartedAt: doc.StartedAt,
		Messages:  make([]Message, 0, len(doc.Messages)),
	}
	for _, md := range doc.Messages {
		s.Messages = append(s.Messages, Message{
			FromAnonID: md.FromAnonID,
			Text:       md.Message,
			Timestamp:  md.Timestamp,
			Voice:      md.Voice,
			Doodle:     md.Doodle,
		})
	}
	return s, nil
}

func (m *Mongo) CountSessions(ctx context.Context) (int64, error) {
	n, err := m.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("store: count sessions: %w", err)
	}
	return n, nil
}

func (m *Mongo) CountMessages(ctx context.Context) (int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: bson.D{
				{Key: "$size", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$messages", bson.A{}}}}},
			}}}},
		}}},
	}

	cur, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("store: aggregate messages: %w", err)
	}
	var out []struct {
		Total int64 `bson:"total"`
	}
	if err := cur.All(ctx, &out); err != nil {
		return 0, fmt.Errorf("store: decode message count: %w", err)
	}
	if len(out) == 0 {
		return 0, nil
	}
	return out[0].Total, nil
}

func (m *Mongo) SessionsByEmotion(ctx context.Context) (map[string]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$emotion"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cur, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("store: aggregate emotions: %w", err)
	}
	var rows []struct {
		Emotion string `bson:"_id"`
		Count   int64  `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("store: decode emotion groups: %w", err)
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Emotion] = r.Count
	}
	return out, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
