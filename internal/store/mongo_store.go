package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/ops-relay/internal/apperr"
	"github.com/fathima-sithara/ops-relay/internal/models"
)

const (
	collConversations = "conversations"
	collMessages      = "messages"
	collNotifications = "notifications"
	collCounters      = "counters"

	notificationCounter = "notifications"
)

type MongoStore struct {
	client *mongo.Client
	convs  *mongo.Collection
	msgs   *mongo.Collection
	notifs *mongo.Collection
	ctrs   *mongo.Collection
	clock  *Clock
}

var _ Store = (*MongoStore)(nil)

func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// NewMongoStore wraps db. client may be nil when the caller owns it.
func NewMongoStore(client *mongo.Client, db *mongo.Database, clock *Clock) *MongoStore {
	if clock == nil {
		clock = NewClock(nil)
	}
	return &MongoStore{
		client: client,
		convs:  db.Collection(collConversations),
		msgs:   db.Collection(collMessages),
		notifs: db.Collection(collNotifications),
		ctrs:   db.Collection(collCounters),
		clock:  clock,
	}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.convs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "last_message_at", Value: -1}}, Options: options.Index().SetName("last_message_idx")},
		{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetName("user_idx")},
	}); err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}
	if _, err := s.msgs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
		Options: options.Index().SetName("conv_created_idx"),
	}); err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	if _, err := s.notifs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "seq", Value: 1}},
		Options: options.Index().SetName("seq_idx").SetUnique(true),
	}); err != nil {
		return fmt.Errorf("notification indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateConversation(ctx context.Context, userID, category string) (*models.Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", apperr.ErrInvalidArgument)
	}
	now := s.clock.Now()
	c := &models.Conversation{
		ID:            uuid.NewString(),
		UserID:        userID,
		Status:        models.StatusWaiting,
		Priority:      models.PriorityNormal,
		Category:      category,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	if _, err := s.convs.InsertOne(ctx, c); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	if err := s.convs.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.ErrConversationNotFound
		}
		return nil, err
	}
	return &c, nil
}

// AppendMessage bumps the conversation first so an unknown id never leaves
// an orphan message behind.
func (s *MongoStore) AppendMessage(ctx context.Context, conversationID, senderID string, role models.SenderRole, body string) (*models.ChatMessage, error) {
	m := &models.ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderRole:     role,
		Body:           body,
		CreatedAt:      s.clock.Now(),
	}
	update := bson.M{
		"$set": bson.M{"last_message_at": m.CreatedAt},
		"$inc": bson.M{"message_count": 1},
	}
	if err := s.convs.FindOneAndUpdate(ctx, bson.M{"_id": conversationID}, update).Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.ErrConversationNotFound
		}
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	filter := bson.M{"_id": m.ID}
	if _, err := s.msgs.UpdateOne(ctx, filter, bson.M{"$setOnInsert": m}, options.Update().SetUpsert(true)); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (s *MongoStore) ListConversations(ctx context.Context, f models.ConversationFilter) ([]*models.Conversation, error) {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}
	if f.Search != "" {
		rx := regexFilter(f.Search)
		filter["$or"] = bson.A{
			bson.M{"_id": rx},
			bson.M{"user_id": rx},
			bson.M{"category": rx},
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}, {Key: "created_at", Value: -1}})
	cur, err := s.convs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*models.Conversation{}
	for cur.Next(ctx) {
		var c models.Conversation
		if err := cur.Decode(&c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, cur.Err()
}

func regexFilter(q string) bson.M {
	return bson.M{"$regex": regexp.QuoteMeta(q), "$options": "i"}
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID string) ([]*models.ChatMessage, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.msgs.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*models.ChatMessage{}
	for cur.Next(ctx) {
		var m models.ChatMessage
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, cur.Err()
}

func (s *MongoStore) setConversation(ctx context.Context, id string, set bson.M) (*models.Conversation, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var c models.Conversation
	if err := s.convs.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.ErrConversationNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, id string, status models.ConversationStatus) (*models.Conversation, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: status %q", apperr.ErrInvalidArgument, status)
	}
	return s.setConversation(ctx, id, bson.M{"status": status})
}

func (s *MongoStore) UpdatePriority(ctx context.Context, id string, p models.Priority) (*models.Conversation, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: priority %q", apperr.ErrInvalidArgument, p)
	}
	return s.setConversation(ctx, id, bson.M{"priority": p})
}

func (s *MongoStore) AssignOperator(ctx context.Context, id, operatorID string) (*models.Conversation, error) {
	return s.setConversation(ctx, id, bson.M{"assigned_to": operatorID})
}

func (s *MongoStore) DeleteMessage(ctx context.Context, messageID string) (*models.ChatMessage, error) {
	var m models.ChatMessage
	if err := s.msgs.FindOneAndDelete(ctx, bson.M{"_id": messageID}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.ErrMessageNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *MongoStore) DeleteConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	if err := s.convs.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.ErrConversationNotFound
		}
		return nil, err
	}
	if _, err := s.msgs.DeleteMany(ctx, bson.M{"conversation_id": id}); err != nil {
		return nil, fmt.Errorf("delete messages: %w", err)
	}
	return &c, nil
}

func unreadFilter(conversationID string, viewer models.SenderRole) bson.M {
	return bson.M{
		"conversation_id": conversationID,
		"sender_role":     bson.M{"$ne": viewer},
		"read":            false,
	}
}

func (s *MongoStore) MarkRead(ctx context.Context, conversationID string, viewer models.SenderRole) (int, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	res, err := s.msgs.UpdateMany(ctx, unreadFilter(conversationID, viewer), bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoStore) UnreadCount(ctx context.Context, conversationID string, viewer models.SenderRole) (int, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	n, err := s.msgs.CountDocuments(ctx, unreadFilter(conversationID, viewer))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *MongoStore) UnreadCounts(ctx context.Context, viewer models.SenderRole, ownerID string) (map[string]int, error) {
	match := bson.M{"sender_role": bson.M{"$ne": viewer}, "read": false}
	if ownerID != "" {
		ids, err := s.conversationIDsOf(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return map[string]int{}, nil
		}
		match["conversation_id"] = bson.M{"$in": ids}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{"_id": "$conversation_id", "n": bson.M{"$sum": 1}}}},
	}
	cur, err := s.msgs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := make(map[string]int)
	for cur.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
			N  int    `bson:"n"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out[row.ID] = row.N
	}
	return out, cur.Err()
}

func (s *MongoStore) conversationIDsOf(ctx context.Context, ownerID string) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cur, err := s.convs.Find(ctx, bson.M{"user_id": ownerID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var ids []string
	for cur.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		ids = append(ids, row.ID)
	}
	return ids, cur.Err()
}

func (s *MongoStore) nextSeq(ctx context.Context, name string) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var row struct {
		Seq int64 `bson:"seq"`
	}
	err := s.ctrs.FindOneAndUpdate(ctx, bson.M{"_id": name}, bson.M{"$inc": bson.M{"seq": 1}}, opts).Decode(&row)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return row.Seq, nil
}

func (s *MongoStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	seq, err := s.nextSeq(ctx, notificationCounter)
	if err != nil {
		return err
	}
	n.ID = uuid.NewString()
	n.Seq = seq
	n.CreatedAt = s.clock.Now()
	n.Read = false
	if _, err := s.notifs.InsertOne(ctx, n); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *MongoStore) ListNotifications(ctx context.Context, sinceID string, limit int) ([]*models.Notification, error) {
	limit = clampLimit(limit)
	since := int64(-1)
	if sinceID != "" {
		var anchor models.Notification
		err := s.notifs.FindOne(ctx, bson.M{"_id": sinceID}).Decode(&anchor)
		switch {
		case err == nil:
			since = anchor.Seq
		case errors.Is(err, mongo.ErrNoDocuments):
		default:
			return nil, err
		}
	}

	var (
		filter = bson.M{}
		opts   = options.Find().SetLimit(int64(limit))
	)
	if since >= 0 {
		filter["seq"] = bson.M{"$gt": since}
		opts.SetSort(bson.D{{Key: "seq", Value: 1}})
	} else {
		opts.SetSort(bson.D{{Key: "seq", Value: -1}})
	}
	cur, err := s.notifs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*models.Notification{}
	for cur.Next(ctx) {
		var n models.Notification
		if err := cur.Decode(&n); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if since < 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *MongoStore) MarkNotificationRead(ctx context.Context, id string) (*models.Notification, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var n models.Notification
	if err := s.notifs.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"read": true}}, opts).Decode(&n); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.ErrNotificationNotFound
		}
		return nil, err
	}
	return &n, nil
}

func (s *MongoStore) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	res, err := s.notifs.UpdateMany(ctx, bson.M{"read": false}, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoStore) CountUnreadNotifications(ctx context.Context) (int, error) {
	n, err := s.notifs.CountDocuments(ctx, bson.M{"read": false})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
