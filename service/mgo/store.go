package mgo

import (
	"context"
	"errors"
	"time"

	"PPRealtime/data/database"
	"PPRealtime/service/chat"
	"PPRealtime/service/store"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	tableUsers        = "users"
	tableRooms        = "conversations"
	tableParticipants = "conversation_participants"
	tableMessages     = "messages"
)

type userDoc struct {
	ID       string `bson:"_id"`
	Username string `bson:"username"`
}

type roomDoc struct {
	ID           string    `bson:"_id"`
	OwnerID      string    `bson:"owner_id"`
	Title        string    `bson:"title"`
	Public       bool      `bson:"is_public"`
	TokenCount   int       `bson:"token_count"`
	MessageCount int       `bson:"message_count"`
	SummarizedAt int       `bson:"summarized_at"`
	CreatedAt    time.Time `bson:"created_at"`
}

type messageDoc struct {
	ID         string    `bson:"_id"`
	RoomID     string    `bson:"conversation_id"`
	Seq        int       `bson:"seq"`
	SenderID   string    `bson:"sender_id"`
	Role       string    `bson:"role"`
	Kind       string    `bson:"message_type"`
	Content    string    `bson:"content"`
	ParentID   string    `bson:"parent_message_id,omitempty"`
	TokenCount int       `bson:"token_count"`
	Truncated  bool      `bson:"truncated"`
	CreatedAt  time.Time `bson:"created_at"`
}

func (d messageDoc) message() chat.Message {
	return chat.Message{
		ID: d.ID, RoomID: d.RoomID, SenderID: d.SenderID,
		Role: chat.Role(d.Role), Kind: chat.MessageKind(d.Kind),
		Content: d.Content, ParentID: d.ParentID,
		TokenCount: d.TokenCount, Truncated: d.Truncated, CreatedAt: d.CreatedAt,
	}
}

func participantKey(roomID, userID string) string { return roomID + "/" + userID }

// Store is the document-database Backend. Messages carry a per-conversation
// sequence taken from the conversation's message_count.
type Store struct {
	conf         store.Conf
	users        database.Table
	rooms        database.Table
	participants database.Table
	messages     database.Table
}

// NewStore resolves collections through db on every call, so the store keeps
// working across reconnects and reports database.ErrUnavailable in between.
func NewStore(db database.DBFunc, conf store.Conf) *Store {
	return &Store{
		conf:         conf.Normalized(),
		users:        database.NewTable(db, tableUsers),
		rooms:        database.NewTable(db, tableRooms),
		participants: database.NewTable(db, tableParticipants),
		messages:     database.NewTable(db, tableMessages),
	}
}

var _ store.Backend = (*Store)(nil)

// EnsureIndexes creates the indexes history and participant lookups rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	messages, err := s.messages.Collection()
	if err != nil {
		return err
	}
	participants, err := s.participants.Collection()
	if err != nil {
		return err
	}
	_, err = messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		return pkgerrors.Wrap(err, "index messages")
	}
	_, err = participants.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	})
	return pkgerrors.Wrap(err, "index participants")
}

func (s *Store) now() time.Time { return s.conf.Clock().UTC().Truncate(time.Millisecond) }

func (s *Store) PutUser(ctx context.Context, u chat.User) error {
	users, err := s.users.Collection()
	if err != nil {
		return err
	}
	_, err = users.UpdateByID(ctx, u.ID,
		bson.M{"$set": bson.M{"username": u.Username}}, options.Update().SetUpsert(true))
	return pkgerrors.Wrap(err, "put user")
}

func (s *Store) LookupUser(ctx context.Context, userID string) (chat.User, error) {
	users, err := s.users.Collection()
	if err != nil {
		return chat.User{}, err
	}
	var d userDoc
	err = users.FindOne(ctx, bson.M{"_id": userID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.User{}, store.ErrUserNotFound
	}
	if err != nil {
		return chat.User{}, pkgerrors.Wrap(err, "lookup user")
	}
	return chat.User{ID: d.ID, Username: d.Username}, nil
}

func (s *Store) CreateRoom(ctx context.Context, r store.Room) (store.Room, error) {
	if err := r.Normalize(s.now()); err != nil {
		return store.Room{}, err
	}
	rooms, err := s.rooms.Collection()
	if err != nil {
		return store.Room{}, err
	}
	_, err = rooms.InsertOne(ctx, roomDoc{
		ID: r.ID, OwnerID: r.OwnerID, Title: r.Title, Public: r.Public, CreatedAt: r.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return store.Room{}, store.ErrRoomExists
	}
	if err != nil {
		return store.Room{}, pkgerrors.Wrap(err, "create conversation")
	}
	if err := s.upsertParticipant(ctx, r.ID, r.OwnerID, r.CreatedAt, nil); err != nil {
		return store.Room{}, pkgerrors.Wrap(err, "add owner")
	}
	return r, nil
}

func (s *Store) getRoom(ctx context.Context, roomID string) (roomDoc, error) {
	var d roomDoc
	rooms, err := s.rooms.Collection()
	if err != nil {
		return d, err
	}
	err = rooms.FindOne(ctx, bson.M{"_id": roomID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return d, store.ErrRoomNotFound
	}
	return d, pkgerrors.Wrap(err, "get conversation")
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (store.Room, error) {
	d, err := s.getRoom(ctx, roomID)
	if err != nil {
		return store.Room{}, err
	}
	return store.Room{
		ID: d.ID, OwnerID: d.OwnerID, Title: d.Title, Public: d.Public,
		TokenCount: d.TokenCount, MessageCount: d.MessageCount, CreatedAt: d.CreatedAt,
	}, nil
}

func (s *Store) AuthorizeRoomAccess(ctx context.Context, u chat.User, roomID string) (bool, error) {
	d, err := s.getRoom(ctx, roomID)
	if errors.Is(err, store.ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if d.OwnerID == u.ID || d.Public {
		return true, nil
	}
	participants, err := s.participants.Collection()
	if err != nil {
		return false, err
	}
	n, err := participants.CountDocuments(ctx,
		bson.M{"_id": participantKey(roomID, u.ID)}, options.Count().SetLimit(1))
	if err != nil {
		return false, pkgerrors.Wrap(err, "authorize conversation access")
	}
	return n > 0, nil
}

// upsertParticipant inserts the participant if missing. readAt, when set,
// only moves last_read_at forward.
func (s *Store) upsertParticipant(ctx context.Context, roomID, userID string, at time.Time, readAt *time.Time) error {
	update := bson.M{"$setOnInsert": bson.M{
		"conversation_id": roomID,
		"user_id":         userID,
		"joined_at":       at,
	}}
	if readAt != nil {
		update["$max"] = bson.M{"last_read_at": *readAt}
	}
	participants, err := s.participants.Collection()
	if err != nil {
		return err
	}
	_, err = participants.UpdateByID(ctx, participantKey(roomID, userID), update,
		options.Update().SetUpsert(true))
	return err
}

func (s *Store) EnsureParticipant(ctx context.Context, u chat.User, roomID string) error {
	if _, err := s.getRoom(ctx, roomID); err != nil {
		return &chat.ParticipantError{UserID: u.ID, RoomID: roomID, Err: err}
	}
	if err := s.upsertParticipant(ctx, roomID, u.ID, s.now(), nil); err != nil {
		return &chat.ParticipantError{UserID: u.ID, RoomID: roomID, Err: err}
	}
	return nil
}

func (s *Store) MarkRead(ctx context.Context, roomID, userID string, at time.Time) error {
	if _, err := s.getRoom(ctx, roomID); err != nil {
		return err
	}
	at = at.UTC().Truncate(time.Millisecond)
	return pkgerrors.Wrap(s.upsertParticipant(ctx, roomID, userID, at, &at), "mark read")
}

func (s *Store) PersistMessage(ctx context.Context, nm chat.NewMessage) (chat.Message, error) {
	rooms, err := s.rooms.Collection()
	if err != nil {
		return chat.Message{}, err
	}
	messages, err := s.messages.Collection()
	if err != nil {
		return chat.Message{}, err
	}
	var room roomDoc
	err = rooms.FindOneAndUpdate(ctx,
		bson.M{"_id": nm.RoomID},
		bson.M{"$inc": bson.M{"message_count": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Message{}, store.ErrRoomNotFound
	}
	if err != nil {
		return chat.Message{}, pkgerrors.Wrap(err, "reserve message sequence")
	}

	d := messageDoc{
		ID:         uuid.NewString(),
		RoomID:     nm.RoomID,
		Seq:        room.MessageCount,
		SenderID:   nm.SenderID,
		Role:       string(nm.Role),
		Kind:       string(nm.Kind),
		Content:    nm.Content,
		ParentID:   nm.ParentID,
		TokenCount: nm.TokenCount,
		Truncated:  nm.Truncated,
		CreatedAt:  s.now(),
	}
	if _, err := messages.InsertOne(ctx, d); err != nil {
		return chat.Message{}, pkgerrors.Wrap(err, "persist message")
	}
	return d.message(), nil
}

func (s *Store) AppendTokenCount(ctx context.Context, roomID string, delta int) error {
	rooms, err := s.rooms.Collection()
	if err != nil {
		return err
	}
	res, err := rooms.UpdateByID(ctx, roomID, bson.M{"$inc": bson.M{"token_count": delta}})
	if err != nil {
		return pkgerrors.Wrap(err, "append token count")
	}
	if res.MatchedCount == 0 {
		return store.ErrRoomNotFound
	}
	return nil
}

func (s *Store) MessageExists(ctx context.Context, roomID, messageID string) (bool, error) {
	messages, err := s.messages.Collection()
	if err != nil {
		return false, err
	}
	n, err := messages.CountDocuments(ctx,
		bson.M{"_id": messageID, "conversation_id": roomID}, options.Count().SetLimit(1))
	return n > 0, pkgerrors.Wrap(err, "message exists")
}

func (s *Store) FetchHistoryPage(ctx context.Context, roomID string, limit, offset int) ([]chat.Message, error) {
	if limit <= 0 {
		return []chat.Message{}, nil
	}
	messages, err := s.messages.Collection()
	if err != nil {
		return nil, err
	}
	cur, err := messages.Find(ctx, bson.M{"conversation_id": roomID},
		options.Find().
			SetSort(bson.D{{Key: "seq", Value: -1}}).
			SetSkip(int64(offset)).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "fetch history")
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, pkgerrors.Wrap(err, "decode history")
	}
	out := make([]chat.Message, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = d.message()
	}
	return out, nil
}

func (s *Store) RoomOwner(ctx context.Context, roomID string) (string, error) {
	d, err := s.getRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	return d.OwnerID, nil
}

// MaybeResummarize claims the summary milestone with a compare-and-set on
// summarized_at so concurrent gateways do not both retitle.
func (s *Store) MaybeResummarize(ctx context.Context, roomID string) (chat.SummaryResult, error) {
	d, err := s.getRoom(ctx, roomID)
	if err != nil {
		return chat.SummaryResult{}, err
	}
	if !store.DueForSummary(d.MessageCount, d.SummarizedAt, s.conf.SummaryEvery) {
		return chat.SummaryResult{}, nil
	}
	rooms, err := s.rooms.Collection()
	if err != nil {
		return chat.SummaryResult{}, err
	}
	messages, err := s.messages.Collection()
	if err != nil {
		return chat.SummaryResult{}, err
	}
	res, err := rooms.UpdateOne(ctx,
		bson.M{"_id": roomID, "summarized_at": d.SummarizedAt},
		bson.M{"$set": bson.M{"summarized_at": d.MessageCount}})
	if err != nil {
		return chat.SummaryResult{}, pkgerrors.Wrap(err, "claim summary")
	}
	if res.ModifiedCount == 0 || d.Title != store.DefaultTitle {
		return chat.SummaryResult{}, nil
	}

	var first messageDoc
	err = messages.FindOne(ctx,
		bson.M{"conversation_id": roomID, "role": string(chat.RoleUser)},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: 1}}),
	).Decode(&first)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.SummaryResult{}, nil
	}
	if err != nil {
		return chat.SummaryResult{}, pkgerrors.Wrap(err, "first user message")
	}
	title := store.DeriveTitle(first.Content)
	if title == "" || title == d.Title {
		return chat.SummaryResult{}, nil
	}
	res, err = rooms.UpdateOne(ctx,
		bson.M{"_id": roomID, "title": store.DefaultTitle},
		bson.M{"$set": bson.M{"title": title}})
	if err != nil {
		return chat.SummaryResult{}, pkgerrors.Wrap(err, "set title")
	}
	if res.ModifiedCount == 0 {
		return chat.SummaryResult{}, nil
	}
	return chat.SummaryResult{TitleChanged: true, NewTitle: title}, nil
}
