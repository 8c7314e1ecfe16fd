// Package mongostore is the external Store implementation
// (database.mode = "external"), backed by a real MongoDB deployment via
// go.mongodb.org/mongo-driver. Grounded on original_source's
// db/mongo_manager.py: same five collections, same secondary indexes,
// same filter vocabulary, now expressed as typed bson.M instead of a
// dynamic Python dict.
package mongostore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mindfulent/memoryengine/internal/memory"
	"github.com/mindfulent/memoryengine/internal/store"
)

const (
	collMessages  = "conversation_history"
	collSummaries = "summaries"
	collIndex     = "memory_index"
	collMetadata  = "metadata"
	collProfile   = "user_profile"
)

// Config names the external MongoDB to connect to.
type Config struct {
	URI            string
	DatabaseName   string
	ConnectTimeout time.Duration
}

// Store is a MongoDB-backed store.Store implementation.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials cfg.URI, pings the server, and returns a Store bound to
// cfg.DatabaseName. Callers must call Close when done.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, store.Unavailable("mongo connect", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, store.Unavailable("mongo ping", err)
	}

	dbName := cfg.DatabaseName
	if dbName == "" {
		dbName = "claude_memory"
	}
	return &Store{client: client, db: client.Database(dbName)}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the secondary indexes original_source's
// mongo_manager.py documents for these five collections. Idempotent:
// CreateMany on an index that already exists with the same keys is a
// no-op on the server.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	messages := s.db.Collection(collMessages)
	if _, err := messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "scope", Value: 1}}},
		{Keys: bson.D{{Key: "tags", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "text", Value: "text"}}},
	}); err != nil {
		return store.Failure("ensure conversation_history indexes", err)
	}

	summaries := s.db.Collection(collSummaries)
	if _, err := summaries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
		{Keys: bson.D{{Key: "topic_id", Value: 1}}},
		{Keys: bson.D{{Key: "scope", Value: 1}}},
		{Keys: bson.D{{Key: "tags", Value: 1}}},
	}); err != nil {
		return store.Failure("ensure summaries indexes", err)
	}

	idx := s.db.Collection(collIndex)
	if _, err := idx.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "source_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "scope", Value: 1}}},
		{Keys: bson.D{{Key: "source_collection", Value: 1}}},
	}); err != nil {
		return store.Failure("ensure memory_index indexes", err)
	}

	metadata := s.db.Collection(collMetadata)
	if _, err := metadata.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "scope_name", Value: 1}},
		Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"type": "scope"}),
	}); err != nil {
		return store.Failure("ensure metadata indexes", err)
	}

	profile := s.db.Collection(collProfile)
	if _, err := profile.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return store.Failure("ensure user_profile indexes", err)
	}
	return nil
}

// --- conversation_history ---

func (s *Store) InsertMessage(ctx context.Context, m memory.ConversationMessage) (string, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if _, err := s.db.Collection(collMessages).InsertOne(ctx, m); err != nil {
		return "", classifyWrite("insert message", err)
	}
	return m.ID, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*memory.ConversationMessage, error) {
	var m memory.ConversationMessage
	err := s.db.Collection(collMessages).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, store.Failure("get message", err)
	}
	return &m, nil
}

func (s *Store) UpdateMessage(ctx context.Context, m memory.ConversationMessage) error {
	_, err := s.db.Collection(collMessages).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return store.Failure("update message", err)
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) (bool, error) {
	res, err := s.db.Collection(collMessages).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, store.Failure("delete message", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *Store) FindMessages(ctx context.Context, f store.Filter, opts store.FindOptions) ([]memory.ConversationMessage, error) {
	filter := filterToBSON(f)
	findOpts := toFindOptions(opts)
	cur, err := s.db.Collection(collMessages).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, store.Failure("find messages", err)
	}
	defer cur.Close(ctx)
	var out []memory.ConversationMessage
	if err := cur.All(ctx, &out); err != nil {
		return nil, store.Failure("decode messages", err)
	}
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, f store.Filter) (int, error) {
	n, err := s.db.Collection(collMessages).CountDocuments(ctx, filterToBSON(f))
	if err != nil {
		return 0, store.Failure("count messages", err)
	}
	return int(n), nil
}

func (s *Store) DeleteMessages(ctx context.Context, f store.Filter) ([]string, error) {
	matched, err := s.FindMessages(ctx, f, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(matched))
	for i, m := range matched {
		ids[i] = m.ID
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.db.Collection(collMessages).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return nil, store.Failure("delete messages", err)
	}
	return ids, nil
}

// --- summaries ---

func (s *Store) InsertSummary(ctx context.Context, sm memory.Summary) (string, error) {
	if sm.ID == "" {
		sm.ID = uuid.New().String()
	}
	if _, err := s.db.Collection(collSummaries).InsertOne(ctx, sm); err != nil {
		return "", classifyWrite("insert summary", err)
	}
	return sm.ID, nil
}

func (s *Store) GetSummary(ctx context.Context, id string) (*memory.Summary, error) {
	var sm memory.Summary
	err := s.db.Collection(collSummaries).FindOne(ctx, bson.M{"_id": id}).Decode(&sm)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, store.Failure("get summary", err)
	}
	return &sm, nil
}

func (s *Store) FindSummaries(ctx context.Context, f store.Filter, opts store.FindOptions) ([]memory.Summary, error) {
	cur, err := s.db.Collection(collSummaries).Find(ctx, filterToBSON(f), toFindOptions(opts))
	if err != nil {
		return nil, store.Failure("find summaries", err)
	}
	defer cur.Close(ctx)
	var out []memory.Summary
	if err := cur.All(ctx, &out); err != nil {
		return nil, store.Failure("decode summaries", err)
	}
	return out, nil
}

func (s *Store) DeleteSummary(ctx context.Context, id string) (bool, error) {
	res, err := s.db.Collection(collSummaries).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, store.Failure("delete summary", err)
	}
	return res.DeletedCount > 0, nil
}

// --- memory_index ---

func (s *Store) InsertIndexEntry(ctx context.Context, e memory.VectorIndexEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if _, err := s.db.Collection(collIndex).InsertOne(ctx, e); err != nil {
		return "", classifyWrite("insert index entry", err)
	}
	return e.ID, nil
}

func (s *Store) ReplaceIndexEntryBySource(ctx context.Context, e memory.VectorIndexEntry) error {
	opts := options.Replace().SetUpsert(true)
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.Collection(collIndex).ReplaceOne(ctx, bson.M{"source_id": e.SourceID}, e, opts)
	if err != nil {
		return store.Failure("replace index entry", err)
	}
	return nil
}

func (s *Store) FindIndexEntries(ctx context.Context, f store.Filter) ([]memory.VectorIndexEntry, error) {
	cur, err := s.db.Collection(collIndex).Find(ctx, filterToBSON(f))
	if err != nil {
		return nil, store.Failure("find index entries", err)
	}
	defer cur.Close(ctx)
	var out []memory.VectorIndexEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, store.Failure("decode index entries", err)
	}
	return out, nil
}

func (s *Store) DeleteIndexEntryBySource(ctx context.Context, sourceID string) (bool, error) {
	res, err := s.db.Collection(collIndex).DeleteOne(ctx, bson.M{"source_id": sourceID})
	if err != nil {
		return false, store.Failure("delete index entry", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *Store) DeleteIndexEntries(ctx context.Context, f store.Filter) (int, error) {
	res, err := s.db.Collection(collIndex).DeleteMany(ctx, filterToBSON(f))
	if err != nil {
		return 0, store.Failure("delete index entries", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) CountIndexEntries(ctx context.Context, f store.Filter) (int, error) {
	n, err := s.db.Collection(collIndex).CountDocuments(ctx, filterToBSON(f))
	if err != nil {
		return 0, store.Failure("count index entries", err)
	}
	return int(n), nil
}

// --- metadata (scopes) ---

func (s *Store) InsertScope(ctx context.Context, sc memory.Scope) (*memory.Scope, error) {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	doc := scopeDoc(sc)
	if _, err := s.db.Collection(collMetadata).InsertOne(ctx, doc); err != nil {
		return nil, classifyWrite("insert scope", err)
	}
	return &sc, nil
}

func (s *Store) GetScopeByName(ctx context.Context, name string) (*memory.Scope, error) {
	var doc bson.M
	err := s.db.Collection(collMetadata).FindOne(ctx, bson.M{"type": "scope", "scope_name": name}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, store.Failure("get scope", err)
	}
	sc := scopeFromDoc(doc)
	return &sc, nil
}

func (s *Store) FindScopes(ctx context.Context) ([]memory.Scope, error) {
	cur, err := s.db.Collection(collMetadata).Find(ctx, bson.M{"type": "scope"})
	if err != nil {
		return nil, store.Failure("find scopes", err)
	}
	defer cur.Close(ctx)
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, store.Failure("decode scopes", err)
	}
	out := make([]memory.Scope, len(docs))
	for i, d := range docs {
		out[i] = scopeFromDoc(d)
	}
	return out, nil
}

func (s *Store) DeactivateScope(ctx context.Context, name string) (bool, error) {
	res, err := s.db.Collection(collMetadata).UpdateOne(ctx,
		bson.M{"type": "scope", "scope_name": name},
		bson.M{"$set": bson.M{"active": false}},
	)
	if err != nil {
		return false, store.Failure("deactivate scope", err)
	}
	return res.ModifiedCount > 0, nil
}

// --- user_profile ---

func (s *Store) UpsertProfileItem(ctx context.Context, item memory.UserProfileItem) (string, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	opts := options.Update().SetUpsert(true)
	_, err := s.db.Collection(collProfile).UpdateOne(ctx,
		bson.M{"user_id": item.UserID, "key": item.Key},
		bson.M{"$set": item},
		opts,
	)
	if err != nil {
		return "", classifyWrite("upsert profile item", err)
	}
	return item.ID, nil
}

func (s *Store) FindProfileItems(ctx context.Context, userID string) ([]memory.UserProfileItem, error) {
	cur, err := s.db.Collection(collProfile).Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, store.Failure("find profile items", err)
	}
	defer cur.Close(ctx)
	var out []memory.UserProfileItem
	if err := cur.All(ctx, &out); err != nil {
		return nil, store.Failure("decode profile items", err)
	}
	return out, nil
}

// --- aggregation ---

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	totalMessages, err := s.db.Collection(collMessages).CountDocuments(ctx, bson.M{})
	if err != nil {
		return store.Stats{}, store.Failure("count messages", err)
	}
	totalSummaries, err := s.db.Collection(collSummaries).CountDocuments(ctx, bson.M{})
	if err != nil {
		return store.Stats{}, store.Failure("count summaries", err)
	}
	totalIndex, err := s.db.Collection(collIndex).CountDocuments(ctx, bson.M{})
	if err != nil {
		return store.Stats{}, store.Failure("count index entries", err)
	}

	byScope := make(map[string]int)
	cur, err := s.db.Collection(collMessages).Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$scope"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return store.Stats{}, store.Failure("aggregate messages by scope", err)
	}
	defer cur.Close(ctx)
	var rows []struct {
		ID    string `bson:"_id"`
		Count int    `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return store.Stats{}, store.Failure("decode scope aggregation", err)
	}
	for _, r := range rows {
		byScope[r.ID] = r.Count
	}

	stats, err := s.db.RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}}).DecodeBytes()
	var footprint int64
	if err == nil {
		if v, ok := stats.Lookup("dataSize").AsInt64OK(); ok {
			footprint = v
		}
	}

	return store.Stats{
		TotalMessages:       int(totalMessages),
		TotalSummaries:      int(totalSummaries),
		MessagesByScope:     byScope,
		TotalIndexEntries:   int(totalIndex),
		TotalFootprintBytes: footprint,
	}, nil
}

func (s *Store) TopTags(ctx context.Context, n int) ([]store.TagCount, error) {
	cur, err := s.db.Collection(collMessages).Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$unwind", Value: "$tags"}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$tags"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
		bson.D{{Key: "$limit", Value: n}},
	})
	if err != nil {
		return nil, store.Failure("aggregate top tags", err)
	}
	defer cur.Close(ctx)
	var rows []struct {
		ID    string `bson:"_id"`
		Count int    `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, store.Failure("decode top tags", err)
	}
	out := make([]store.TagCount, len(rows))
	for i, r := range rows {
		out[i] = store.TagCount{Tag: r.ID, Count: r.Count}
	}
	return out, nil
}

// --- filter translation ---

// filterToBSON translates store.Filter's small Mongo-flavored query
// language into an actual bson.M, 1:1 with what original_source's
// mock_mongo.py and mongo_manager.py interpret by hand.
func filterToBSON(f store.Filter) bson.M {
	out := bson.M{}
	for field, want := range f {
		switch w := want.(type) {
		case store.In:
			out[field] = bson.M{"$in": w.Values}
		case store.Regex:
			out[field] = bson.M{"$regex": w.Pattern, "$options": "i"}
		case store.RangeMatch:
			out[field] = bson.M{"$gte": w.From, "$lte": w.To}
		default:
			out[field] = want
		}
	}
	return out
}

func toFindOptions(opts store.FindOptions) *options.FindOptions {
	o := options.Find()
	if opts.SortField != "" {
		dir := 1
		if opts.SortDesc {
			dir = -1
		}
		o.SetSort(bson.D{{Key: opts.SortField, Value: dir}})
	}
	if opts.Limit > 0 {
		o.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		o.SetSkip(int64(opts.Offset))
	}
	return o
}

func scopeDoc(sc memory.Scope) bson.M {
	return bson.M{
		"_id":              sc.ID,
		"type":             "scope",
		"scope_name":       sc.ScopeName,
		"description":      sc.Description,
		"created_at":       sc.CreatedAt,
		"active":           sc.Active,
		"related_keywords": sc.RelatedKeywords,
		"parent_scope":     sc.ParentScope,
	}
}

func scopeFromDoc(d bson.M) memory.Scope {
	sc := memory.Scope{}
	if v, ok := d["_id"].(string); ok {
		sc.ID = v
	}
	if v, ok := d["scope_name"].(string); ok {
		sc.ScopeName = v
	}
	if v, ok := d["description"].(string); ok {
		sc.Description = v
	}
	if v, ok := d["created_at"].(time.Time); ok {
		sc.CreatedAt = v
	}
	if v, ok := d["active"].(bool); ok {
		sc.Active = v
	}
	if v, ok := d["parent_scope"].(string); ok {
		sc.ParentScope = v
	}
	return sc
}

// classifyWrite folds a Mongo duplicate-key error into ErrStoreIntegrity
// and everything else into ErrStoreError.
func classifyWrite(op string, err error) error {
	var we mongo.WriteException
	if isWriteException(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return store.Integrity(op, err)
			}
		}
	}
	return store.Failure(op, err)
}

func isWriteException(err error, out *mongo.WriteException) bool {
	if we, ok := err.(mongo.WriteException); ok {
		*out = we
		return true
	}
	return false
}

