package docstore

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	xerrors "CareerCopilot/internal/errors"
)

// MongoConfig 描述 MongoDB 文档存储的连接参数。
type MongoConfig struct {
	URI      string
	Database string
}

// MongoStore 将领域文档保存到 MongoDB 的各个集合中。
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore 创建 MongoDB 文档存储。
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MongoDB URI 不能为空")
	}
	database := cfg.Database
	if database == "" {
		database = "career_copilot"
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MongoDB 失败")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MongoDB")
	}
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

// SaveProfile 以用户 ID 为键幂等更新画像。
func (s *MongoStore) SaveProfile(ctx context.Context, profile Profile) error {
	if err := ValidateUserID(profile.UserID); err != nil {
		return err
	}
	profile.UpdatedAt = time.Now().Unix()
	doc := bson.M{
		"_type":      TypeProfile,
		"user_id":    profile.UserID,
		"headline":   profile.Headline,
		"summary":    profile.Summary,
		"skills":     profile.Skills,
		"years_of_experience": profile.YearsOfExp,
		"locations":  profile.Locations,
		"resume":     profile.Resume,
		"updated_at": profile.UpdatedAt,
	}
	_, err := s.db.Collection("profiles").UpdateOne(ctx,
		bson.M{"user_id": profile.UserID},
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存画像失败")
	}
	return nil
}

// GetProfile 返回指定用户的画像。
func (s *MongoStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	var profile Profile
	err := s.db.Collection("profiles").FindOne(ctx, bson.M{"user_id": userID}).Decode(&profile)
	if err != nil {
		if stdErrors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询画像失败")
	}
	return &profile, nil
}

// SaveJobs 批量写入职位。
func (s *MongoStore) SaveJobs(ctx context.Context, jobs []Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	docs := make([]any, 0, len(jobs))
	for _, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		docs = append(docs, withType(job, TypeJob))
	}
	res, err := s.db.Collection("jobs").InsertMany(ctx, docs)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量写入职位失败")
	}
	return len(res.InsertedIDs), nil
}

// ListJobs 返回最新发布的职位。
func (s *MongoStore) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	return findAll[Job](ctx, s.db.Collection("jobs"), bson.M{}, limit)
}

// SaveMatches 批量写入匹配结果。
func (s *MongoStore) SaveMatches(ctx context.Context, matches []Match) (int, error) {
	if len(matches) == 0 {
		return 0, nil
	}
	now := time.Now().Unix()
	docs := make([]any, 0, len(matches))
	for _, match := range matches {
		if match.ID == "" {
			match.ID = uuid.NewString()
		}
		if match.CreatedAt == 0 {
			match.CreatedAt = now
		}
		docs = append(docs, withType(match, TypeMatch))
	}
	res, err := s.db.Collection("matches").InsertMany(ctx, docs)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量写入匹配结果失败")
	}
	return len(res.InsertedIDs), nil
}

// ListMatches 返回指定用户的匹配结果。
func (s *MongoStore) ListMatches(ctx context.Context, userID string, limit int) ([]Match, error) {
	return findAll[Match](ctx, s.db.Collection("matches"), byUser(userID), limit)
}

// SaveApplication 写入一份投递材料。
func (s *MongoStore) SaveApplication(ctx context.Context, app Application) (string, error) {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.CreatedAt == 0 {
		app.CreatedAt = time.Now().Unix()
	}
	if _, err := s.db.Collection("applications").InsertOne(ctx, withType(app, TypeApplication)); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入投递材料失败")
	}
	return app.ID, nil
}

// ListApplications 返回指定用户的投递材料。
func (s *MongoStore) ListApplications(ctx context.Context, userID string, limit int) ([]Application, error) {
	return findAll[Application](ctx, s.db.Collection("applications"), byUser(userID), limit)
}

// SaveInterviewReport 写入一份面试报告。
func (s *MongoStore) SaveInterviewReport(ctx context.Context, report InterviewReport) (string, error) {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.CreatedAt == 0 {
		report.CreatedAt = time.Now().Unix()
	}
	if _, err := s.db.Collection("interview_reports").InsertOne(ctx, withType(report, TypeInterviewReport)); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入面试报告失败")
	}
	return report.ID, nil
}

// ListInterviewReports 返回指定用户的面试报告。
func (s *MongoStore) ListInterviewReports(ctx context.Context, userID string, limit int) ([]InterviewReport, error) {
	return findAll[InterviewReport](ctx, s.db.Collection("interview_reports"), byUser(userID), limit)
}

// SaveOutreachMessage 写入一条触达消息。
func (s *MongoStore) SaveOutreachMessage(ctx context.Context, msg OutreachMessage) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	if _, err := s.db.Collection("outreach_messages").InsertOne(ctx, withType(msg, TypeOutreachMessage)); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入触达消息失败")
	}
	return msg.ID, nil
}

// ListOutreachMessages 返回指定用户的触达消息。
func (s *MongoStore) ListOutreachMessages(ctx context.Context, userID string, limit int) ([]OutreachMessage, error) {
	return findAll[OutreachMessage](ctx, s.db.Collection("outreach_messages"), byUser(userID), limit)
}

// SaveConversation 以会话 ID 为键幂等更新会话记录。
func (s *MongoStore) SaveConversation(ctx context.Context, conv Conversation) error {
	if conv.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	now := time.Now().Unix()
	if conv.CreatedAt == 0 {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	doc := withType(conv, TypeConversation)
	// created_at 只在首次写入时生效，避免更新覆盖创建时间。
	delete(doc, "created_at")
	_, err := s.db.Collection("conversations").UpdateOne(ctx,
		bson.M{"_id": conv.ID},
		bson.M{
			"$set":         doc,
			"$setOnInsert": bson.M{"created_at": conv.CreatedAt},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败")
	}
	return nil
}

// ListConversations 按创建顺序返回会话记录。
func (s *MongoStore) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	conversations, err := findAll[Conversation](ctx, s.db.Collection("conversations"), bson.M{}, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(conversations)-1; i < j; i, j = i+1, j-1 {
		conversations[i], conversations[j] = conversations[j], conversations[i]
	}
	return conversations, nil
}

// AppendMessage 追加一条会话消息。
func (s *MongoStore) AppendMessage(ctx context.Context, msg Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	if _, err := s.db.Collection("messages").InsertOne(ctx, withType(msg, TypeMessage)); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话消息失败")
	}
	return msg.ID, nil
}

// ListMessages 按时间正序返回指定会话的消息。
func (s *MongoStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	filter := bson.M{}
	if conversationID != "" {
		filter["conversation_id"] = conversationID
	}
	messages, err := findAll[Message](ctx, s.db.Collection("messages"), filter, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// AppendEvent 追加一条会话事件。
func (s *MongoStore) AppendEvent(ctx context.Context, event Event) (string, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}
	if _, err := s.db.Collection("events").InsertOne(ctx, withType(event, TypeEvent)); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件失败")
	}
	return event.ID, nil
}

// ListEvents 返回指定会话的事件。
func (s *MongoStore) ListEvents(ctx context.Context, conversationID string, limit int) ([]Event, error) {
	filter := bson.M{}
	if conversationID != "" {
		filter["conversation_id"] = conversationID
	}
	events, err := findAll[Event](ctx, s.db.Collection("events"), filter, limit)
	if err != nil {
		return nil, err
	}
	// 事件按时间正序返回，便于前端按发生顺序渲染。
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Close 断开 MongoDB 连接。
func (s *MongoStore) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func byUser(userID string) bson.M {
	if userID == "" {
		return bson.M{}
	}
	return bson.M{"user_id": userID}
}

// withType 在文档序列化时追加 _type 判别字段。
func withType(doc any, docType string) bson.M {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return bson.M{"_type": docType}
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return bson.M{"_type": docType}
	}
	m["_type"] = docType
	return m
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter bson.M, limit int) ([]T, error) {
	limit = normalizeLimit(limit)
	cursor, err := coll.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询文档失败")
	}
	defer cursor.Close(ctx)

	var out []T
	if err := cursor.All(ctx, &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析文档失败")
	}
	return out, nil
}

var _ Store = (*MongoStore)(nil)
