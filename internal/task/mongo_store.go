package task

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	xerrors "CareerCopilot/internal/errors"
	"CareerCopilot/internal/protocol"
)

// MongoStoreConfig 描述 MongoDB 任务存储的连接参数。
type MongoStoreConfig struct {
	URI        string
	Database   string
	Collection string
}

// MongoStore 将任务状态保存在 MongoDB 文档集合中。
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// taskDoc 是任务在集合中的文档形态，_type 为文档判别字段。
type taskDoc struct {
	ID                  string              `bson:"_id"`
	Type                string              `bson:"_type"`
	SessionID           string              `bson:"session_id,omitempty"`
	UserID              string              `bson:"user_id,omitempty"`
	Skill               string              `bson:"skill,omitempty"`
	Message             protocol.Message    `bson:"message"`
	AcceptedOutputModes []string            `bson:"accepted_modes,omitempty"`
	Metadata            map[string]any      `bson:"metadata,omitempty"`
	Status              Status              `bson:"status"`
	Progress            float64             `bson:"progress"`
	Attempts            int                 `bson:"attempts"`
	MaxRetries          int                 `bson:"max_retries"`
	LastError           string              `bson:"last_error,omitempty"`
	ErrorCode           string              `bson:"error_code,omitempty"`
	Result              *ExecutionResult    `bson:"result,omitempty"`
	CreatedAt           int64               `bson:"created_at"`
	UpdatedAt           int64               `bson:"updated_at"`
}

// NewMongoStore 创建 MongoDB 任务存储。
func NewMongoStore(ctx context.Context, cfg MongoStoreConfig) (*MongoStore, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MongoDB URI 不能为空")
	}
	database := cfg.Database
	if database == "" {
		database = "career_copilot"
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "tasks"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MongoDB 失败")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MongoDB")
	}

	coll := client.Database(database).Collection(collection)
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "session_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建任务索引失败")
	}
	return &MongoStore{client: client, coll: coll}, nil
}

// Create 插入新的任务文档。
func (s *MongoStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	if _, err := s.coll.InsertOne(ctx, toTaskDoc(task)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MongoStore) Get(ctx context.Context, id string) (*Task, error) {
	var doc taskDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if stdErrors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return fromTaskDoc(&doc), nil
}

// Claim 以原子更新的方式领取任务。
func (s *MongoStore) Claim(ctx context.Context, id string) (*Task, error) {
	filter := bson.M{
		"_id":    id,
		"status": bson.M{"$in": []Status{StatusPending, StatusFailed}},
		"$expr":  bson.M{"$lt": bson.A{"$attempts", "$max_retries"}},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     StatusWorking,
			"updated_at": time.Now().Unix(),
			"last_error": "",
			"error_code": "",
		},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc taskDoc
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return fromTaskDoc(&doc), nil
	}
	if !stdErrors.Is(err, mongo.ErrNoDocuments) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取任务失败")
	}

	// 没有命中更新条件时回查原因。
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	switch task.Status {
	case StatusCompleted:
		return task, ErrTaskCompleted
	case StatusCanceled:
		return task, ErrTaskCanceled
	case StatusWorking:
		return task, ErrTaskConflict
	default:
		if task.Attempts >= task.MaxRetries {
			return task, ErrTaskExhausted
		}
		return task, ErrTaskConflict
	}
}

// MarkCompleted 将任务标记为成功。
func (s *MongoStore) MarkCompleted(ctx context.Context, id string, result ExecutionResult) error {
	filter := bson.M{"_id": id, "status": bson.M{"$ne": StatusCanceled}}
	update := bson.M{"$set": bson.M{
		"status":     StatusCompleted,
		"progress":   1.0,
		"result":     result,
		"last_error": "",
		"error_code": "",
		"updated_at": time.Now().Unix(),
	}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if res.MatchedCount == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if task.Status == StatusCanceled {
			return ErrTaskCanceled
		}
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 将任务标记为失败。
func (s *MongoStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	filter := bson.M{"_id": id, "status": bson.M{"$ne": StatusCanceled}}
	update := bson.M{"$set": bson.M{
		"status":     StatusFailed,
		"last_error": lastError,
		"error_code": string(code),
		"updated_at": time.Now().Unix(),
	}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if res.MatchedCount == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if task.Status == StatusCanceled {
			return ErrTaskCanceled
		}
		return ErrTaskNotFound
	}
	return nil
}

// MarkCanceled 取消尚未终态的任务。
func (s *MongoStore) MarkCanceled(ctx context.Context, id string, reason string) error {
	filter := bson.M{"_id": id, "status": bson.M{"$in": []Status{StatusPending, StatusWorking}}}
	update := bson.M{"$set": bson.M{
		"status":     StatusCanceled,
		"last_error": reason,
		"error_code": string(CodeTaskCanceled),
		"updated_at": time.Now().Unix(),
	}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消任务失败")
	}
	if res.MatchedCount == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		switch task.Status {
		case StatusCompleted:
			return ErrTaskCompleted
		case StatusCanceled:
			return nil
		default:
			return ErrTaskConflict
		}
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MongoStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	sortOrder := -1
	if opts.Order == SortByUpdatedAsc {
		sortOrder = 1
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: sortOrder}, {Key: "created_at", Value: sortOrder}, {Key: "_id", Value: sortOrder}}).
		SetSkip(int64(opts.Offset)).
		SetLimit(int64(opts.Limit))

	cursor, err := s.coll.Find(ctx, buildMongoFilter(opts), findOpts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer cursor.Close(ctx)

	tasks := make([]*Task, 0, opts.Limit)
	for cursor.Next(ctx) {
		var doc taskDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务文档失败")
		}
		tasks = append(tasks, fromTaskDoc(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MongoStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: buildMongoFilter(opts)}},
		bson.D{{Key: "$group", Value: bson.M{
			"_id":    "$status",
			"count":  bson.M{"$sum": 1},
			"oldest": bson.M{"$min": "$updated_at"},
			"newest": bson.M{"$max": "$updated_at"},
		}}},
	}
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	defer cursor.Close(ctx)

	var stats TaskStats
	for cursor.Next(ctx) {
		var group struct {
			Status Status `bson:"_id"`
			Count  int    `bson:"count"`
			Oldest int64  `bson:"oldest"`
			Newest int64  `bson:"newest"`
		}
		if err := cursor.Decode(&group); err != nil {
			return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析统计结果失败")
		}
		stats.Total += group.Count
		switch group.Status {
		case StatusPending:
			stats.Pending = group.Count
		case StatusWorking:
			stats.Working = group.Count
		case StatusCompleted:
			stats.Completed = group.Count
		case StatusFailed:
			stats.Failed = group.Count
		case StatusCanceled:
			stats.Canceled = group.Count
		}
		if group.Newest > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = group.Newest
		}
		if stats.OldestUpdatedAt == 0 || (group.Oldest != 0 && group.Oldest < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = group.Oldest
		}
	}
	if err := cursor.Err(); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 断开 MongoDB 连接。
func (s *MongoStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func buildMongoFilter(opts ListOptions) bson.M {
	filter := bson.M{"_type": "task"}
	if len(opts.Statuses) > 0 {
		filter["status"] = bson.M{"$in": opts.Statuses}
	}
	if opts.SessionID != "" {
		filter["session_id"] = opts.SessionID
	}
	if opts.UserID != "" {
		filter["user_id"] = opts.UserID
	}
	if opts.Skill != "" {
		filter["skill"] = opts.Skill
	}
	updated := bson.M{}
	if opts.UpdatedGTE > 0 {
		updated["$gte"] = opts.UpdatedGTE
	}
	if opts.UpdatedLTE > 0 {
		updated["$lte"] = opts.UpdatedLTE
	}
	if len(updated) > 0 {
		filter["updated_at"] = updated
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			filter["result"] = bson.M{"$exists": true, "$ne": nil}
		} else {
			filter["result"] = bson.M{"$in": bson.A{nil}}
		}
	}
	if opts.Query != "" {
		pattern := bson.M{"$regex": opts.Query, "$options": "i"}
		filter["$or"] = bson.A{
			bson.M{"_id": pattern},
			bson.M{"skill": pattern},
			bson.M{"user_id": pattern},
			bson.M{"message.parts.text": pattern},
			bson.M{"last_error": pattern},
			bson.M{"result.reply": pattern},
		}
	}
	return filter
}

func toTaskDoc(task *Task) *taskDoc {
	return &taskDoc{
		ID:                  task.ID,
		Type:                "task",
		SessionID:           task.SessionID,
		UserID:              task.UserID,
		Skill:               task.Skill,
		Message:             task.Message,
		AcceptedOutputModes: task.AcceptedOutputModes,
		Metadata:            task.Metadata,
		Status:              task.Status,
		Progress:            task.Progress,
		Attempts:            task.Attempts,
		MaxRetries:          task.MaxRetries,
		LastError:           task.LastError,
		ErrorCode:           task.ErrorCode,
		Result:              task.Result,
		CreatedAt:           task.CreatedAt,
		UpdatedAt:           task.UpdatedAt,
	}
}

func fromTaskDoc(doc *taskDoc) *Task {
	return &Task{
		ID:                  doc.ID,
		SessionID:           doc.SessionID,
		UserID:              doc.UserID,
		Skill:               doc.Skill,
		Message:             doc.Message,
		AcceptedOutputModes: doc.AcceptedOutputModes,
		Metadata:            doc.Metadata,
		Status:              doc.Status,
		Progress:            doc.Progress,
		Attempts:            doc.Attempts,
		MaxRetries:          doc.MaxRetries,
		LastError:           doc.LastError,
		ErrorCode:           doc.ErrorCode,
		Result:              doc.Result,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
	}
}

var _ Store = (*MongoStore)(nil)
