package docstore

import (
	"context"
	stdErrors "errors"
	"strings"
	"testing"
)

func TestValidateUserID(t *testing.T) {
	valid := []string{"alice", "user_01", "A1_b2"}
	for _, id := range valid {
		if err := ValidateUserID(id); err != nil {
			t.Errorf("expected %q to be valid: %v", id, err)
		}
	}
	invalid := []string{"", "user-1", "user 1", "user@x", strings.Repeat("a", 101)}
	for _, id := range invalid {
		if err := ValidateUserID(id); !stdErrors.Is(err, ErrInvalidUserID) {
			t.Errorf("expected %q to be invalid, got %v", id, err)
		}
	}
}

func TestMemoryStoreProfileUpsert(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.SaveProfile(ctx, Profile{UserID: "bad id"}); !stdErrors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user id, got %v", err)
	}

	if err := store.SaveProfile(ctx, Profile{UserID: "alice", Headline: "后端工程师"}); err != nil {
		t.Fatalf("save profile: %v", err)
	}
	if err := store.SaveProfile(ctx, Profile{UserID: "alice", Headline: "资深后端工程师", Skills: []string{"go"}}); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}

	profile, err := store.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.Headline != "资深后端工程师" || len(profile.Skills) != 1 {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if profile.UpdatedAt == 0 {
		t.Fatal("expected updated_at to be set")
	}

	if _, err := store.GetProfile(ctx, "nobody"); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreDocuments(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	n, err := store.SaveJobs(ctx, []Job{
		{Title: "Go 后端工程师", Company: "Acme"},
		{Title: "平台工程师", Company: "Globex"},
	})
	if err != nil || n != 2 {
		t.Fatalf("save jobs: n=%d err=%v", n, err)
	}
	jobs, err := store.ListJobs(ctx, 10)
	if err != nil || len(jobs) != 2 {
		t.Fatalf("list jobs: %d, %v", len(jobs), err)
	}
	if jobs[0].ID == "" {
		t.Fatal("expected generated job id")
	}

	if _, err := store.SaveMatches(ctx, []Match{
		{UserID: "alice", JobID: jobs[0].ID, Score: 0.91},
		{UserID: "bob", JobID: jobs[1].ID, Score: 0.42},
	}); err != nil {
		t.Fatalf("save matches: %v", err)
	}
	matches, err := store.ListMatches(ctx, "alice", 10)
	if err != nil || len(matches) != 1 {
		t.Fatalf("list matches for alice: %d, %v", len(matches), err)
	}
	if matches[0].CreatedAt == 0 {
		t.Fatal("expected created_at to be set")
	}

	appID, err := store.SaveApplication(ctx, Application{UserID: "alice", Resume: "定制简历"})
	if err != nil || appID == "" {
		t.Fatalf("save application: id=%q err=%v", appID, err)
	}
	apps, err := store.ListApplications(ctx, "alice", 10)
	if err != nil || len(apps) != 1 {
		t.Fatalf("list applications: %d, %v", len(apps), err)
	}

	if _, err := store.SaveInterviewReport(ctx, InterviewReport{UserID: "alice", Role: "后端", Feedback: "表达清晰"}); err != nil {
		t.Fatalf("save report: %v", err)
	}
	reports, err := store.ListInterviewReports(ctx, "alice", 10)
	if err != nil || len(reports) != 1 {
		t.Fatalf("list reports: %d, %v", len(reports), err)
	}

	if _, err := store.SaveOutreachMessage(ctx, OutreachMessage{UserID: "alice", Recipient: "hr@acme.io", Body: "您好"}); err != nil {
		t.Fatalf("save outreach: %v", err)
	}
	msgs, err := store.ListOutreachMessages(ctx, "alice", 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("list outreach: %d, %v", len(msgs), err)
	}
}

func TestMemoryStoreConversations(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.SaveConversation(ctx, Conversation{}); err == nil {
		t.Fatal("expected error for empty conversation id")
	}

	if err := store.SaveConversation(ctx, Conversation{ID: "c1", Name: "求职规划", Active: true}); err != nil {
		t.Fatalf("save conversation: %v", err)
	}
	if err := store.SaveConversation(ctx, Conversation{ID: "c2", Name: "面试准备", Active: true}); err != nil {
		t.Fatalf("save conversation: %v", err)
	}
	// 幂等更新保留创建时间，不产生重复记录。
	if err := store.SaveConversation(ctx, Conversation{ID: "c1", Name: "求职规划", Active: true, TaskIDs: []string{"t1"}}); err != nil {
		t.Fatalf("upsert conversation: %v", err)
	}

	conversations, err := store.ListConversations(ctx, 10)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(conversations))
	}
	if conversations[0].ID != "c1" || conversations[1].ID != "c2" {
		t.Fatalf("unexpected order: %+v", conversations)
	}
	if len(conversations[0].TaskIDs) != 1 || conversations[0].CreatedAt == 0 {
		t.Fatalf("unexpected upserted conversation: %+v", conversations[0])
	}

	userMsgID, err := store.AppendMessage(ctx, Message{ConversationID: "c1", Role: "user", Content: "帮我匹配职位", TaskID: "t1"})
	if err != nil || userMsgID == "" {
		t.Fatalf("append message: id=%q err=%v", userMsgID, err)
	}
	if _, err := store.AppendMessage(ctx, Message{ConversationID: "c1", Role: "agent", Content: "推荐了 2 个职位", ReplyTo: userMsgID}); err != nil {
		t.Fatalf("append reply: %v", err)
	}
	if _, err := store.AppendMessage(ctx, Message{ConversationID: "c2", Role: "user", Content: "其他会话"}); err != nil {
		t.Fatalf("append message: %v", err)
	}

	messages, err := store.ListMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != "user" || messages[1].ReplyTo != userMsgID {
		t.Fatalf("unexpected messages: %+v", messages)
	}
	if messages[0].CreatedAt == 0 {
		t.Fatal("expected created_at to be set")
	}
}

func TestMemoryStoreEvents(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, content := range []string{"创建会话", "发送消息", "任务完成"} {
		if _, err := store.AppendEvent(ctx, Event{ConversationID: "c1", Actor: "user", Content: content}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if _, err := store.AppendEvent(ctx, Event{ConversationID: "c2", Actor: "agent", Content: "其他会话"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	events, err := store.ListEvents(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Content != "创建会话" || events[2].Content != "任务完成" {
		t.Fatalf("unexpected event order: %+v", events)
	}
}
