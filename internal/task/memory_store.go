package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "CareerCopilot/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，主要用于测试与开发环境。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Claim 将任务状态更新为执行中并累加尝试次数。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch task.Status {
	case StatusCompleted:
		return cloneTask(task), ErrTaskCompleted
	case StatusCanceled:
		return cloneTask(task), ErrTaskCanceled
	case StatusWorking:
		return cloneTask(task), ErrTaskConflict
	}
	if task.Attempts >= task.MaxRetries {
		return cloneTask(task), ErrTaskExhausted
	}
	task.Status = StatusWorking
	task.Attempts++
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// MarkCompleted 记录成功结果。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, result ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status == StatusCanceled {
		return ErrTaskCanceled
	}
	task.Status = StatusCompleted
	task.Progress = 1
	task.Result = &result
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记任务失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status == StatusCanceled {
		return ErrTaskCanceled
	}
	task.Status = StatusFailed
	task.LastError = lastError
	task.ErrorCode = string(code)
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkCanceled 取消尚未终态的任务。已完成的任务不可取消，重复取消视为幂等。
func (m *MemoryStore) MarkCanceled(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	switch task.Status {
	case StatusCompleted:
		return ErrTaskCompleted
	case StatusCanceled:
		return nil
	case StatusFailed:
		return ErrTaskConflict
	}
	task.Status = StatusCanceled
	task.LastError = reason
	task.ErrorCode = string(CodeTaskCanceled)
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		results = append(results, cloneTask(task))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Task{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TaskStats{}
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		stats.Total++
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusWorking:
			stats.Working++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCanceled:
			stats.Canceled++
		}
		if task.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = task.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (task.UpdatedAt != 0 && task.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = task.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.SessionID != "" && task.SessionID != opts.SessionID {
		return false
	}
	if opts.UserID != "" && task.UserID != opts.UserID {
		return false
	}
	if opts.Skill != "" && task.Skill != opts.Skill {
		return false
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && taskHasResult(task) != *opts.HasResult {
		return false
	}
	if opts.Query != "" {
		needle := strings.ToLower(opts.Query)
		haystack := strings.ToLower(strings.Join([]string{
			task.ID, task.Skill, task.UserID, task.Message.Text(), task.LastError, taskResultText(task),
		}, "\n"))
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

func taskHasResult(task *Task) bool {
	if task == nil || task.Result == nil {
		return false
	}
	result := task.Result
	return result.Thought != "" || result.Reply != "" || len(result.Artifacts) > 0 || result.Observations != ""
}

func taskResultText(task *Task) string {
	if task == nil || task.Result == nil {
		return ""
	}
	return task.Result.Thought + "\n" + task.Result.Reply + "\n" + task.Result.Observations
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
