package task

import (
	xerrors "vector-llm/internal/errors"
)

// Status 表示任务在生命周期中的状态，只能单向前进：
// PENDING → STARTED → SUCCESS | FAILURE。
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusStarted, StatusSuccess, StatusFailure:
		return true
	default:
		return false
	}
}

// Result 保存一次任务执行的成功结果。
type Result struct {
	RunID    string `json:"run_id"`
	PhaseID  string `json:"phase_id"`
	Provider string `json:"provider"`
	Content  string `json:"content"`
}

// Task 描述了排队执行的一次大模型调用。
// Result 与 LastError 互斥，且都只在终态出现。
type Task struct {
	ID           string  `json:"id"`
	RunID        string  `json:"run_id"`
	PhaseID      string  `json:"phase_id"`
	Prompt       string  `json:"prompt"`
	ProviderHint string  `json:"provider,omitempty"`
	Provider     string  `json:"resolved_provider,omitempty"`
	Status       Status  `json:"status"`
	Result       *Result `json:"result,omitempty"`
	LastError    string  `json:"last_error,omitempty"`
	ErrorCode    string  `json:"error_code,omitempty"`
	CreatedAt    int64   `json:"created_at"`
	UpdatedAt    int64   `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(xerrors.CodeNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的状态迁移。
	ErrTaskConflict = xerrors.New(xerrors.CodeConflict, "task conflict")
	// ErrTaskTerminal 表示任务已经到达终态。
	ErrTaskTerminal = xerrors.New(CodeTaskTerminal, "task already terminal")
)

const (
	CodeTaskTerminal xerrors.Code = "TASK_ALREADY_TERMINAL"
	CodeTaskPublish  xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskExecute  xerrors.Code = "TASK_EXECUTION_FAILED"
)

func init() {
	xerrors.Register(CodeTaskTerminal, xerrors.Attributes{
		Message:   "task already terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskExecute, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		resultCopy := *task.Result
		clone.Result = &resultCopy
	}
	return &clone
}
