package workflow

import (
	"maps"
	"time"
)

// ExecutionLog 一个节点一次执行的不可变记录, 重试不会产生新的记录
type ExecutionLog struct {
	nodeID        string
	instanceID    string
	startTime     time.Time
	duration      time.Duration
	status        ExecutionLogStatus
	input         map[string]any
	output        map[string]any
	errorMessage  string
	attempts      int
	idempotentHit bool
}

type ExecutionLogOption func(l *ExecutionLog)

func WithLogTiming(startTime time.Time, duration time.Duration) ExecutionLogOption {
	return func(l *ExecutionLog) {
		l.startTime = startTime
		l.duration = duration
	}
}

func WithLogInput(input map[string]any) ExecutionLogOption {
	return func(l *ExecutionLog) {
		l.input = maps.Clone(input)
	}
}

func WithLogOutput(output map[string]any) ExecutionLogOption {
	return func(l *ExecutionLog) {
		l.output = maps.Clone(output)
	}
}

func WithLogError(errorMessage string) ExecutionLogOption {
	return func(l *ExecutionLog) {
		l.errorMessage = errorMessage
	}
}

func WithLogAttempts(attempts int) ExecutionLogOption {
	return func(l *ExecutionLog) {
		l.attempts = attempts
	}
}

func WithLogIdempotentHit(hit bool) ExecutionLogOption {
	return func(l *ExecutionLog) {
		l.idempotentHit = hit
	}
}

func NewExecutionLog(nodeID, instanceID string, status ExecutionLogStatus, opts ...ExecutionLogOption) *ExecutionLog {
	l := &ExecutionLog{
		nodeID:     nodeID,
		instanceID: instanceID,
		status:     status,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *ExecutionLog) NodeID() string { return l.nodeID }
func (l *ExecutionLog) InstanceID() string { return l.instanceID }
func (l *ExecutionLog) StartTime() time.Time { return l.startTime }
func (l *ExecutionLog) Duration() time.Duration { return l.duration }
func (l *ExecutionLog) Status() ExecutionLogStatus { return l.status }
func (l *ExecutionLog) Input() map[string]any { return maps.Clone(l.input) }
func (l *ExecutionLog) Output() map[string]any { return maps.Clone(l.output) }
func (l *ExecutionLog) ErrorMessage() string { return l.errorMessage }
func (l *ExecutionLog) Attempts() int { return l.attempts }
func (l *ExecutionLog) IdempotentHit() bool { return l.idempotentHit }
func (l *ExecutionLog) IsSuccess() bool { return l.status == ExecutionLogStatusSuccess }
