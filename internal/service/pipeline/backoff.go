package pipeline

import (
	"sync"
	"time"
)

// BackoffState 表示退避状态
type BackoffState int

const (
	StateNormal  BackoffState = iota // 正常：允许调用模型
	StateBackoff                     // 退避：配额错误后暂停，直到 until
)

func (s BackoffState) String() string {
	if s == StateBackoff {
		return "backoff"
	}
	return "normal"
}

// Backoff is the quota backoff state machine. Trip only ever moves the
// deadline later; Reset or the deadline passing returns it to Normal.
type Backoff struct {
	duration time.Duration
	now      func() time.Time
	onChange func(BackoffState)

	state BackoffState
	until time.Time

	mu sync.Mutex
}

// NewBackoff 创建退避状态机，duration 为每次配额错误后的暂停时长
func NewBackoff(duration time.Duration, now func() time.Time, onChange func(BackoffState)) *Backoff {
	if now == nil {
		now = time.Now
	}
	return &Backoff{duration: duration, now: now, onChange: onChange}
}

// Trip enters Backoff until now+duration, keeping a later deadline if one is
// already set. It returns the deadline in force.
func (b *Backoff) Trip() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	until := b.now().Add(b.duration)
	if until.After(b.until) {
		b.until = until
	}
	b.setState(StateBackoff)
	return b.until
}

// Remaining returns how long the backoff still lasts, 0 when Normal.
func (b *Backoff) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkStateTransition()
	if b.state != StateBackoff {
		return 0
	}
	return b.until.Sub(b.now())
}

// State 获取当前状态（线程安全）
func (b *Backoff) State() BackoffState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkStateTransition()
	return b.state
}

// Until returns the current deadline, zero when Normal.
func (b *Backoff) Until() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkStateTransition()
	if b.state != StateBackoff {
		return time.Time{}
	}
	return b.until
}

// Reset 回到正常状态
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.until = time.Time{}
	b.setState(StateNormal)
}

// checkStateTransition 截止时间已过则回到正常状态
func (b *Backoff) checkStateTransition() {
	if b.state == StateBackoff && !b.now().Before(b.until) {
		b.until = time.Time{}
		b.setState(StateNormal)
	}
}

func (b *Backoff) setState(s BackoffState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}
