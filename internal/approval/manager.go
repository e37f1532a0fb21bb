package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/toolgate/internal/expiry"
	"github.com/ppiankov/toolgate/internal/model"
)

// Notification events sent to a Notifier.
const (
	EventRequested = "approval_requested"
	EventResolved  = "approval_resolved"
	EventTimeout   = "approval_timeout"
)

// DefaultPollInterval is how often Await re-reads a store shared with other processes.
const DefaultPollInterval = 500 * time.Millisecond

// Notifier receives approval lifecycle events. Failures are the notifier's concern.
type Notifier interface {
	NotifyApproval(event string, r Request)
}

// Spec describes a new approval request.
type Spec struct {
	ID              string
	Action          string
	ToolName        string
	Tenant          string
	TraceID         string
	Inputs          map[string]any
	Reasoning       string
	SideEffectClass model.SideEffectClass
	Timeout         time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(c expiry.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithNotifier routes lifecycle events to n.
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithPollInterval sets how often Await re-reads the store.
func WithPollInterval(d time.Duration) Option { return func(m *Manager) { m.poll = d } }

// Manager owns the approval state machine:
// pending -> approved | rejected | timeout. Terminal states never change.
// Expiry is evaluated lazily on every read.
type Manager struct {
	store    Store
	clock    expiry.Clock
	logger   *zap.Logger
	notifier Notifier
	poll     time.Duration

	mu       sync.Mutex
	watchers map[string][]chan Request
}

// NewManager creates a manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		clock:    expiry.SystemClock,
		logger:   zap.NewNop(),
		poll:     DefaultPollInterval,
		watchers: make(map[string][]chan Request),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open records a pending request that expires after spec.Timeout.
// A zero timeout expires immediately.
func (m *Manager) Open(spec Spec) (Request, error) {
	if spec.Timeout < 0 {
		return Request{}, &model.ValidationError{Field: "timeout", Reason: "must be >= 0"}
	}
	now := m.clock()
	r := m.newRequest(spec, now)
	r.Status = StatusPending
	r.ExpiresAt = expiry.After(now, spec.Timeout).At

	existing, created, err := m.putNew(r)
	if err != nil {
		return Request{}, fmt.Errorf("approval: open: %w", err)
	}
	if !created {
		return existing, nil
	}
	m.logger.Info("approval requested",
		zap.String("approval_id", r.ApprovalID),
		zap.String("tool", r.ToolName),
		zap.String("risk", string(r.RiskLevel)),
		zap.Time("expires_at", r.ExpiresAt))
	m.notify(EventRequested, r)
	return r, nil
}

// AutoApprove records a request that never needed a human.
func (m *Manager) AutoApprove(spec Spec) (Request, error) {
	now := m.clock()
	r := m.newRequest(spec, now)
	r.Status = StatusApproved
	r.ApprovedBy = AutoApprover
	r.ResolvedAt = &now

	existing, _, err := m.putNew(r)
	if err != nil {
		return Request{}, fmt.Errorf("approval: auto-approve: %w", err)
	}
	return existing, nil
}

// putNew stores r unless a request with the same id exists. Reusing a
// request id returns the original request unchanged.
func (m *Manager) putNew(r Request) (Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, err := m.store.Get(r.ApprovalID); err == nil {
		return existing, false, nil
	}
	if err := m.store.Put(r); err != nil {
		return Request{}, false, err
	}
	return r, true, nil
}

func (m *Manager) newRequest(spec Spec, now time.Time) Request {
	id := spec.ID
	if id == "" {
		id = "apr-" + uuid.NewString()
	}
	return Request{
		ApprovalID:      id,
		Action:          spec.Action,
		ToolName:        spec.ToolName,
		Tenant:          spec.Tenant,
		TraceID:         spec.TraceID,
		Inputs:          spec.Inputs,
		Reasoning:       spec.Reasoning,
		SideEffectClass: spec.SideEffectClass,
		RiskLevel:       RiskFor(spec.SideEffectClass),
		CreatedAt:       now,
	}
}

// Get returns a request, flipping a passed-deadline pending request to timeout.
func (m *Manager) Get(id string) (Request, error) {
	m.mu.Lock()
	r, expired, err := m.loadLocked(id)
	m.mu.Unlock()
	if err != nil {
		return Request{}, err
	}
	if expired {
		m.resolved(EventTimeout, r)
	}
	return r, nil
}

// Approve resolves a pending request. It fails with ErrExpired when the
// deadline has passed, even if no one observed the timeout before.
func (m *Manager) Approve(id, approver string) (Request, error) {
	return m.resolve(id, func(r *Request) {
		r.Status = StatusApproved
		r.ApprovedBy = approver
	})
}

// Reject resolves a pending request as rejected.
func (m *Manager) Reject(id, reason string) (Request, error) {
	return m.resolve(id, func(r *Request) {
		r.Status = StatusRejected
		r.RejectionReason = reason
	})
}

func (m *Manager) resolve(id string, apply func(*Request)) (Request, error) {
	m.mu.Lock()
	r, expired, err := m.loadLocked(id)
	if err != nil {
		m.mu.Unlock()
		return Request{}, err
	}
	if expired || r.Status == StatusTimeout {
		m.mu.Unlock()
		if expired {
			m.resolved(EventTimeout, r)
		}
		return r, fmt.Errorf("approval %q: %w", id, ErrExpired)
	}
	if r.Status.IsTerminal() {
		m.mu.Unlock()
		return r, fmt.Errorf("approval %q is %s: %w", id, r.Status, ErrAlreadyResolved)
	}

	now := m.clock()
	apply(&r)
	r.ResolvedAt = &now
	if err := m.store.Put(r); err != nil {
		m.mu.Unlock()
		return Request{}, fmt.Errorf("approval: resolve %q: %w", id, err)
	}
	m.mu.Unlock()

	m.logger.Info("approval resolved",
		zap.String("approval_id", id),
		zap.String("status", string(r.Status)))
	m.resolved(EventResolved, r)
	return r, nil
}

// loadLocked reads a request and persists a lazy timeout transition.
// The bool result reports whether this call performed the transition.
func (m *Manager) loadLocked(id string) (Request, bool, error) {
	r, err := m.store.Get(id)
	if err != nil {
		return Request{}, false, err
	}
	if r.Status == StatusPending && r.Deadline().Passed(m.clock()) {
		now := m.clock()
		r.Status = StatusTimeout
		r.ResolvedAt = &now
		if err := m.store.Put(r); err != nil {
			return Request{}, false, fmt.Errorf("approval: persist timeout %q: %w", id, err)
		}
		m.logger.Warn("approval timed out", zap.String("approval_id", id))
		return r, true, nil
	}
	return r, false, nil
}

// Pending lists requests still awaiting a decision. Expired entries are
// transitioned to timeout and excluded.
func (m *Manager) Pending() ([]Request, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	var out []Request
	for _, r := range all {
		if r.Status == StatusPending {
			out = append(out, r)
		}
	}
	return out, nil
}

// List returns every request with lazy expiry applied.
func (m *Manager) List() ([]Request, error) {
	reqs, err := m.store.List()
	if err != nil {
		return nil, fmt.Errorf("approval: list: %w", err)
	}
	out := make([]Request, 0, len(reqs))
	for _, r := range reqs {
		cur, err := m.Get(r.ApprovalID)
		if err != nil {
			continue
		}
		out = append(out, cur)
	}
	return out, nil
}

// Await blocks until the request reaches a terminal state or ctx is done.
// In-process resolutions wake the waiter immediately; resolutions by other
// processes are seen on the next poll. The deadline itself also wakes it.
func (m *Manager) Await(ctx context.Context, id string) (Request, error) {
	ch := m.watch(id)
	defer m.unwatch(id, ch)

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		r, err := m.Get(id)
		if err != nil {
			return Request{}, err
		}
		if r.Status.IsTerminal() {
			return r, nil
		}

		var (
			timer    *time.Timer
			deadline <-chan time.Time
		)
		if remaining := r.Deadline().Remaining(m.clock()); remaining >= 0 {
			timer = time.NewTimer(remaining)
			deadline = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return r, ctx.Err()
		case res := <-ch:
			stopTimer(timer)
			return res, nil
		case <-ticker.C:
		case <-deadline:
		}
		stopTimer(timer)
	}
}

// OnResolve invokes cb once the request reaches a terminal state.
// cb is not called if ctx ends first.
func (m *Manager) OnResolve(ctx context.Context, id string, cb func(Request)) {
	go func() {
		r, err := m.Await(ctx, id)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				m.logger.Warn("approval callback aborted", zap.String("approval_id", id), zap.Error(err))
			}
			return
		}
		cb(r)
	}()
}

func (m *Manager) watch(id string) chan Request {
	ch := make(chan Request, 1)
	m.mu.Lock()
	m.watchers[id] = append(m.watchers[id], ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) unwatch(id string, ch chan Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.watchers[id]
	for i, w := range ws {
		if w == ch {
			m.watchers[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(m.watchers[id]) == 0 {
		delete(m.watchers, id)
	}
}

func (m *Manager) resolved(event string, r Request) {
	m.mu.Lock()
	ws := append([]chan Request(nil), m.watchers[r.ApprovalID]...)
	m.mu.Unlock()
	for _, w := range ws {
		select {
		case w <- r:
		default:
		}
	}
	m.notify(event, r)
}

func (m *Manager) notify(event string, r Request) {
	if m.notifier != nil {
		m.notifier.NotifyApproval(event, r)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
