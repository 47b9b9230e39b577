package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/courierhq/email-courier/internal/domain"
	"github.com/courierhq/email-courier/internal/mailer"
	"github.com/courierhq/email-courier/internal/repository"
)

// fakeRecordRepo is an in-memory RecordRepository mirroring the postgres
// semantics the delivery flow depends on: unique-constrained insert,
// terminal-state guards, and server-side attempt increments.
type fakeRecordRepo struct {
	mu      sync.Mutex
	records map[string]*domain.Record

	failNext error
}

func newFakeRecordRepo() *fakeRecordRepo {
	return &fakeRecordRepo{records: map[string]*domain.Record{}}
}

func (f *fakeRecordRepo) takeFailure() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeRecordRepo) get(requestID string) *domain.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[requestID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (f *fakeRecordRepo) put(r domain.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.RequestID] = &r
}

func (f *fakeRecordRepo) GetByRequestID(_ context.Context, requestID string) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	r, ok := f.records[requestID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRecordRepo) CreateOrGet(_ context.Context, record *domain.Record) (*domain.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, false, err
	}
	if existing, ok := f.records[record.RequestID]; ok {
		if !existing.Status.IsTerminal() {
			existing.Status = domain.StatusProcessing
		}
		cp := *existing
		return &cp, false, nil
	}
	cp := *record
	cp.Status = domain.StatusProcessing
	cp.CreatedAt = time.Now()
	f.records[record.RequestID] = &cp
	out := cp
	return &out, true, nil
}

func (f *fakeRecordRepo) markResult(requestID string, apply func(*domain.Record)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	r, ok := f.records[requestID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status.IsTerminal() {
		return domain.ErrConflict
	}
	r.Attempts++
	r.UpdatedAt = time.Now()
	apply(r)
	return nil
}

func (f *fakeRecordRepo) MarkDelivered(_ context.Context, requestID string) error {
	return f.markResult(requestID, func(r *domain.Record) {
		r.Status = domain.StatusDelivered
		r.Error = ""
		r.NextRetryAt = nil
	})
}

func (f *fakeRecordRepo) MarkRetry(_ context.Context, requestID string, errMsg string, nextRetryAt time.Time) error {
	return f.markResult(requestID, func(r *domain.Record) {
		r.Status = domain.StatusPending
		r.Error = errMsg
		at := nextRetryAt
		r.NextRetryAt = &at
	})
}

func (f *fakeRecordRepo) MarkFailed(_ context.Context, requestID string, errMsg string) error {
	return f.markResult(requestID, func(r *domain.Record) {
		r.Status = domain.StatusFailed
		r.Error = errMsg
		r.NextRetryAt = nil
	})
}

func (f *fakeRecordRepo) List(_ context.Context, params repository.ListParams) ([]domain.Record, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, 0, err
	}

	var matched []domain.Record
	for _, r := range f.records {
		if params.UserID != "" && r.UserID != params.UserID {
			continue
		}
		if params.Status != nil && r.Status != *params.Status {
			continue
		}
		matched = append(matched, *r)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	page := params.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(matched) {
		return []domain.Record{}, total, nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (f *fakeRecordRepo) GetDueForRetry(_ context.Context, limit int) ([]domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	now := time.Now()
	var due []domain.Record
	for _, r := range f.records {
		if r.Status == domain.StatusPending && r.NextRetryAt != nil && !r.NextRetryAt.After(now) {
			due = append(due, *r)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (f *fakeRecordRepo) ClearNextRetryAt(_ context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[requestID]; ok {
		r.NextRetryAt = nil
	}
	return nil
}

type fakeFetcher struct {
	body string
	err  error

	mu    sync.Mutex
	calls int
}

func (f *fakeFetcher) Fetch(context.Context, string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.body, nil
}

type fakeSender struct {
	mu    sync.Mutex
	err   error
	calls int
	sent  []mailer.Message
}

func (f *fakeSender) Send(_ context.Context, msg mailer.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSender) sentMessages() []mailer.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailer.Message(nil), f.sent...)
}

type fakeDeadLetters struct {
	mu        sync.Mutex
	err       error
	published []domain.Payload
}

func (f *fakeDeadLetters) Publish(_ context.Context, payload domain.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeDeadLetters) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type reportedStatus struct {
	requestID string
	status    domain.Status
	errMsg    string
}

type fakeReporter struct {
	mu      sync.Mutex
	err     error
	reports []reportedStatus
}

func (f *fakeReporter) Report(_ context.Context, requestID string, status domain.Status, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reports = append(f.reports, reportedStatus{requestID: requestID, status: status, errMsg: errMsg})
	return nil
}

func (f *fakeReporter) last() (reportedStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reports) == 0 {
		return reportedStatus{}, false
	}
	return f.reports[len(f.reports)-1], true
}

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	published []publishedPayload
}

type publishedPayload struct {
	queue   string
	payload domain.Payload
}

func (f *fakePublisher) Publish(_ context.Context, queueName string, payload domain.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedPayload{queue: queueName, payload: payload})
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) all() []publishedPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedPayload(nil), f.published...)
}

func validPayload(requestID string) domain.Payload {
	p := domain.Payload{
		NotificationType: domain.TypeEmail,
		UserID:           "user-1",
		TemplateCode:     "welcome",
		Variables: map[string]any{
			"email":   "user@example.com",
			"name":    "Joe",
			"subject": "Welcome aboard",
			"link":    "https://example.com/activate",
		},
		RequestID: requestID,
		Priority:  domain.DefaultPriority,
	}
	p.Normalize()
	return p
}

func payloadPtr(requestID string) *domain.Payload {
	p := validPayload(requestID)
	return &p
}
