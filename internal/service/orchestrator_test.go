package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/courierhq/email-courier/internal/breaker"
	"github.com/courierhq/email-courier/internal/domain"
)

type orchestratorFixture struct {
	repo        *fakeRecordRepo
	fetcher     *fakeFetcher
	sender      *fakeSender
	deadLetters *fakeDeadLetters
	reporter    *fakeReporter
	orch        *Orchestrator
}

func newOrchestratorFixture(t *testing.T, opts ...func(*orchestratorFixture)) *orchestratorFixture {
	t.Helper()

	f := &orchestratorFixture{
		repo:        newFakeRecordRepo(),
		fetcher:     &fakeFetcher{body: "Hello {name}, visit {link}"},
		sender:      &fakeSender{},
		deadLetters: &fakeDeadLetters{},
		reporter:    &fakeReporter{},
	}
	for _, opt := range opts {
		opt(f)
	}

	f.orch = NewOrchestrator(
		f.repo,
		f.fetcher,
		breaker.New("template"),
		breaker.New("smtp"),
		f.sender,
		f.deadLetters,
		f.reporter,
		zaptest.NewLogger(t),
	)
	return f
}

func TestProcessDeliversNotification(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)

	outcome, err := f.orch.Process(context.Background(), validPayload("req-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != domain.OutcomeDelivered {
		t.Fatalf("expected delivered outcome, got %s", outcome.Kind)
	}

	sent := f.sender.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sent))
	}
	if sent[0].To != "user@example.com" {
		t.Errorf("unexpected recipient: %q", sent[0].To)
	}
	if sent[0].Subject != "Welcome aboard" {
		t.Errorf("unexpected subject: %q", sent[0].Subject)
	}
	if sent[0].Body != "Hello Joe, visit https://example.com/activate" {
		t.Errorf("unexpected body: %q", sent[0].Body)
	}

	record := f.repo.get("req-1")
	if record == nil {
		t.Fatal("record was not persisted")
	}
	if record.Status != domain.StatusDelivered {
		t.Errorf("expected delivered status, got %s", record.Status)
	}
	if record.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", record.Attempts)
	}

	report, ok := f.reporter.last()
	if !ok {
		t.Fatal("expected a status callback")
	}
	if report.requestID != "req-1" || report.status != domain.StatusDelivered {
		t.Errorf("unexpected callback: %+v", report)
	}
}

func TestProcessDeliveredRecordShortCircuits(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	f.repo.put(domain.Record{
		RequestID: "req-1",
		Status:    domain.StatusDelivered,
		Attempts:  1,
	})

	outcome, err := f.orch.Process(context.Background(), validPayload("req-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != domain.OutcomeAlreadyDelivered {
		t.Fatalf("expected already_delivered, got %s", outcome.Kind)
	}
	if f.sender.callCount() != 0 {
		t.Error("sender must not be invoked for a delivered record")
	}
	if record := f.repo.get("req-1"); record.Attempts != 1 {
		t.Errorf("attempts changed on redelivery: %d", record.Attempts)
	}
}

func TestProcessFailedRecordStaysTerminal(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	f.repo.put(domain.Record{
		RequestID: "req-1",
		Status:    domain.StatusFailed,
		Attempts:  5,
		Error:     "mailbox unavailable",
	})

	outcome, err := f.orch.Process(context.Background(), validPayload("req-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != domain.OutcomePermanentlyFailed {
		t.Fatalf("expected permanently_failed, got %s", outcome.Kind)
	}
	if outcome.Reason != "mailbox unavailable" {
		t.Errorf("expected stored reason, got %q", outcome.Reason)
	}
	if f.sender.callCount() != 0 {
		t.Error("sender must not be invoked for a failed record")
	}
	if f.deadLetters.count() != 0 {
		t.Error("terminal record must not be dead-lettered again")
	}
}

func TestProcessSchedulesRetryOnSendFailure(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, func(f *orchestratorFixture) {
		f.sender.err = errors.New("connection refused")
	})

	outcome, err := f.orch.Process(context.Background(), validPayload("req-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != domain.OutcomeRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %s", outcome.Kind)
	}
	if outcome.RetryIn != 2*time.Second {
		t.Errorf("expected 2s backoff for first attempt, got %s", outcome.RetryIn)
	}

	record := f.repo.get("req-1")
	if record.Status != domain.StatusPending {
		t.Errorf("expected pending status, got %s", record.Status)
	}
	if record.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", record.Attempts)
	}
	if record.NextRetryAt == nil {
		t.Error("next retry time not set")
	}
	if record.Error != "connection refused" {
		t.Errorf("unexpected stored error: %q", record.Error)
	}
	if f.deadLetters.count() != 0 {
		t.Error("retry must not dead-letter")
	}
}

func TestProcessEscalatesAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, func(f *orchestratorFixture) {
		f.sender.err = errors.New("mailbox unavailable")
	})
	f.repo.put(domain.Record{
		RequestID:        "req-1",
		NotificationType: domain.TypeEmail,
		UserID:           "user-1",
		ToAddress:        "user@example.com",
		TemplateCode:     "welcome",
		Status:           domain.StatusProcessing,
		Attempts:         4,
	})

	outcome, err := f.orch.Process(context.Background(), validPayload("req-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != domain.OutcomePermanentlyFailed {
		t.Fatalf("expected permanently_failed, got %s", outcome.Kind)
	}

	record := f.repo.get("req-1")
	if record.Status != domain.StatusFailed {
		t.Errorf("expected failed status, got %s", record.Status)
	}
	if record.Attempts != 5 {
		t.Errorf("expected 5 attempts, got %d", record.Attempts)
	}
	if f.deadLetters.count() != 1 {
		t.Fatalf("expected exactly one dead letter, got %d", f.deadLetters.count())
	}

	report, ok := f.reporter.last()
	if !ok || report.status != domain.StatusFailed {
		t.Errorf("expected failed callback, got %+v", report)
	}

	// A redelivery of the same payload must not escalate twice.
	outcome, err = f.orch.Process(context.Background(), validPayload("req-1"))
	if err != nil {
		t.Fatalf("unexpected error on redelivery: %v", err)
	}
	if outcome.Kind != domain.OutcomePermanentlyFailed {
		t.Fatalf("expected permanently_failed on redelivery, got %s", outcome.Kind)
	}
	if f.deadLetters.count() != 1 {
		t.Fatalf("dead letter duplicated: %d", f.deadLetters.count())
	}
}

func TestProcessUsesFallbackTemplateOnFetchFailure(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, func(f *orchestratorFixture) {
		f.fetcher.err = errors.New("template service unavailable")
	})

	outcome, err := f.orch.Process(context.Background(), validPayload("req-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != domain.OutcomeDelivered {
		t.Fatalf("expected delivered outcome, got %s", outcome.Kind)
	}

	sent := f.sender.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sent))
	}
	want := "Hello Joe,\n\nThis is an automated notification.\n\nhttps://example.com/activate"
	if sent[0].Body != want {
		t.Errorf("fallback body mismatch:\n got %q\nwant %q", sent[0].Body, want)
	}
}

func TestProcessMissingAddressImmediatelyPermanent(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)

	payload := validPayload("req-1")
	delete(payload.Variables, "email")

	outcome, err := f.orch.Process(context.Background(), payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != domain.OutcomePermanentlyFailed {
		t.Fatalf("expected permanently_failed, got %s", outcome.Kind)
	}
	if f.sender.callCount() != 0 {
		t.Error("sender must not be invoked without an address")
	}
	if f.deadLetters.count() != 1 {
		t.Errorf("expected one dead letter, got %d", f.deadLetters.count())
	}

	record := f.repo.get("req-1")
	if record.Status != domain.StatusFailed {
		t.Errorf("expected failed status, got %s", record.Status)
	}
}

func TestProcessOpenTransportBreakerSchedulesRetry(t *testing.T) {
	t.Parallel()

	repo := newFakeRecordRepo()
	sender := &fakeSender{err: errors.New("connection refused")}
	transportBreaker := breaker.New("smtp",
		breaker.WithFailureThreshold(1),
		breaker.WithResetTimeout(time.Hour),
	)
	orch := NewOrchestrator(
		repo,
		&fakeFetcher{body: "Hello {name}"},
		breaker.New("template"),
		transportBreaker,
		sender,
		&fakeDeadLetters{},
		&fakeReporter{},
		zaptest.NewLogger(t),
	)

	// First payload trips the breaker.
	if _, err := orch.Process(context.Background(), validPayload("req-a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.callCount() != 1 {
		t.Fatalf("expected 1 transport call, got %d", sender.callCount())
	}

	// Second payload is rejected without touching the transport.
	outcome, err := orch.Process(context.Background(), validPayload("req-b"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != domain.OutcomeRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %s", outcome.Kind)
	}
	if sender.callCount() != 1 {
		t.Fatalf("open breaker leaked a transport call: %d", sender.callCount())
	}

	record := repo.get("req-b")
	if record.Status != domain.StatusPending {
		t.Errorf("expected pending status, got %s", record.Status)
	}
}

func TestProcessPersistenceErrorPropagates(t *testing.T) {
	t.Parallel()

	t.Run("lookup failure", func(t *testing.T) {
		t.Parallel()

		f := newOrchestratorFixture(t)
		f.repo.failNext = errors.New("connection reset")

		if _, err := f.orch.Process(context.Background(), validPayload("req-1")); err == nil {
			t.Fatal("expected a persistence error")
		}
	})

	t.Run("mark delivered failure", func(t *testing.T) {
		t.Parallel()

		failing := &failingMarkDelivered{fakeRecordRepo: newFakeRecordRepo()}
		orch := NewOrchestrator(
			failing,
			&fakeFetcher{body: "Hello {name}"},
			breaker.New("template"),
			breaker.New("smtp"),
			&fakeSender{},
			&fakeDeadLetters{},
			&fakeReporter{},
			zaptest.NewLogger(t),
		)

		if _, err := orch.Process(context.Background(), validPayload("req-1")); err == nil {
			t.Fatal("expected a persistence error from the delivered update")
		}
	})
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 3, want: 8 * time.Second},
		{attempt: 4, want: 16 * time.Second},
		{attempt: 9, want: 512 * time.Second},
		{attempt: 10, want: 600 * time.Second},
		{attempt: 50, want: 600 * time.Second},
		{attempt: 0, want: 2 * time.Second},
	}

	for _, tt := range tests {
		if got := RetryDelay(tt.attempt); got != tt.want {
			t.Errorf("RetryDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

// failingMarkDelivered wraps the in-memory repo and fails the final
// delivered update, simulating a database outage mid-flight.
type failingMarkDelivered struct {
	*fakeRecordRepo
}

func (f *failingMarkDelivered) MarkDelivered(context.Context, string) error {
	return errors.New("connection reset")
}
