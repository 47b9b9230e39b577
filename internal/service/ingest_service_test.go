package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/courierhq/email-courier/internal/domain"
)

func TestEnqueuePublishesNewPayload(t *testing.T) {
	t.Parallel()

	repo := newFakeRecordRepo()
	publisher := &fakePublisher{}
	svc := NewIngestService(repo, publisher, zaptest.NewLogger(t))

	result, err := svc.Enqueue(context.Background(), payloadPtr("req-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != EnqueueQueued {
		t.Fatalf("expected queued, got %s", result)
	}

	published := publisher.all()
	if len(published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(published))
	}
	if published[0].queue != "notify.email" {
		t.Errorf("unexpected queue: %q", published[0].queue)
	}
}

func TestEnqueueGeneratesMissingRequestID(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{}
	svc := NewIngestService(newFakeRecordRepo(), publisher, zaptest.NewLogger(t))

	payload := validPayload("")
	payload.RequestID = ""

	result, err := svc.Enqueue(context.Background(), &payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != EnqueueQueued {
		t.Fatalf("expected queued, got %s", result)
	}
	if payload.RequestID == "" {
		t.Fatal("expected a generated request id on the payload")
	}

	published := publisher.all()
	if len(published) != 1 || published[0].payload.RequestID != payload.RequestID {
		t.Fatalf("published payload must carry the generated id: %+v", published)
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	svc := NewIngestService(newFakeRecordRepo(), &fakePublisher{}, zaptest.NewLogger(t))

	payload := validPayload("req-1")
	payload.TemplateCode = ""

	if _, err := svc.Enqueue(context.Background(), &payload); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status domain.Status
		want   EnqueueResult
	}{
		{name: "delivered", status: domain.StatusDelivered, want: EnqueueAlreadyDelivered},
		{name: "processing", status: domain.StatusProcessing, want: EnqueueInFlight},
		{name: "pending", status: domain.StatusPending, want: EnqueueInFlight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := newFakeRecordRepo()
			publisher := &fakePublisher{}
			svc := NewIngestService(repo, publisher, zaptest.NewLogger(t))

			repo.put(domain.Record{RequestID: "req-1", Status: tt.status})

			result, err := svc.Enqueue(context.Background(), payloadPtr("req-1"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, result)
			}
			if len(publisher.all()) != 0 {
				t.Error("existing record must not be re-published")
			}
		})
	}
}

func TestEnqueuePublishFailure(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{err: errors.New("broker unavailable")}
	svc := NewIngestService(newFakeRecordRepo(), publisher, zaptest.NewLogger(t))

	if _, err := svc.Enqueue(context.Background(), payloadPtr("req-1")); err == nil {
		t.Fatal("expected a publish error")
	}
}

func TestGetByRequestID(t *testing.T) {
	t.Parallel()

	repo := newFakeRecordRepo()
	svc := NewIngestService(repo, &fakePublisher{}, zaptest.NewLogger(t))

	repo.put(domain.Record{RequestID: "req-1", Status: domain.StatusDelivered})

	record, err := svc.GetByRequestID(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.RequestID != "req-1" {
		t.Fatalf("unexpected record: %+v", record)
	}

	if _, err := svc.GetByRequestID(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.GetByRequestID(context.Background(), ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
