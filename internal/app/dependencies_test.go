package app

import (
	"context"
	"testing"
)

func TestNewDependencies_InMemoryMode(t *testing.T) {
	deps, err := NewDependencies(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("NewDependencies failed: %v", err)
	}
	defer deps.Close()

	if deps.Orders == nil || deps.Outbox == nil || deps.Idempotency == nil {
		t.Fatal("expected in-memory repositories to be initialized")
	}
	if deps.Store != nil {
		t.Fatal("expected no postgres store without DSN")
	}
	if deps.Producer != nil {
		t.Fatal("expected no kafka producer without brokers")
	}
	if deps.PostgresIdempotency {
		t.Fatal("in-memory idempotency must not require cleanup worker")
	}
	if deps.RedisPing() != nil {
		t.Fatal("expected no redis ping without redis addr")
	}
}

func TestNewDependencies_InMemoryOutboxIsShared(t *testing.T) {
	deps, err := NewDependencies(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("NewDependencies failed: %v", err)
	}
	defer deps.Close()

	// Репозиторий заказов пишет order.created в тот же outbox,
	// который читает воркер публикации.
	pending, err := deps.Outbox.PullPending(10)
	if err != nil {
		t.Fatalf("PullPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty outbox, got %d", len(pending))
	}
}
