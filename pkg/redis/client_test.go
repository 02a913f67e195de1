package redis

import (
	"context"
	"errors"
	"strings"
	"testing"

	redismock "github.com/go-redis/redismock/v9"
	goredis "github.com/redis/go-redis/v9"
)

func TestPendingCount(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectXPending("MATCH_AND_ASSIGN_SAGA_TOPIC", "pen-orchestrator").SetVal(&goredis.XPending{Count: 3})

	n, err := NewStreamClient(client).Pending(context.Background(), "MATCH_AND_ASSIGN_SAGA_TOPIC", "pen-orchestrator")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if n != 3 {
		t.Fatalf("pending = %d, want 3", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPendingError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectXPending("s", "g").SetErr(errors.New("NOGROUP"))

	_, err := NewStreamClient(client).Pending(context.Background(), "s", "g")
	if err == nil || !strings.Contains(err.Error(), "xpending s") {
		t.Fatalf("err = %v", err)
	}
}

func TestEnsureGroupsIgnoresBusyGroup(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectXGroupCreateMkStream("a", "g", "0").SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))
	mock.ExpectXGroupCreateMkStream("b", "g", "0").SetVal("OK")

	c := NewConsumer(NewStreamClient(client), "g", "c1", []string{"a", "b"}, nil, nil)
	if err := c.EnsureGroups(context.Background()); err != nil {
		t.Fatalf("ensure groups: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnsureGroupsError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectXGroupCreateMkStream("a", "g", "0").SetErr(errors.New("boom"))

	c := NewConsumer(NewStreamClient(client), "g", "c1", []string{"a"}, nil, nil)
	if err := c.EnsureGroups(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestLen(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectXLen("T" + DLQSuffix).SetVal(4)

	n, err := NewStreamClient(client).Len(context.Background(), "T"+DLQSuffix)
	if err != nil || n != 4 {
		t.Fatalf("Len = %d, %v", n, err)
	}
}
