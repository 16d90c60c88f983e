package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
)

type fakeClient struct {
	mu        sync.Mutex
	published []Message
	err       error
}

func (f *fakeClient) Publish(_ context.Context, _ string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var msg Message
	_ = json.Unmarshal(message.([]byte), &msg)
	f.published = append(f.published, msg)
	return redis.NewIntResult(1, nil)
}

func (f *fakeClient) Subscribe(context.Context, ...string) *redis.PubSub {
	return nil
}

type recorder struct {
	principals []string
	all        int
}

func (r *recorder) Invalidate(id string) { r.principals = append(r.principals, id) }
func (r *recorder) InvalidateAll()       { r.all++ }

func TestBusInvalidatesLocallyThenPublishes(t *testing.T) {
	local := &recorder{}
	client := &fakeClient{}
	bus, err := New(local, client, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bus.Invalidate("alice")
	bus.InvalidateAll()

	if len(local.principals) != 1 || local.principals[0] != "alice" || local.all != 1 {
		t.Fatalf("local invalidation missing: %+v", local)
	}
	if len(client.published) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(client.published))
	}
	if client.published[0].PrincipalID != "alice" || !client.published[1].All {
		t.Fatalf("unexpected messages: %+v", client.published)
	}
	if client.published[0].Origin == "" {
		t.Fatal("origin must be set")
	}
}

func TestBusPublishFailureStillInvalidatesLocally(t *testing.T) {
	local := &recorder{}
	bus, _ := New(local, &fakeClient{err: errors.New("connection refused")}, "ch")
	bus.Invalidate("bob")
	if len(local.principals) != 1 {
		t.Fatal("local invalidation must not depend on redis")
	}
	if err := bus.Broadcast(context.Background(), Message{All: true}); err == nil {
		t.Fatal("expected Broadcast to report the failure")
	}
}

func TestBusApplyIgnoresOwnMessages(t *testing.T) {
	local := &recorder{}
	bus, _ := New(local, &fakeClient{}, "ch")

	own, _ := json.Marshal(Message{Origin: bus.origin, PrincipalID: "alice"})
	bus.Apply(own)
	if len(local.principals) != 0 {
		t.Fatal("own messages must be ignored")
	}

	remote, _ := json.Marshal(Message{Origin: "other", PrincipalID: "alice"})
	bus.Apply(remote)
	flush, _ := json.Marshal(Message{Origin: "other", All: true})
	bus.Apply(flush)
	bus.Apply([]byte("{not json"))

	if len(local.principals) != 1 || local.all != 1 {
		t.Fatalf("remote messages not applied: %+v", local)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil, nil, ""); err == nil {
		t.Fatal("expected error without client")
	}
}
