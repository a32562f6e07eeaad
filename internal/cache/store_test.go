package cache

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqui/chat-sync/internal/entity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChatRoundTrip(t *testing.T) {
	s := newTestStore(t)

	chat := entity.Chat{
		ID:        "c1",
		CreatedAt: time.Now().UTC(),
		Participants: []entity.Participant{
			{UserID: "u1", UnseenCount: 2},
			{UserID: "u2"},
		},
	}
	if err := s.PutChat(chat); err != nil {
		t.Fatalf("put chat: %v", err)
	}

	got, err := s.Chat("c1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got.ID != "c1" || len(got.Participants) != 2 {
		t.Errorf("unexpected chat: %+v", got)
	}
	if p, ok := got.Participant("u1"); !ok || p.UnseenCount != 2 {
		t.Errorf("participant u1 wrong: %+v ok=%v", p, ok)
	}
}

func TestChatNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Chat("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadsAreFrozenCopies(t *testing.T) {
	s := newTestStore(t)

	msg := entity.Message{
		ID: "m1", ChatID: "c1", Body: "hello",
		Timestamp: time.Now().UTC(),
		Reactions: []entity.Reaction{{Emoji: "❤️", UserIDs: []string{"u1"}}},
	}
	if err := s.PutMessage(msg); err != nil {
		t.Fatalf("put message: %v", err)
	}

	a, _ := s.Message("c1", "m1")
	a.Reactions[0].UserIDs[0] = "mutated"
	a.Body = "mutated"

	b, _ := s.Message("c1", "m1")
	if b.Body != "hello" || b.Reactions[0].UserIDs[0] != "u1" {
		t.Error("mutating a returned snapshot leaked into the store")
	}
}

func TestMessagesChronologicalAndScoped(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.PutMessage(entity.Message{ID: "m2", ChatID: "c1", Timestamp: base.Add(2 * time.Minute)})
	s.PutMessage(entity.Message{ID: "m1", ChatID: "c1", Timestamp: base})
	s.PutMessage(entity.Message{ID: "m3", ChatID: "c1", Timestamp: base.Add(5 * time.Minute)})
	s.PutMessage(entity.Message{ID: "other", ChatID: "c2", Timestamp: base})

	msgs, err := s.Messages("c1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages for c1, got %d", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Errorf("index %d: expected %s, got %s", i, want, msgs[i].ID)
		}
	}
}

func TestDeleteChatRemovesMessages(t *testing.T) {
	s := newTestStore(t)

	s.PutChat(entity.Chat{ID: "c1"})
	s.PutMessage(entity.Message{ID: "m1", ChatID: "c1"})
	s.PutMessage(entity.Message{ID: "m2", ChatID: "c1"})
	s.PutMessage(entity.Message{ID: "keep", ChatID: "c2"})

	if err := s.DeleteChat("c1"); err != nil {
		t.Fatalf("delete chat: %v", err)
	}

	if _, err := s.Chat("c1"); !errors.Is(err, ErrNotFound) {
		t.Error("chat still present after delete")
	}
	msgs, _ := s.Messages("c1")
	if len(msgs) != 0 {
		t.Errorf("expected 0 messages after chat delete, got %d", len(msgs))
	}
	if _, err := s.Message("c2", "keep"); err != nil {
		t.Errorf("unrelated chat's message was deleted: %v", err)
	}
}

func TestMessageIDs(t *testing.T) {
	s := newTestStore(t)

	s.PutMessage(entity.Message{ID: "m1", ChatID: "c1"})
	s.PutMessage(entity.Message{ID: "m2", ChatID: "c1"})

	ids, err := s.MessageIDs("c1")
	if err != nil {
		t.Fatalf("message ids: %v", err)
	}
	if len(ids) != 2 || !ids["m1"] || !ids["m2"] {
		t.Errorf("unexpected id set: %v", ids)
	}
}

func TestUpdatePresencePreservesProfile(t *testing.T) {
	s := newTestStore(t)

	s.PutUser(entity.User{ID: "u1", Name: "Ada", Nickname: "ada"})

	seen := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	if err := s.UpdatePresence("u1", true, seen); err != nil {
		t.Fatalf("update presence: %v", err)
	}

	u, _ := s.User("u1")
	if u.Name != "Ada" || u.Nickname != "ada" {
		t.Errorf("profile fields lost on presence update: %+v", u)
	}
	if !u.IsActive || !u.LastSeen.Equal(seen) {
		t.Errorf("presence fields not applied: %+v", u)
	}
}

func TestUpdatePresenceCreatesStub(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpdatePresence("u9", true, time.Now()); err != nil {
		t.Fatalf("update presence: %v", err)
	}
	u, err := s.User("u9")
	if err != nil {
		t.Fatalf("expected stub user created: %v", err)
	}
	if !u.IsActive {
		t.Error("stub user missing presence")
	}
}

func TestEventsOnWrite(t *testing.T) {
	s := newTestStore(t)
	sub := s.Events()
	defer sub.Cancel()

	s.PutMessage(entity.Message{ID: "m1", ChatID: "c1"})

	select {
	case ev := <-sub.C():
		if ev.Op != entity.OpAdded || ev.Kind != entity.KindMessage || ev.ChatID != "c1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event after PutMessage")
	}

	// A second put of the same id is an update.
	s.PutMessage(entity.Message{ID: "m1", ChatID: "c1", Body: "edited"})
	select {
	case ev := <-sub.C():
		if ev.Op != entity.OpUpdated {
			t.Errorf("expected updated, got %s", ev.Op)
		}
	case <-time.After(time.Second):
		t.Fatal("no event after second PutMessage")
	}
}

func TestPutMessagesBatchSingleEvent(t *testing.T) {
	s := newTestStore(t)
	sub := s.Events()
	defer sub.Cancel()

	batch := []entity.Message{
		{ID: "m1", ChatID: "c1"},
		{ID: "m2", ChatID: "c1"},
		{ID: "m3", ChatID: "c1"},
	}
	if err := s.PutMessages("c1", batch); err != nil {
		t.Fatalf("put batch: %v", err)
	}

	select {
	case ev := <-sub.C():
		if len(ev.Msgs) != 3 {
			t.Errorf("expected one event carrying 3 messages, got %d", len(ev.Msgs))
		}
	case <-time.After(time.Second):
		t.Fatal("no batch event")
	}

	select {
	case ev := <-sub.C():
		t.Errorf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
