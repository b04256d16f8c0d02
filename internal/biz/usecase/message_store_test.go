package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
)

func msg(id string, ts int64, body string) domain.Message {
	return domain.Message{ID: id, From: "alice@c.us", To: "me@c.us", Body: body, Timestamp: ts}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMerge_Idempotent(t *testing.T) {
	store := NewMessageStore(nil, nil, 0)
	batch := []domain.Message{msg("m1", 100, "a"), msg("m2", 200, "b")}

	first := store.Merge("acc", "chat", batch)
	second := store.Merge("acc", "chat", batch)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Second merge changed the sequence (-first +second):\n%s", diff)
	}
}

func TestMerge_IDsUnique(t *testing.T) {
	store := NewMessageStore(nil, nil, 0)
	store.Merge("acc", "chat", []domain.Message{msg("m1", 100, "a"), msg("m1", 100, "a")})
	store.Merge("acc", "chat", []domain.Message{msg("m1", 100, "a"), msg("m2", 150, "b")})

	assert.Equal(t, []string{"m1", "m2"}, ids(store.Messages("acc", "chat")))
}

func TestMerge_ConcurrentOverlappingBatches(t *testing.T) {
	store := NewMessageStore(nil, nil, 0)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			// each batch shares half of its ids with the next goroutine
			batch := make([]domain.Message, 0, 20)
			for i := g * 10; i < g*10+20; i++ {
				batch = append(batch, msg(fmt.Sprintf("m%03d", i), int64(1000-i), ""))
			}
			store.Merge("acc", "chat", batch)
			_ = store.Messages("acc", "chat")
		}(g)
	}
	wg.Wait()

	got := store.Messages("acc", "chat")
	require.Len(t, got, 170)
	seen := make(map[string]bool, len(got))
	for _, m := range got {
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool {
		return got[i].Timestamp < got[j].Timestamp
	}))
}

func TestMerge_SortedByTimestampWithArrivalTies(t *testing.T) {
	store := NewMessageStore(nil, nil, 0)
	store.Merge("acc", "chat", []domain.Message{msg("c", 300, ""), msg("a", 100, "")})
	store.Merge("acc", "chat", []domain.Message{msg("b1", 200, ""), msg("b2", 200, "")})

	assert.Equal(t, []string{"a", "b1", "b2", "c"}, ids(store.Messages("acc", "chat")))
}

func TestMerge_OverwriteIsLastWriteWins(t *testing.T) {
	store := NewMessageStore(nil, nil, 0)
	m1 := msg("m1", 100, "a")
	m1.Ack = 1
	store.Merge("acc", "chat", []domain.Message{m1})

	m1.Ack = 3
	got := store.Merge("acc", "chat", []domain.Message{m1})

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Body)
	assert.Equal(t, 3, got[0].Ack)
}

func TestMerge_OutOfOrderArrival(t *testing.T) {
	store := NewMessageStore(nil, nil, 0)
	store.Merge("acc", "chat", []domain.Message{msg("m2", 200, "second")})
	store.Merge("acc", "chat", []domain.Message{msg("m1", 100, "first")})

	assert.Equal(t, []string{"m1", "m2"}, ids(store.Messages("acc", "chat")))
}

func TestMerge_IgnoresEmptyID(t *testing.T) {
	store := NewMessageStore(nil, nil, 0)
	got := store.Merge("acc", "chat", []domain.Message{msg("", 100, "orphan"), msg("m1", 100, "ok")})

	assert.Equal(t, []string{"m1"}, ids(got))
}

func TestMessages_ReturnsCopy(t *testing.T) {
	store := NewMessageStore(nil, nil, 0)
	store.Merge("acc", "chat", []domain.Message{msg("m1", 100, "a")})

	got := store.Messages("acc", "chat")
	got[0].Body = "mutated"

	assert.Equal(t, "a", store.Messages("acc", "chat")[0].Body)
}

func TestUpdateAck(t *testing.T) {
	store := NewMessageStore(nil, nil, 0)
	store.Merge("acc", "chat", []domain.Message{msg("m1", 100, "a")})

	assert.True(t, store.UpdateAck("acc", "chat", "m1", 2))
	assert.False(t, store.UpdateAck("acc", "chat", "missing", 2))
	assert.Equal(t, 2, store.Messages("acc", "chat")[0].Ack)
}

func TestPersist_Debounced(t *testing.T) {
	archive := newFakeArchive()
	sched := &manualScheduler{}
	store := NewMessageStore(archive, sched, time.Second)

	store.Merge("acc", "chat", []domain.Message{msg("m1", 100, "a")})
	store.Merge("acc", "chat", []domain.Message{msg("m2", 200, "b")})

	assert.Equal(t, 1, sched.Pending(), "a new merge should reset the pending timer")

	require.Equal(t, 1, sched.Fire())
	saved, saves := archive.saved("acc")
	assert.Equal(t, 1, saves)
	assert.Equal(t, []string{"m1", "m2"}, ids(saved["chat"]))
}

func TestPersist_FailureKeepsAccountDirty(t *testing.T) {
	archive := newFakeArchive()
	archive.saveErr = errors.New("disk full")
	sched := &manualScheduler{}
	store := NewMessageStore(archive, sched, time.Second)

	store.Merge("acc", "chat", []domain.Message{msg("m1", 100, "a")})
	sched.Fire()

	// In-memory state survives the failed write
	assert.Len(t, store.Messages("acc", "chat"), 1)

	archive.mu.Lock()
	archive.saveErr = nil
	archive.mu.Unlock()

	require.NoError(t, store.Flush(context.Background()))
	saved, _ := archive.saved("acc")
	assert.Len(t, saved["chat"], 1)
}

func TestFlush_ReportsPersistenceFailure(t *testing.T) {
	archive := newFakeArchive()
	archive.saveErr = errors.New("read-only")
	store := NewMessageStore(archive, &manualScheduler{}, time.Second)
	store.Merge("acc", "chat", []domain.Message{msg("m1", 100, "a")})

	err := store.Flush(context.Background())

	var pf *domain.PersistenceFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "acc", pf.AccountID)
}

func TestLoad_UnreadableArchiveStartsEmpty(t *testing.T) {
	archive := newFakeArchive()
	archive.loadErr = errors.New("unexpected end of JSON input")
	store := NewMessageStore(archive, &manualScheduler{}, time.Second)

	store.Load(context.Background())

	assert.False(t, store.Has("acc", "chat"))
}

func TestLoad_RestoresInvariants(t *testing.T) {
	archive := newFakeArchive()
	archive.records["acc"] = domain.AccountMessages{
		"chat": {msg("m2", 200, "b"), msg("m1", 100, "a"), msg("m2", 200, "b")},
	}
	archive.corrupted = []error{&domain.StoreCorruption{AccountID: "other", Err: errors.New("bad json")}}
	store := NewMessageStore(archive, &manualScheduler{}, time.Second)

	store.Load(context.Background())

	assert.Equal(t, []string{"m1", "m2"}, ids(store.Messages("acc", "chat")))
	assert.Equal(t, []string{"chat"}, store.Conversations("acc"))
}
