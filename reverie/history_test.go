package reverie

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryStore_AppendAndBound(t *testing.T) {
	db := testDB(t)
	store := newHistoryStore(db, DefaultMaxHistorySize, testLogger(t))

	for i := 1; i <= 20; i++ {
		speaker := SpeakerUser
		if i%2 == 0 {
			speaker = SpeakerAssistant
		}
		store.Append("user-1", speaker, fmt.Sprintf("msg %d", i))
	}

	turns := store.History("user-1")
	require.Len(t, turns, DefaultMaxHistorySize)

	// oldest 5 evicted, order preserved
	assert.Equal(t, "msg 6", turns[0].Text)
	assert.Equal(t, "msg 20", turns[len(turns)-1].Text)
	for i := 1; i < len(turns); i++ {
		assert.Greater(t, turns[i].ID, turns[i-1].ID)
	}

	// evicted rows are gone from the database too
	var count int64
	require.NoError(
		t,
		db.Model(&Turn{}).Where("user_id = ?", "user-1").Count(&count).Error,
	)
	assert.EqualValues(t, DefaultMaxHistorySize, count)
}

func TestHistoryStore_LoadsPersistedTurns(t *testing.T) {
	db := testDB(t)
	logger := testLogger(t)

	first := newHistoryStore(db, DefaultMaxHistorySize, logger)
	first.Append("user-1", SpeakerUser, "hello")
	first.Append("user-1", SpeakerAssistant, "hi yourself")

	// a fresh store over the same database sees the same history
	second := newHistoryStore(db, DefaultMaxHistorySize, logger)
	turns := second.History("user-1")
	require.Len(t, turns, 2)
	assert.Equal(t, "hello", turns[0].Text)
	assert.Equal(t, SpeakerUser, turns[0].Speaker)
	assert.Equal(t, "hi yourself", turns[1].Text)
	assert.Equal(t, SpeakerAssistant, turns[1].Speaker)
}

func TestHistoryStore_UsersAreIsolated(t *testing.T) {
	store := newHistoryStore(testDB(t), DefaultMaxHistorySize, testLogger(t))

	store.Append("user-1", SpeakerUser, "mine")
	store.Append("user-2", SpeakerUser, "yours")

	require.Len(t, store.History("user-1"), 1)
	require.Len(t, store.History("user-2"), 1)
	assert.Equal(t, "mine", store.History("user-1")[0].Text)
	assert.Equal(t, "yours", store.History("user-2")[0].Text)
	assert.Empty(t, store.History("user-3"))
}

func TestHistoryStore_ClearIsIdempotent(t *testing.T) {
	db := testDB(t)
	store := newHistoryStore(db, DefaultMaxHistorySize, testLogger(t))

	store.Append("user-1", SpeakerUser, "hello")
	store.Append("user-1", SpeakerAssistant, "hi")

	assert.True(t, store.Clear("user-1"))
	assert.Empty(t, store.History("user-1"))

	var count int64
	require.NoError(
		t,
		db.Model(&Turn{}).Where("user_id = ?", "user-1").Count(&count).Error,
	)
	assert.Zero(t, count)

	// clearing again, and clearing a user that never existed
	assert.True(t, store.Clear("user-1"))
	assert.True(t, store.Clear("stranger"))
}

func TestHistoryStore_Stats(t *testing.T) {
	store := newHistoryStore(testDB(t), DefaultMaxHistorySize, testLogger(t))

	empty := store.Stats("user-1")
	assert.Zero(t, empty.TotalMessages)
	assert.Zero(t, empty.FirstTimestamp)
	assert.Zero(t, empty.LastTimestamp)

	store.Append("user-1", SpeakerUser, "one")
	store.Append("user-1", SpeakerAssistant, "two")
	store.Append("user-1", SpeakerUser, "three")

	stats := store.Stats("user-1")
	assert.Equal(t, 3, stats.TotalMessages)
	assert.Equal(t, 2, stats.UserMessages)
	assert.Equal(t, 1, stats.AssistantMessages)
	assert.NotZero(t, stats.FirstTimestamp)
	assert.GreaterOrEqual(t, stats.LastTimestamp, stats.FirstTimestamp)
}

func TestHistoryStore_OnAppendHook(t *testing.T) {
	store := newHistoryStore(testDB(t), DefaultMaxHistorySize, testLogger(t))

	type appendEvent struct {
		userID     string
		historyLen int
	}
	var events []appendEvent
	store.onAppend = func(userID string, historyLen int) {
		events = append(events, appendEvent{userID, historyLen})
	}

	store.Append("user-1", SpeakerUser, "one")
	store.Append("user-1", SpeakerAssistant, "two")
	store.Append("user-2", SpeakerUser, "other")

	require.Equal(t, []appendEvent{
		{"user-1", 1},
		{"user-1", 2},
		{"user-2", 1},
	}, events)
}

func TestHistoryStore_AppendReturnsUpdatedCopy(t *testing.T) {
	store := newHistoryStore(testDB(t), DefaultMaxHistorySize, testLogger(t))

	returned := store.Append("user-1", SpeakerUser, "hello")
	require.Len(t, returned, 1)

	// mutating the returned slice must not corrupt the store
	returned[0].Text = "tampered"
	assert.Equal(t, "hello", store.History("user-1")[0].Text)
}
