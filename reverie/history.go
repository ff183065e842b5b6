package reverie

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// HistoryStats summarizes one user's conversation history.
type HistoryStats struct {
	TotalMessages     int   `json:"total_messages"`
	UserMessages      int   `json:"user_messages"`
	AssistantMessages int   `json:"assistant_messages"`
	FirstTimestamp    int64 `json:"first_timestamp,omitempty"`
	LastTimestamp     int64 `json:"last_timestamp,omitempty"`
}

// HistoryStore owns per-user conversation history: an in-memory cache
// of ordered turns, written through to the database on every mutation.
//
// Reads never fail - a storage error is logged and treated as an empty
// history. Writes that fail are logged and don't roll back the cache,
// since losing durability is preferable to losing the live conversation.
//
// The zero history for an unknown user is an empty slice. History is
// bounded at maxSize turns; the oldest turn is evicted on append.
type HistoryStore struct {
	db      *gorm.DB
	maxSize int
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string][]Turn

	// onAppend, when set, is invoked after every append with the user ID
	// and the new history length. Must not block.
	onAppend func(userID string, historyLen int)
}

func newHistoryStore(
	db *gorm.DB,
	maxSize int,
	logger *slog.Logger,
) *HistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryStore{
		db:      db,
		maxSize: maxSize,
		logger:  logger.With(loggerNameKey, "history"),
		cache:   map[string][]Turn{},
	}
}

// History returns the user's turns in chronological order, lazily
// loading from the database on first access. The returned slice is a
// copy and safe for the caller to retain.
func (h *HistoryStore) History(userID string) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyTurns(h.loadLocked(userID))
}

// loadLocked returns the cached history for userID, reading the last
// maxSize turns from the database on a cache miss. h.mu must be held.
func (h *HistoryStore) loadLocked(userID string) []Turn {
	if turns, ok := h.cache[userID]; ok {
		return turns
	}

	var turns []Turn
	err := h.db.Where("user_id = ?", userID).
		Order("id desc").
		Limit(h.maxSize).
		Find(&turns).Error
	if err != nil {
		h.logger.Error(
			"error loading history, treating as empty",
			"user_id", userID,
			tint.Err(err),
		)
		turns = nil
	}
	// rows come back newest-first
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	h.cache[userID] = turns
	return turns
}

// Append records a new turn for the user, evicting the oldest turn if
// the history bound is exceeded, and persists the change. The updated
// history is returned.
func (h *HistoryStore) Append(
	userID string,
	speaker Speaker,
	text string,
) []Turn {
	h.mu.Lock()
	turns := h.loadLocked(userID)

	turn := Turn{
		UserID:  userID,
		Speaker: speaker,
		Text:    text,
		ModelUnixTime: ModelUnixTime{
			CreatedAt: time.Now().UnixMilli(),
		},
	}
	if err := h.db.Create(&turn).Error; err != nil {
		h.logger.Error(
			"error persisting turn",
			"user_id", userID,
			tint.Err(err),
		)
	}

	turns = append(turns, turn)
	for len(turns) > h.maxSize {
		evicted := turns[0]
		turns = turns[1:]
		if evicted.ID != 0 {
			if err := h.db.Unscoped().Delete(
				&Turn{}, evicted.ID,
			).Error; err != nil {
				h.logger.Error(
					"error evicting turn",
					"user_id", userID,
					"turn_id", evicted.ID,
					tint.Err(err),
				)
			}
		}
	}
	h.cache[userID] = turns

	onAppend := h.onAppend
	historyLen := len(turns)
	updated := copyTurns(turns)
	h.mu.Unlock()

	if onAppend != nil {
		onAppend(userID, historyLen)
	}
	return updated
}

// Clear drops the user's in-memory and durable history. It's
// idempotent: clearing a user with no history still succeeds.
func (h *HistoryStore) Clear(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cache[userID] = nil
	err := h.db.Unscoped().
		Where("user_id = ?", userID).
		Delete(&Turn{}).Error
	if err != nil {
		h.logger.Error(
			"error deleting history rows",
			"user_id", userID,
			tint.Err(err),
		)
	}
	return true
}

// Stats summarizes the user's current history.
func (h *HistoryStore) Stats(userID string) HistoryStats {
	h.mu.Lock()
	turns := copyTurns(h.loadLocked(userID))
	h.mu.Unlock()

	stats := HistoryStats{TotalMessages: len(turns)}
	for _, turn := range turns {
		switch turn.Speaker {
		case SpeakerUser:
			stats.UserMessages++
		case SpeakerAssistant:
			stats.AssistantMessages++
		}
	}
	if len(turns) > 0 {
		stats.FirstTimestamp = turns[0].CreatedAt
		stats.LastTimestamp = turns[len(turns)-1].CreatedAt
	}
	return stats
}

func copyTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
