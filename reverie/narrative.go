package reverie

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// NarrativeStore owns per-user generated summaries, most-recent-first,
// bounded at maxNarratives per user. Like HistoryStore, it caches in
// memory and writes through to the database; reads degrade to empty on
// storage errors.
//
// Narratives share a clear lifecycle with history: they're only ever
// cleared together, by the orchestration layer's clear operation.
type NarrativeStore struct {
	db            *gorm.DB
	maxNarratives int
	logger        *slog.Logger

	mu    sync.Mutex
	cache map[string][]Narrative
}

func newNarrativeStore(
	db *gorm.DB,
	maxNarratives int,
	logger *slog.Logger,
) *NarrativeStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &NarrativeStore{
		db:            db,
		maxNarratives: maxNarratives,
		logger:        logger.With(loggerNameKey, "narratives"),
		cache:         map[string][]Narrative{},
	}
}

// loadLocked returns the cached narratives (most-recent-first),
// reading from the database on a cache miss. n.mu must be held.
func (n *NarrativeStore) loadLocked(userID string) []Narrative {
	if narratives, ok := n.cache[userID]; ok {
		return narratives
	}

	var narratives []Narrative
	err := n.db.Where("user_id = ?", userID).
		Order("id desc").
		Limit(n.maxNarratives).
		Find(&narratives).Error
	if err != nil {
		n.logger.Error(
			"error loading narratives, treating as empty",
			"user_id", userID,
			tint.Err(err),
		)
		narratives = nil
	}
	n.cache[userID] = narratives
	return narratives
}

// Latest returns the most recently saved narrative for the user.
func (n *NarrativeStore) Latest(userID string) (Narrative, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	narratives := n.loadLocked(userID)
	if len(narratives) == 0 {
		return Narrative{}, false
	}
	return narratives[0], true
}

// All returns the user's narratives, most-recent-first. The returned
// slice is a copy.
func (n *NarrativeStore) All(userID string) []Narrative {
	n.mu.Lock()
	defer n.mu.Unlock()

	narratives := n.loadLocked(userID)
	if narratives == nil {
		return nil
	}
	out := make([]Narrative, len(narratives))
	copy(out, narratives)
	return out
}

// Save prepends a new narrative for the user, dropping the oldest once
// the per-user bound is exceeded, and persists the change.
func (n *NarrativeStore) Save(
	userID string,
	text string,
	autoGenerated bool,
) []Narrative {
	n.mu.Lock()
	defer n.mu.Unlock()

	narratives := n.loadLocked(userID)

	narrative := Narrative{
		UserID:        userID,
		Text:          text,
		AutoGenerated: autoGenerated,
		ModelUnixTime: ModelUnixTime{
			CreatedAt: time.Now().UnixMilli(),
		},
	}
	if err := n.db.Create(&narrative).Error; err != nil {
		n.logger.Error(
			"error persisting narrative",
			"user_id", userID,
			tint.Err(err),
		)
	}

	narratives = append([]Narrative{narrative}, narratives...)
	for len(narratives) > n.maxNarratives {
		evicted := narratives[len(narratives)-1]
		narratives = narratives[:len(narratives)-1]
		if evicted.ID != 0 {
			if err := n.db.Unscoped().Delete(
				&Narrative{}, evicted.ID,
			).Error; err != nil {
				n.logger.Error(
					"error evicting narrative",
					"user_id", userID,
					"narrative_id", evicted.ID,
					tint.Err(err),
				)
			}
		}
	}
	n.cache[userID] = narratives

	out := make([]Narrative, len(narratives))
	copy(out, narratives)
	return out
}

// Clear drops the user's narratives from memory and the database.
func (n *NarrativeStore) Clear(userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.cache[userID] = nil
	err := n.db.Unscoped().
		Where("user_id = ?", userID).
		Delete(&Narrative{}).Error
	if err != nil {
		n.logger.Error(
			"error deleting narrative rows",
			"user_id", userID,
			tint.Err(err),
		)
	}
}
