package reverie

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

// Character is a roleplay persona used to condition replies. Consumed
// read-only by the response generator.
type Character struct {
	Name        string `json:"name"`
	Source      string `json:"source,omitempty"`
	Description string `json:"description"`
	Appearance  string `json:"appearance,omitempty"`
	Personality string `json:"personality,omitempty"`
	Background  string `json:"background,omitempty"`
	Quirks      string `json:"quirks,omitempty"`

	// ExpressionPatterns maps an emotion to the mannerism the character
	// shows when feeling it (ex: "nervous" -> "twirls her hair")
	ExpressionPatterns map[string]string `json:"expression_patterns,omitempty"`

	// OpeningLine, when set, is returned verbatim as the reply to a
	// user's very first message, without calling the upstream model
	OpeningLine string `json:"opening_line,omitempty"`

	Likes    string `json:"likes,omitempty"`
	Dislikes string `json:"dislikes,omitempty"`
	Goals    string `json:"goals,omitempty"`
}

// defaultCharacter is the builtin persona used when no character
// directory is configured, or a named character can't be found.
var defaultCharacter = Character{
	Name:        "Assistant",
	Source:      "ai",
	Description: "A helpful AI assistant",
	Personality: "Helpful, friendly, and knowledgeable",
	Background:  "An AI assistant designed to help users with various tasks",
	Likes:       "Helping users solve problems",
	Dislikes:    "Misinformation and confusion",
	Goals:       "To provide accurate and helpful assistance",
	ExpressionPatterns: map[string]string{
		"happy":    "Responds with enthusiasm and positive language",
		"sad":      "Uses more subdued language and offers sympathy",
		"thinking": "Takes a moment to consider before responding thoroughly",
	},
}

// CharacterProvider resolves character IDs to profiles. Get must
// tolerate an empty ID by returning the configured default character.
type CharacterProvider interface {
	Get(characterID string) Character
}

// FileCharacterProvider loads characters from per-character JSON files
// in a directory (`<dir>/<id>.json`, IDs lowercased). Profiles are
// cached after first load. Missing or unreadable profiles fall back to
// the default character.
type FileCharacterProvider struct {
	dir       string
	defaultID string
	logger    *slog.Logger
	mu        sync.RWMutex
	cache     map[string]Character
}

func newFileCharacterProvider(
	config *ChatConfig,
	logger *slog.Logger,
) *FileCharacterProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileCharacterProvider{
		dir:       config.CharacterDir,
		defaultID: strings.ToLower(config.DefaultCharacter),
		logger:    logger.With(loggerNameKey, "characters"),
		cache:     map[string]Character{},
	}
}

// Get returns the named character, or the default character when
// characterID is empty or unknown.
func (f *FileCharacterProvider) Get(characterID string) Character {
	characterID = strings.ToLower(strings.TrimSpace(characterID))
	if characterID == "" {
		characterID = f.defaultID
	}
	if characterID == "" || f.dir == "" {
		return defaultCharacter
	}

	f.mu.RLock()
	character, ok := f.cache[characterID]
	f.mu.RUnlock()
	if ok {
		return character
	}

	character, err := f.load(characterID)
	if err != nil {
		f.logger.Warn(
			"character not found, using default",
			"character", characterID,
			tint.Err(err),
		)
		return defaultCharacter
	}

	f.mu.Lock()
	f.cache[characterID] = character
	f.mu.Unlock()
	return character
}

// List returns the IDs of all characters present in the directory.
func (f *FileCharacterProvider) List() []string {
	if f.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		f.logger.Warn("error reading character dir", tint.Err(err))
		return nil
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids
}

func (f *FileCharacterProvider) load(characterID string) (Character, error) {
	data, err := os.ReadFile(
		filepath.Join(f.dir, characterID+".json"),
	)
	if err != nil {
		return Character{}, err
	}
	var character Character
	if err = json.Unmarshal(data, &character); err != nil {
		return Character{}, fmt.Errorf(
			"error parsing character '%s': %w",
			characterID,
			err,
		)
	}
	if character.Name == "" {
		character.Name = characterID
	}
	return character, nil
}
