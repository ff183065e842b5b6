package reverie

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticCharacterProvider returns the same character for every ID.
type staticCharacterProvider struct {
	character Character
}

func (s staticCharacterProvider) Get(string) Character {
	return s.character
}

type generatorFixture struct {
	chat         *stubChatModel
	history      *HistoryStore
	narratives   *NarrativeStore
	availability *ModelAvailability
	generator    *ResponseGenerator
	config       *Config
}

func newGeneratorFixture(
	t testing.TB,
	characters CharacterProvider,
) *generatorFixture {
	t.Helper()
	cfg := DefaultConfig()
	db := testDB(t)
	logger := testLogger(t)

	if characters == nil {
		characters = newFileCharacterProvider(cfg.Chat, logger)
	}

	fix := &generatorFixture{
		chat:   &stubChatModel{reply: "a reply", errs: map[string]error{}},
		config: cfg,
	}
	fix.history = newHistoryStore(db, cfg.Chat.MaxHistorySize, logger)
	fix.narratives = newNarrativeStore(db, cfg.Chat.MaxNarratives, logger)
	fix.availability = newModelAvailability(cfg.Gemini.RetryDelay, logger)
	fix.generator = newResponseGenerator(
		fix.chat,
		characters,
		fix.history,
		fix.narratives,
		fix.availability,
		cfg.Chat,
		cfg.Gemini,
		logger,
	)
	return fix
}

func TestResponseGenerator_PrimaryGetsChatContext(t *testing.T) {
	fix := newGeneratorFixture(t, nil)

	// seed more history than the context window holds
	for i := 1; i <= 8; i++ {
		speaker := SpeakerUser
		if i%2 == 0 {
			speaker = SpeakerAssistant
		}
		fix.history.Append("user-1", speaker, fmt.Sprintf("turn %d", i))
	}

	text, err := fix.generator.Generate(
		context.Background(),
		"user-1",
		"what's next?",
		"",
	)
	require.NoError(t, err)
	assert.Equal(t, "a reply", text)

	require.Len(t, fix.chat.calls, 1)
	call := fix.chat.calls[0]
	assert.Equal(t, "converse", call.kind)
	assert.Equal(t, DefaultGeminiPrimaryModel, call.model)
	assert.Equal(t, "what's next?", call.message)
	assert.Contains(t, call.system, "Never break character")

	// only the trailing window, roles mapped to the wire values
	require.Len(t, call.history, DefaultContextWindow)
	assert.Equal(t, "turn 4", call.history[0].Text)
	assert.Equal(t, geminiRoleModel, call.history[0].Role)
	assert.Equal(t, "turn 8", call.history[len(call.history)-1].Text)
	assert.Equal(t, geminiRoleUser, call.history[1].Role)

	// both new turns recorded
	turns := fix.history.History("user-1")
	require.Len(t, turns, 10)
	assert.Equal(t, "what's next?", turns[8].Text)
	assert.Equal(t, SpeakerUser, turns[8].Speaker)
	assert.Equal(t, "a reply", turns[9].Text)
	assert.Equal(t, SpeakerAssistant, turns[9].Speaker)
}

func TestResponseGenerator_FallbackOrder(t *testing.T) {
	fix := newGeneratorFixture(t, nil)
	fix.history.Append("user-1", SpeakerUser, "earlier message")
	fix.history.Append("user-1", SpeakerAssistant, "earlier reply")

	primary := fix.config.Gemini.PrimaryModel
	fallbacks := fix.config.Gemini.FallbackModels
	require.Len(t, fallbacks, 2)

	fix.availability.MarkSuspended(primary, time.Minute)
	fix.availability.MarkSuspended(fallbacks[0], time.Minute)

	text, err := fix.generator.Generate(
		context.Background(),
		"user-1",
		"hello",
		"",
	)
	require.NoError(t, err)
	assert.Equal(t, "a reply", text)

	// only the one usable model was attempted, via the flattened prompt
	require.Equal(t, []string{fallbacks[1]}, fix.chat.attempted())
	call := fix.chat.calls[0]
	assert.Equal(t, "generate", call.kind)
	assert.Contains(t, call.prompt, "Previous conversation:")
	assert.Contains(t, call.prompt, "earlier message")
	assert.Contains(t, call.prompt, "User: hello")
}

func TestResponseGenerator_FallsThroughOnFailure(t *testing.T) {
	fix := newGeneratorFixture(t, nil)
	primary := fix.config.Gemini.PrimaryModel
	fallbacks := fix.config.Gemini.FallbackModels

	fix.chat.errs[primary] = &ModelCallError{
		Model: primary,
		Kind:  ErrorKindTransient,
		Err:   errors.New("boom"),
	}
	fix.chat.errs[fallbacks[0]] = &ModelCallError{
		Model: fallbacks[0],
		Kind:  ErrorKindFatal,
		Err:   errors.New("bad request"),
	}

	text, err := fix.generator.Generate(
		context.Background(),
		"user-1",
		"hello",
		"",
	)
	require.NoError(t, err)
	assert.Equal(t, "a reply", text)
	assert.Equal(
		t,
		[]string{primary, fallbacks[0], fallbacks[1]},
		fix.chat.attempted(),
	)

	// non-rate-limit failures don't suspend anything
	assert.True(t, fix.availability.Usable(primary))
	assert.True(t, fix.availability.Usable(fallbacks[0]))
}

func TestResponseGenerator_SuspendsRateLimitedModel(t *testing.T) {
	fix := newGeneratorFixture(t, nil)
	primary := fix.config.Gemini.PrimaryModel

	fix.chat.errs[primary] = &ModelCallError{
		Model:      primary,
		Kind:       ErrorKindRateLimited,
		RetryAfter: 30 * time.Second,
		Err:        errors.New("quota exceeded"),
	}

	_, err := fix.generator.Generate(
		context.Background(),
		"user-1",
		"hello",
		"",
	)
	require.NoError(t, err)

	assert.False(t, fix.availability.Usable(primary))
	wait, suspended := fix.availability.NextRetryIn()
	require.True(t, suspended)
	assert.InDelta(t, 30, wait.Seconds(), 1)
}

func TestResponseGenerator_AllModelsUnavailable(t *testing.T) {
	fix := newGeneratorFixture(t, nil)
	current := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fix.availability.now = func() time.Time { return current }

	primary := fix.config.Gemini.PrimaryModel
	fallbacks := fix.config.Gemini.FallbackModels
	fix.availability.MarkSuspended(primary, 45*time.Second)
	fix.availability.MarkSuspended(fallbacks[0], 10*time.Second)
	fix.availability.MarkSuspended(fallbacks[1], 90*time.Second)

	_, err := fix.generator.Generate(
		context.Background(),
		"user-1",
		"hello",
		"",
	)
	require.Error(t, err)

	var unavailable *AllModelsUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 10*time.Second, unavailable.RetryAfter)

	// nothing was attempted or recorded
	assert.Empty(t, fix.chat.calls)
	assert.Empty(t, fix.history.History("user-1"))
}

func TestResponseGenerator_Exhaustion(t *testing.T) {
	fix := newGeneratorFixture(t, nil)
	lastFailure := errors.New("still broken")
	for _, model := range append(
		[]string{fix.config.Gemini.PrimaryModel},
		fix.config.Gemini.FallbackModels...,
	) {
		fix.chat.errs[model] = &ModelCallError{
			Model: model,
			Kind:  ErrorKindFatal,
			Err:   lastFailure,
		}
	}

	_, err := fix.generator.Generate(
		context.Background(),
		"user-1",
		"hello",
		"",
	)
	require.Error(t, err)

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.ErrorIs(t, err, lastFailure)

	// a failed turn leaves no trace in history
	assert.Empty(t, fix.history.History("user-1"))
}

func TestResponseGenerator_OpeningLine(t *testing.T) {
	character := Character{
		Name:        "Mira",
		Description: "A wandering cartographer",
		OpeningLine: "*looks up from her map* Oh! A traveler!",
	}
	fix := newGeneratorFixture(t, staticCharacterProvider{character})
	ctx := context.Background()

	text, err := fix.generator.Generate(ctx, "user-1", "hello?", "mira")
	require.NoError(t, err)
	assert.Equal(t, character.OpeningLine, text)

	// the model was never called
	assert.Empty(t, fix.chat.calls)

	// both turns stored, user first
	turns := fix.history.History("user-1")
	require.Len(t, turns, 2)
	assert.Equal(t, SpeakerUser, turns[0].Speaker)
	assert.Equal(t, "hello?", turns[0].Text)
	assert.Equal(t, SpeakerAssistant, turns[1].Speaker)
	assert.Equal(t, character.OpeningLine, turns[1].Text)

	// second turn goes upstream as usual
	text, err = fix.generator.Generate(ctx, "user-1", "who are you?", "mira")
	require.NoError(t, err)
	assert.Equal(t, "a reply", text)
	require.Len(t, fix.chat.calls, 1)
}

func TestResponseGenerator_NoOpeningLineGoesUpstream(t *testing.T) {
	// first interaction with a character that has no opening line
	fix := newGeneratorFixture(t, nil)

	text, err := fix.generator.Generate(
		context.Background(),
		"user-1",
		"hello?",
		"",
	)
	require.NoError(t, err)
	assert.Equal(t, "a reply", text)
	require.Len(t, fix.chat.calls, 1)
}

func TestResponseGenerator_SummarizeTooShort(t *testing.T) {
	fix := newGeneratorFixture(t, nil)
	fix.history.Append("user-1", SpeakerUser, "just one turn")

	text, err := fix.generator.Summarize(
		context.Background(),
		"user-1",
		"",
		false,
	)
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Empty(t, fix.chat.calls)
	assert.Empty(t, fix.narratives.All("user-1"))
}

func TestResponseGenerator_Summarize(t *testing.T) {
	fix := newGeneratorFixture(t, nil)
	fix.chat.reply = "  A quiet afternoon conversation unfolded.  "
	for i := 1; i <= 12; i++ {
		speaker := SpeakerUser
		if i%2 == 0 {
			speaker = SpeakerAssistant
		}
		fix.history.Append("user-1", speaker, fmt.Sprintf("turn %d", i))
	}

	text, err := fix.generator.Summarize(
		context.Background(),
		"user-1",
		"",
		true,
	)
	require.NoError(t, err)
	assert.Equal(t, "A quiet afternoon conversation unfolded.", text)

	require.Len(t, fix.chat.calls, 1)
	call := fix.chat.calls[0]
	assert.Equal(t, "generate", call.kind)
	assert.Contains(t, call.prompt, "third person")

	// only the trailing summary window appears in the prompt
	assert.Contains(t, call.prompt, "turn 12")
	assert.Contains(
		t,
		call.prompt,
		fmt.Sprintf("turn %d", 12-DefaultSummaryWindow+1),
	)
	assert.NotContains(
		t,
		call.prompt,
		fmt.Sprintf("turn %d\n", 12-DefaultSummaryWindow),
	)

	latest, ok := fix.narratives.Latest("user-1")
	require.True(t, ok)
	assert.Equal(t, "A quiet afternoon conversation unfolded.", latest.Text)
	assert.True(t, latest.AutoGenerated)
}

func TestCharacterPrompt(t *testing.T) {
	character := Character{
		Name:        "Mira",
		Source:      "Atlas of Winds",
		Description: "A wandering cartographer",
		Appearance:  "Ink-stained fingers, a weathered coat",
		Personality: "Curious and restless",
		ExpressionPatterns: map[string]string{
			"nervous": "traces the edge of her map",
			"happy":   "hums an old sea shanty",
		},
	}

	prompt := characterPrompt(character)
	assert.Contains(t, prompt, "You are Mira from Atlas of Winds")
	assert.Contains(t, prompt, "Your appearance: Ink-stained fingers")
	assert.Contains(t, prompt, "Personality: Curious and restless")
	assert.Contains(t, prompt, "Never break character")

	// expression patterns render in a stable, sorted order
	happy := strings.Index(prompt, "When happy")
	nervous := strings.Index(prompt, "When nervous")
	require.Positive(t, happy)
	require.Positive(t, nervous)
	assert.Less(t, happy, nervous)

	// absent fields leave no empty labels behind
	assert.NotContains(t, prompt, "Background:")
	assert.NotContains(t, prompt, "Likes:")
}
