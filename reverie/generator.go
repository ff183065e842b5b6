package reverie

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// AllModelsUnavailableError means every candidate model is currently
// suspended. RetryAfter is the wait until the earliest one becomes
// usable again; callers are expected to show it to the user verbatim.
type AllModelsUnavailableError struct {
	RetryAfter time.Duration
}

func (e *AllModelsUnavailableError) Error() string {
	return fmt.Sprintf(
		"all models are rate limited, try again in %d seconds",
		int(e.RetryAfter.Round(time.Second).Seconds()),
	)
}

// UpstreamError means every candidate model was attempted and failed,
// for reasons other than (or in addition to) rate limiting. It wraps
// the last underlying failure.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("all models failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ResponseGenerator builds character-conditioned prompts and invokes
// the upstream model, falling back across the model priority list.
//
// The primary model receives prior history as structured chat context;
// fallback models get it flattened into the prompt text, since they
// aren't given a native multi-turn session. Rate-limited models are
// suspended via the availability tracker and skipped until their
// window elapses.
type ResponseGenerator struct {
	chat         ChatModel
	characters   CharacterProvider
	history      *HistoryStore
	narratives   *NarrativeStore
	availability *ModelAvailability
	config       *ChatConfig
	primary      string
	fallbacks    []string
	logger       *slog.Logger
}

func newResponseGenerator(
	chat ChatModel,
	characters CharacterProvider,
	history *HistoryStore,
	narratives *NarrativeStore,
	availability *ModelAvailability,
	config *ChatConfig,
	gemini *GeminiConfig,
	logger *slog.Logger,
) *ResponseGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseGenerator{
		chat:         chat,
		characters:   characters,
		history:      history,
		narratives:   narratives,
		availability: availability,
		config:       config,
		primary:      gemini.PrimaryModel,
		fallbacks:    gemini.FallbackModels,
		logger:       logger.With(loggerNameKey, "generator"),
	}
}

func (g *ResponseGenerator) candidates() []string {
	models := make([]string, 0, 1+len(g.fallbacks))
	models = append(models, g.primary)
	models = append(models, g.fallbacks...)
	return models
}

// usableModels filters the candidate list through the availability
// tracker, returning AllModelsUnavailableError when nothing is left.
func (g *ResponseGenerator) usableModels() ([]string, error) {
	usable := g.availability.ListUsable(g.candidates())
	if len(usable) > 0 {
		return usable, nil
	}
	retryAfter, _ := g.availability.NextRetryIn()
	return nil, &AllModelsUnavailableError{RetryAfter: retryAfter}
}

// Generate produces a character-conditioned reply to the user's
// message, appends both turns to history, and returns the reply text.
//
// On a user's very first turn, a character with an opening line
// short-circuits the upstream call entirely: the user turn is stored,
// the opening line is stored as the assistant turn, and the opening
// line is returned. The model never sees that first message before
// the canned reply - the line is onboarding flavor, not a response.
func (g *ResponseGenerator) Generate(
	ctx context.Context,
	userID string,
	message string,
	characterID string,
) (string, error) {
	usable, err := g.usableModels()
	if err != nil {
		return "", err
	}

	character := g.characters.Get(characterID)
	turns := g.history.History(userID)

	if len(turns) == 0 && strings.TrimSpace(character.OpeningLine) != "" {
		g.history.Append(userID, SpeakerUser, message)
		g.history.Append(userID, SpeakerAssistant, character.OpeningLine)
		return character.OpeningLine, nil
	}

	var lastErr error
	for _, model := range usable {
		var text string
		if model == g.primary {
			text, err = g.chat.Converse(
				ctx,
				model,
				characterPrompt(character),
				chatContext(turns, g.config.ContextWindow),
				message,
			)
		} else {
			text, err = g.chat.Generate(
				ctx,
				model,
				fallbackPrompt(
					character,
					turns,
					g.config.FallbackContextWindow,
					message,
				),
			)
		}
		if err == nil {
			text = strings.TrimSpace(text)
			g.history.Append(userID, SpeakerUser, message)
			g.history.Append(userID, SpeakerAssistant, text)
			return text, nil
		}

		g.suspendIfRateLimited(err)
		lastErr = err
		g.logger.Warn(
			"model attempt failed, trying next candidate",
			"model", model,
			"user_id", userID,
			tint.Err(err),
		)
	}
	return "", &UpstreamError{Err: lastErr}
}

// Summarize distills the most recent slice of the user's history into
// a third-person narrative and saves it. Returns ("", nil) when the
// history is too short to be worth summarizing.
func (g *ResponseGenerator) Summarize(
	ctx context.Context,
	userID string,
	characterID string,
	autoGenerated bool,
) (string, error) {
	turns := g.history.History(userID)
	if len(turns) < g.config.MinSummaryTurns {
		return "", nil
	}

	usable, err := g.usableModels()
	if err != nil {
		return "", err
	}

	character := g.characters.Get(characterID)
	prompt := narrativePrompt(character, turns, g.config.SummaryWindow)

	var lastErr error
	for _, model := range usable {
		text, genErr := g.chat.Generate(ctx, model, prompt)
		if genErr == nil {
			text = strings.TrimSpace(text)
			g.narratives.Save(userID, text, autoGenerated)
			return text, nil
		}
		g.suspendIfRateLimited(genErr)
		lastErr = genErr
		g.logger.Warn(
			"narrative attempt failed, trying next candidate",
			"model", model,
			"user_id", userID,
			tint.Err(genErr),
		)
	}
	return "", &UpstreamError{Err: lastErr}
}

func (g *ResponseGenerator) suspendIfRateLimited(err error) {
	callErr, ok := err.(*ModelCallError)
	if !ok || callErr.Kind != ErrorKindRateLimited {
		return
	}
	g.availability.MarkSuspended(callErr.Model, callErr.RetryAfter)
}

// chatContext converts the trailing window of history into structured
// chat messages for the primary model.
func chatContext(turns []Turn, window int) []ChatMessage {
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	messages := make([]ChatMessage, 0, len(turns))
	for _, turn := range turns {
		role := geminiRoleUser
		if turn.Speaker == SpeakerAssistant {
			role = geminiRoleModel
		}
		messages = append(messages, ChatMessage{Role: role, Text: turn.Text})
	}
	return messages
}

// characterPrompt renders the persona system prompt: identity,
// appearance, personality, expression patterns, and the roleplay
// style directives.
func characterPrompt(character Character) string {
	var sb strings.Builder
	fmt.Fprintf(
		&sb,
		"You are %s",
		character.Name,
	)
	if character.Source != "" {
		fmt.Fprintf(&sb, " from %s", character.Source)
	}
	fmt.Fprintf(&sb, ". %s.", character.Description)

	writeField := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			fmt.Fprintf(&sb, "\n%s: %s", label, value)
		}
	}
	writeField("Your appearance", character.Appearance)
	writeField("Personality", character.Personality)
	writeField("Background", character.Background)
	writeField("Quirks", character.Quirks)
	writeField("Likes", character.Likes)
	writeField("Dislikes", character.Dislikes)
	writeField("Goals", character.Goals)

	if patterns := expressionLines(character); patterns != "" {
		sb.WriteString("\nEmotional expression patterns:\n")
		sb.WriteString(patterns)
	}

	sb.WriteString(`
Always answer as this character, with a matching personality and manner of speaking.
You remember your previous conversations with this user; use them to stay relevant and in context.
Never break character, no matter what is asked.

Make your responses immersive and descriptive, like a passage from a novel. Mix:
- *Narration in asterisks* for surroundings, body language, internal feelings, and expressions
- "Spoken dialogue in quotes" or plain dialogue

Always include body language and facial expressions, what you feel internally, and details of the environment around you.`)
	return sb.String()
}

// expressionLines renders the character's expression patterns in a
// stable order.
func expressionLines(character Character) string {
	if len(character.ExpressionPatterns) == 0 {
		return ""
	}
	emotions := make([]string, 0, len(character.ExpressionPatterns))
	for emotion, pattern := range character.ExpressionPatterns {
		if strings.TrimSpace(pattern) == "" {
			continue
		}
		emotions = append(emotions, emotion)
	}
	sort.Strings(emotions)

	lines := make([]string, 0, len(emotions))
	for _, emotion := range emotions {
		lines = append(
			lines,
			fmt.Sprintf(
				"- When %s: %s",
				emotion,
				character.ExpressionPatterns[emotion],
			),
		)
	}
	return strings.Join(lines, "\n")
}

// fallbackPrompt flattens the persona and the trailing history window
// into a single prompt, for models that aren't given a native chat
// session.
func fallbackPrompt(
	character Character,
	turns []Turn,
	window int,
	message string,
) string {
	var sb strings.Builder
	sb.WriteString(characterPrompt(character))

	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	if len(turns) > 0 {
		sb.WriteString("\n\nPrevious conversation:\n")
		for _, turn := range turns {
			speaker := "User"
			if turn.Speaker == SpeakerAssistant {
				speaker = "You"
			}
			fmt.Fprintf(&sb, "%s: %s\n", speaker, turn.Text)
		}
	}

	fmt.Fprintf(
		&sb,
		"\nUser: %s\n\nRespond in the immersive, descriptive style described above.",
		message,
	)
	return sb.String()
}

// narrativePrompt asks for a third-person narrative distillation of
// the trailing window of the conversation.
func narrativePrompt(character Character, turns []Turn, window int) string {
	subject := character.Name
	if character.Source != "" {
		subject = fmt.Sprintf("%s from %s", character.Name, character.Source)
	}

	var conversation strings.Builder
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	for _, turn := range turns {
		speaker := "User"
		if turn.Speaker == SpeakerAssistant {
			speaker = subject
		}
		fmt.Fprintf(&conversation, "%s: %s\n", speaker, turn.Text)
	}

	var details strings.Builder
	writeDetail := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			fmt.Fprintf(&details, "%s of %s: %s\n", label, character.Name, value)
		}
	}
	writeDetail("Appearance", character.Appearance)
	writeDetail("Personality", character.Personality)
	writeDetail("Quirks", character.Quirks)
	if patterns := expressionLines(character); patterns != "" {
		fmt.Fprintf(
			&details,
			"Expressions of %s:\n%s\n",
			character.Name,
			patterns,
		)
	}

	return fmt.Sprintf(
		`Write an immersive, descriptive narrative about the interaction between the user and %s, based on the conversation below.

%s
Write it like a passage from a novel or short story, in the third person, focused on %s's experience of the interaction: the surroundings, detailed facial expressions and body language, internal emotions, small gestures, and the atmosphere of the conversation. Give it a coherent arc with a beginning, middle and end, at least three or four rich paragraphs long.

Do not repeat the dialogue verbatim, merely paraphrase what was said, or add traits that contradict the character.

Conversation:
%s`,
		subject,
		details.String(),
		subject,
		conversation.String(),
	)
}
