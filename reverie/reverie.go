package reverie

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/reveriebot/reverie/reverie.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Reply is the result of one conversation turn. Parts has one element
// when the reply fits a single platform message; otherwise it holds
// the pre-segmented chunks in delivery order, and Text is the full
// unsegmented reply.
type Reply struct {
	Text  string   `json:"text"`
	Parts []string `json:"parts"`
}

// Reverie is the conversation orchestrator: the single entry point
// that, for one user turn, sequences model availability, response
// generation, history persistence, the auto-summarization trigger,
// and output segmentation.
//
// It's safe for concurrent use across different user IDs. Turns for
// the same user should be serialized by the caller; IsInFlight
// exposes the in-flight state the platform layer needs for that (the
// Discord layer uses it to answer "busy" instead of interleaving).
type Reverie struct {
	config       *Config
	logger       *slog.Logger
	logHandler   slog.Handler
	db           *gorm.DB
	chat         ChatModel
	characters   CharacterProvider
	history      *HistoryStore
	narratives   *NarrativeStore
	availability *ModelAvailability
	generator    *ResponseGenerator
	summarizer   *AutoSummarizer
	discord      *Discord

	// lastCharacter remembers the most recent character each user
	// talked to, so the background summarizer can stay in persona
	lastCharacter sync.Map // user ID -> character ID

	inFlightMu sync.Mutex
	inFlight   map[string]*atomic.Bool

	closeOnce sync.Once
}

// New creates a Reverie instance from the given config: it validates
// the config, opens the database, and wires the component graph. The
// Discord session and upstream client aren't connected until Run.
func New(ctx context.Context, config *Config) (*Reverie, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r := &Reverie{
		config:   config,
		inFlight: map[string]*atomic.Bool{},
	}
	r.logger = newLogger(config.LogLevel, "reverie")
	r.logHandler = r.logger.Handler()

	db, err := openDatabase(config, r.logHandler)
	if err != nil {
		return nil, err
	}
	r.db = db

	chat, err := newGemini(ctx, config.Gemini)
	if err != nil {
		return nil, err
	}
	r.chat = chat

	r.characters = newFileCharacterProvider(config.Chat, r.logger)
	r.assemble()

	r.discord, err = newDiscord(r, config.Discord)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// assemble wires the stores, tracker, generator and summarizer from
// the already-set db, chat and characters fields. Split out so tests
// can inject fakes for the external collaborators.
func (r *Reverie) assemble() {
	cfg := r.config
	r.history = newHistoryStore(r.db, cfg.Chat.MaxHistorySize, r.logger)
	r.narratives = newNarrativeStore(r.db, cfg.Chat.MaxNarratives, r.logger)
	r.availability = newModelAvailability(cfg.Gemini.RetryDelay, r.logger)
	r.generator = newResponseGenerator(
		r.chat,
		r.characters,
		r.history,
		r.narratives,
		r.availability,
		cfg.Chat,
		cfg.Gemini,
		r.logger,
	)
	r.summarizer = newAutoSummarizer(r.generator, cfg.Chat, r.logger)
	r.history.onAppend = func(userID string, historyLen int) {
		characterID := ""
		if v, ok := r.lastCharacter.Load(userID); ok {
			characterID = v.(string)
		}
		r.summarizer.Notify(userID, characterID, historyLen)
	}
}

// Run connects to Discord and blocks until ctx is canceled, then
// shuts down gracefully within the configured timeout.
func (r *Reverie) Run(ctx context.Context) error {
	startupCtx, cancel := context.WithTimeout(ctx, r.config.StartupTimeout)
	defer cancel()

	if err := r.discord.Connect(startupCtx); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	r.logger.Info(
		"started",
		"version", Version,
		"commit", CommitSHA,
		"build_time", BuildTime,
	)

	watchCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		r.summarizer.Watch(watchCtx)
	}()

	<-ctx.Done()
	r.logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(
		context.Background(),
		r.config.ShutdownTimeout,
	)
	defer cancelShutdown()

	stopWorker()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		r.logger.Warn("timed out waiting for summary worker")
	}

	if err := r.discord.Close(); err != nil {
		r.logger.Error("error closing discord session", tint.Err(err))
	}
	r.close()
	return nil
}

func (r *Reverie) close() {
	r.closeOnce.Do(func() {
		if closer, ok := r.chat.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				r.logger.Error(
					"error closing upstream client",
					tint.Err(err),
				)
			}
		}
	})
}

// inFlightFlag returns the per-user in-flight flag, creating it on
// first use.
func (r *Reverie) inFlightFlag(userID string) *atomic.Bool {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	flag, ok := r.inFlight[userID]
	if !ok {
		flag = &atomic.Bool{}
		r.inFlight[userID] = flag
	}
	return flag
}

// IsInFlight reports whether a turn is currently being processed for
// the user. Callers should use this to serialize per-user turns.
func (r *Reverie) IsInFlight(userID string) bool {
	return r.inFlightFlag(userID).Load()
}

// HandleTurn processes one conversation turn: it generates a reply to
// the user's message (recording both turns in history, which may
// trigger a background summary) and segments the result for delivery.
func (r *Reverie) HandleTurn(
	ctx context.Context,
	userID string,
	message string,
	characterID string,
) (Reply, error) {
	flag := r.inFlightFlag(userID)
	flag.Store(true)
	defer flag.Store(false)

	r.lastCharacter.Store(userID, characterID)

	started := time.Now()
	text, err := r.generator.Generate(ctx, userID, message, characterID)
	if err != nil {
		return Reply{}, err
	}
	r.logger.Info(
		"turn completed",
		"user_id", userID,
		"character", characterID,
		"duration", time.Since(started),
		"reply_length", len(text),
	)

	return Reply{
		Text:  text,
		Parts: SegmentMessage(text, discordMaxMessageLength),
	}, nil
}

// GetSummary returns the most recent narrative for the user, if any.
func (r *Reverie) GetSummary(userID string) (string, bool) {
	narrative, ok := r.narratives.Latest(userID)
	if !ok {
		return "", false
	}
	return narrative.Text, true
}

// RequestNewSummary forces narrative generation now, ignoring the
// auto-summary cooldown. Returns ("", nil) when the user's history is
// too short to summarize.
func (r *Reverie) RequestNewSummary(
	ctx context.Context,
	userID string,
	characterID string,
) (string, error) {
	if characterID == "" {
		if v, ok := r.lastCharacter.Load(userID); ok {
			characterID = v.(string)
		}
	}
	return r.generator.Summarize(ctx, userID, characterID, false)
}

// ListSummaries returns the user's narratives, most-recent-first.
func (r *Reverie) ListSummaries(userID string) []Narrative {
	return r.narratives.All(userID)
}

// GetHistoryStats summarizes the user's conversation history.
func (r *Reverie) GetHistoryStats(userID string) HistoryStats {
	return r.history.Stats(userID)
}

// ClearAll drops the user's history and narratives together, and
// resets their auto-summary cooldown. Idempotent.
func (r *Reverie) ClearAll(userID string) bool {
	ok := r.history.Clear(userID)
	r.narratives.Clear(userID)
	r.summarizer.Forget(userID)
	r.lastCharacter.Delete(userID)
	r.logger.Info("cleared conversation state", "user_id", userID)
	return ok
}

// ConfigureAutoSummary adjusts the auto-summary trigger. Nil
// arguments leave the corresponding setting unchanged, so calling
// with both nil reads the current configuration.
func (r *Reverie) ConfigureAutoSummary(
	threshold *int,
	cooldown *time.Duration,
) AutoSummaryConfig {
	return r.summarizer.Configure(threshold, cooldown)
}
