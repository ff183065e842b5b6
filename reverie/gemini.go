package reverie

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	geminiRoleUser  = "user"
	geminiRoleModel = "model"
)

// ErrorKind classifies an upstream model failure, so retry policy
// doesn't depend on upstream error message text.
type ErrorKind string

const (
	// ErrorKindRateLimited means the model rejected the request over
	// quota. The model should be suspended for the carried retry delay.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindTransient covers failures worth retrying on another
	// model: server errors, timeouts, empty responses.
	ErrorKindTransient ErrorKind = "transient"

	// ErrorKindFatal covers request-shaped failures a different model
	// won't fix, but fallback is still attempted - a fallback model may
	// accept what the primary rejected.
	ErrorKindFatal ErrorKind = "fatal"
)

// ModelCallError is a single failed upstream call, tagged with the
// failure kind and, for rate limits, the delay the API asked for.
type ModelCallError struct {
	Model      string
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf(
		"model %s failed (%s): %v",
		e.Model,
		e.Kind,
		e.Err,
	)
}

func (e *ModelCallError) Unwrap() error {
	return e.Err
}

// ChatMessage is one prior turn passed to the upstream model as
// structured conversation context.
type ChatMessage struct {
	Role string
	Text string
}

// ChatModel is the upstream generative model interface. Two call
// shapes are required: Converse runs a stateful multi-turn chat
// session (history plus a new message), Generate is a stateless
// single-shot completion of one fully-rendered prompt.
//
// Failures are returned as *ModelCallError so callers can apply retry
// policy without inspecting upstream error text.
type ChatModel interface {
	Converse(
		ctx context.Context,
		model string,
		system string,
		history []ChatMessage,
		message string,
	) (string, error)
	Generate(ctx context.Context, model string, prompt string) (string, error)
}

// Gemini implements ChatModel against the Google generative language
// API, with a request rate limiter shared across all models.
type Gemini struct {
	client  *genai.Client
	config  *GeminiConfig
	logger  *slog.Logger
	limiter *rate.Limiter
}

func newGemini(ctx context.Context, config *GeminiConfig) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	return &Gemini{
		client: client,
		config: config,
		logger: newLogger(config.LogLevel, "gemini"),
		limiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
	}, nil
}

// Close releases the underlying API client.
func (g *Gemini) Close() error {
	return g.client.Close()
}

// model returns a handle for the named model with the configured
// sampling parameters applied.
func (g *Gemini) model(name string) *genai.GenerativeModel {
	m := g.client.GenerativeModel(name)
	m.SetMaxOutputTokens(g.config.Generation.MaxOutputTokens)
	m.SetTemperature(g.config.Generation.Temperature)
	m.SetTopP(g.config.Generation.TopP)
	m.SetTopK(g.config.Generation.TopK)
	return m
}

// Converse sends a message with prior turns as native chat history.
func (g *Gemini) Converse(
	ctx context.Context,
	model string,
	system string,
	history []ChatMessage,
	message string,
) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", g.callError(model, err)
	}

	m := g.model(model)
	if system != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}

	session := m.StartChat()
	session.History = chatHistory(history)

	started := time.Now()
	resp, err := session.SendMessage(ctx, genai.Text(message))
	g.logger.Debug(
		"chat message sent",
		"model", model,
		"history_len", len(history),
		"duration", time.Since(started),
		tint.Err(err),
	)
	if err != nil {
		return "", g.callError(model, err)
	}
	return g.responseText(model, resp)
}

// Generate runs a stateless single-shot completion.
func (g *Gemini) Generate(
	ctx context.Context,
	model string,
	prompt string,
) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", g.callError(model, err)
	}

	started := time.Now()
	resp, err := g.model(model).GenerateContent(ctx, genai.Text(prompt))
	g.logger.Debug(
		"content generated",
		"model", model,
		"duration", time.Since(started),
		tint.Err(err),
	)
	if err != nil {
		return "", g.callError(model, err)
	}
	return g.responseText(model, resp)
}

// chatHistory converts prior turns into the API's content format.
// Gemini requires history to alternate user/model and start with a
// user turn, so consecutive same-role turns are merged and a leading
// model turn gets a placeholder user turn prepended.
func chatHistory(history []ChatMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		role := msg.Role
		if role != geminiRoleUser && role != geminiRoleModel {
			continue
		}
		if len(contents) == 0 && role == geminiRoleModel {
			contents = append(contents, &genai.Content{
				Role:  geminiRoleUser,
				Parts: []genai.Part{genai.Text("Continue.")},
			})
		}
		if len(contents) > 0 && contents[len(contents)-1].Role == role {
			last := contents[len(contents)-1]
			last.Parts = append(last.Parts, genai.Text(msg.Text))
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Text)},
		})
	}
	return contents
}

// responseText extracts the text parts of the first candidate.
func (g *Gemini) responseText(
	model string,
	resp *genai.GenerateContentResponse,
) (string, error) {
	var sb strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	text := sb.String()
	if text == "" {
		return "", &ModelCallError{
			Model: model,
			Kind:  ErrorKindTransient,
			Err:   errors.New("empty response from model"),
		}
	}
	return text, nil
}

// retryDelayPattern matches the RetryInfo detail embedded in quota
// error bodies, e.g. `"retryDelay": "42s"`.
var retryDelayPattern = regexp.MustCompile(`retryDelay"?\s*:\s*"?(\d+)s`)

// parseRetryDelay extracts an explicit retry delay from an upstream
// error message. Returns 0 when the message doesn't carry one.
func parseRetryDelay(message string) time.Duration {
	match := retryDelayPattern.FindStringSubmatch(message)
	if len(match) != 2 {
		return 0
	}
	seconds, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// callError wraps an upstream failure in a ModelCallError, classifying
// it by status code. This is the only place upstream error content is
// inspected - everything downstream switches on ErrorKind.
func (g *Gemini) callError(model string, err error) *ModelCallError {
	callErr := &ModelCallError{
		Model: model,
		Kind:  ErrorKindTransient,
		Err:   err,
	}

	var apiErr *googleapi.Error
	switch {
	case errors.As(err, &apiErr):
		switch {
		case apiErr.Code == http.StatusTooManyRequests,
			strings.Contains(apiErr.Message, "quota"):
			callErr.Kind = ErrorKindRateLimited
			callErr.RetryAfter = parseRetryDelay(apiErr.Message)
			if callErr.RetryAfter == 0 {
				callErr.RetryAfter = parseRetryDelay(string(apiErr.Body))
			}
		case apiErr.Code >= http.StatusInternalServerError:
			callErr.Kind = ErrorKindTransient
		default:
			callErr.Kind = ErrorKindFatal
		}
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		callErr.Kind = ErrorKindTransient
	}

	g.logger.Warn(
		"upstream call failed",
		"model", model,
		"kind", callErr.Kind,
		"retry_after", callErr.RetryAfter,
		tint.Err(err),
	)
	return callErr
}
