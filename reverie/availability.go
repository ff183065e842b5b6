package reverie

import (
	"log/slog"
	"sync"
	"time"
)

// ModelStatus is the circuit-breaker state for one upstream model.
type ModelStatus struct {
	ModelID    string    `json:"model_id"`
	Suspended  bool      `json:"suspended"`
	RetryAfter time.Time `json:"retry_after"`
}

// ModelAvailability tracks which upstream models are currently
// suspended after rate-limit rejections, and until when.
//
// A model is usable unless it was marked suspended and the suspension
// window hasn't elapsed. There's no background timer: an elapsed
// window is cleared lazily on the next usability check. This is a
// minimal circuit breaker - enough to stop hammering a model that
// just rejected a request, while self-healing without operator
// intervention.
type ModelAvailability struct {
	mu           sync.Mutex
	status       map[string]*ModelStatus
	defaultDelay time.Duration
	logger       *slog.Logger

	// now is swappable for tests
	now func() time.Time
}

func newModelAvailability(
	defaultDelay time.Duration,
	logger *slog.Logger,
) *ModelAvailability {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelAvailability{
		status:       map[string]*ModelStatus{},
		defaultDelay: defaultDelay,
		logger:       logger.With(loggerNameKey, "model_availability"),
		now:          time.Now,
	}
}

// Usable reports whether the model can currently be tried. If a
// suspension window has elapsed, the suspension is cleared here.
func (m *ModelAvailability) Usable(modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usableLocked(modelID)
}

func (m *ModelAvailability) usableLocked(modelID string) bool {
	status, ok := m.status[modelID]
	if !ok || !status.Suspended {
		return true
	}
	if m.now().Before(status.RetryAfter) {
		return false
	}
	status.Suspended = false
	return true
}

// MarkSuspended excludes the model from the candidate pool until
// retryDelay has elapsed. A non-positive retryDelay falls back to the
// configured default.
func (m *ModelAvailability) MarkSuspended(
	modelID string,
	retryDelay time.Duration,
) {
	if retryDelay <= 0 {
		retryDelay = m.defaultDelay
	}

	m.mu.Lock()
	retryAfter := m.now().Add(retryDelay)
	m.status[modelID] = &ModelStatus{
		ModelID:    modelID,
		Suspended:  true,
		RetryAfter: retryAfter,
	}
	m.mu.Unlock()

	m.logger.Warn(
		"model suspended",
		"model", modelID,
		"retry_delay", retryDelay,
		"retry_after", retryAfter,
	)
}

// ListUsable filters candidates down to currently-usable models,
// preserving the caller's priority order.
func (m *ModelAvailability) ListUsable(candidates []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	usable := make([]string, 0, len(candidates))
	for _, modelID := range candidates {
		if m.usableLocked(modelID) {
			usable = append(usable, modelID)
		}
	}
	return usable
}

// NextRetryIn returns how long until the earliest suspended model
// becomes usable again. The boolean is false when nothing is
// suspended.
func (m *ModelAvailability) NextRetryIn() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var earliest time.Time
	for _, status := range m.status {
		if !status.Suspended {
			continue
		}
		if earliest.IsZero() || status.RetryAfter.Before(earliest) {
			earliest = status.RetryAfter
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	wait := earliest.Sub(m.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}
