package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/nutricoach/nutrition-coach/internal/errors"
	"github.com/nutricoach/nutrition-coach/internal/logger"
	openai "github.com/sashabaranov/go-openai"
)

// DefaultCooldown is the minimum spacing between the starts of consecutive
// outbound completion calls. The throttle is process-wide; the provider-side
// rate limit is shared across all users.
const DefaultCooldown = 2 * time.Second

// completerSource yields the active completion client. Satisfied by
// AIConfigService.
type completerSource interface {
	Client(ctx context.Context) (Completer, *ResolvedAIConfig, error)
	Configured(ctx context.Context) bool
}

// AIGateway serializes every outbound completion request. At most one call is
// in flight at a time, calls dispatch in admission order, and consecutive
// dispatch starts are at least cooldown apart. A failed predecessor does not
// block the queue beyond the cooldown.
type AIGateway struct {
	source     completerSource
	cooldown   time.Duration
	errHandler *apperrors.Handler

	mu        sync.Mutex
	tail      chan struct{}
	lastStart time.Time
}

func NewAIGateway(source completerSource) *AIGateway {
	return &AIGateway{
		source:     source,
		cooldown:   DefaultCooldown,
		errHandler: apperrors.NewHandler(logger.GetLogger()),
	}
}

// Complete routes one completion request through the queue. A missing
// credential short-circuits before admission so callers can show a static
// unavailable message instead of waiting out the queue.
func (g *AIGateway) Complete(ctx context.Context, prompt string, image []byte) (string, error) {
	if !g.source.Configured(ctx) {
		return "", apperrors.ErrAINotConfigured
	}

	client, resolved, err := g.source.Client(ctx)
	if err != nil {
		provider := "unknown"
		if resolved != nil {
			provider = resolved.Provider
		}
		return "", apperrors.NewExternalAPIError(err, provider)
	}

	return g.dispatch(ctx, func(ctx context.Context) (string, error) {
		return client.Complete(ctx, prompt, image)
	})
}

// dispatch admits the call to the queue and runs it once its turn comes.
// Admission order under the mutex is dispatch order. There is no internal
// timeout or cancellation: once admitted, a request runs to completion.
func (g *AIGateway) dispatch(ctx context.Context, call func(context.Context) (string, error)) (string, error) {
	g.mu.Lock()
	prev := g.tail
	done := make(chan struct{})
	g.tail = done
	g.mu.Unlock()
	defer close(done)

	if prev != nil {
		// Wait for the predecessor to finish, however it finished.
		<-prev
	}

	g.mu.Lock()
	if !g.lastStart.IsZero() {
		if wait := g.cooldown - time.Since(g.lastStart); wait > 0 {
			g.mu.Unlock()
			time.Sleep(wait)
			g.mu.Lock()
		}
	}
	g.lastStart = time.Now()
	g.mu.Unlock()

	text, err := call(ctx)
	if err != nil {
		return "", g.classify(ctx, err)
	}
	return text, nil
}

// classify tags rate-limit failures so upstream callers can apply distinct
// backoff messaging. Everything else propagates unchanged after logging.
func (g *AIGateway) classify(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return apperrors.NewRateLimitError(err, "completion")
	}
	if strings.Contains(err.Error(), "429") {
		return apperrors.NewRateLimitError(err, "completion")
	}

	g.errHandler.Handle(ctx, err)
	return err
}
