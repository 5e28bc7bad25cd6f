package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/engine"
)

// ResourceGroupChecker answers whether a resource group exists right now.
// azure.ResourceGroups implements it.
type ResourceGroupChecker interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Gate checks live cloud state and decides what the IaC stage does.
type Gate struct {
	checker   ResourceGroupChecker
	publisher engine.EventPublisher
	logger    zerolog.Logger
}

// NewGate creates a gate. publisher may be nil.
func NewGate(checker ResourceGroupChecker, publisher engine.EventPublisher, logger zerolog.Logger) *Gate {
	if publisher == nil {
		publisher = engine.NopPublisher{}
	}
	return &Gate{
		checker:   checker,
		publisher: publisher,
		logger:    logger.With().Str("component", "gate").Logger(),
	}
}

// Evaluate checks whether rg exists and applies Decide.
func (g *Gate) Evaluate(ctx context.Context, rg string, trig Trigger) (Decision, error) {
	if rg == "" {
		return Decision{}, engine.NewPermanentError("resource group name is required", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("gate.evaluate")
	}

	exists, err := g.checker.Exists(ctx, rg)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check resource group %s: %w", rg, err)
	}

	d := Decide(exists, trig)

	g.logger.Info().
		Str("resource_group", rg).
		Str("event", trig.Event).
		Str("ref", trig.Ref).
		Bool("exists", d.Exists).
		Str("decision", d.Name()).
		Str("reason", d.Reason).
		Msg("Provisioning gate decided")

	// telemetry.EventPublisher meters the decision from this event.
	event := &engine.Event{
		ID:        uuid.New().String(),
		Type:      engine.EventTypeGateDecision,
		Timestamp: time.Now().UTC(),
		RunID:     trig.RunID,
		Message:   fmt.Sprintf("%s: %s", d.Name(), d.Reason),
		Level:     engine.EventTypeGateDecision.Severity(),
		Details: map[string]interface{}{
			"resource_group": rg,
			"event":          trig.Event,
			"exists":         d.Exists,
			"plan":           d.Plan,
			"apply":          d.Apply,
			"decision":       d.Name(),
		},
	}
	if err := g.publisher.Publish(ctx, event); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to publish gate decision")
	}

	return d, nil
}
