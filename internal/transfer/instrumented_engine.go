package transfer

import (
	"context"

	"github.com/italolelis/seedbox_relay/internal/telemetry"
)

// InstrumentedEngine wraps an Engine with spans and per-call metrics.
type InstrumentedEngine struct {
	engine    Engine
	telemetry *telemetry.Telemetry
	name      string
}

func NewInstrumentedEngine(engine Engine, tel *telemetry.Telemetry, name string) *InstrumentedEngine {
	return &InstrumentedEngine{
		engine:    engine,
		telemetry: tel,
		name:      name,
	}
}

func (e *InstrumentedEngine) Submit(ctx context.Context, link Link) (string, error) {
	var jobID string

	err := e.telemetry.InstrumentEngineOperation(ctx, e.name, "submit", func(ctx context.Context) error {
		var err error
		jobID, err = e.engine.Submit(ctx, link)

		return err
	})
	if err != nil {
		return "", err
	}

	return jobID, nil
}

func (e *InstrumentedEngine) Query(ctx context.Context, jobID string) (*JobState, error) {
	var state *JobState

	err := e.telemetry.InstrumentEngineOperation(ctx, e.name, "query", func(ctx context.Context) error {
		var err error
		state, err = e.engine.Query(ctx, jobID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return state, nil
}

func (e *InstrumentedEngine) Remove(ctx context.Context, jobID string) error {
	return e.telemetry.InstrumentEngineOperation(ctx, e.name, "remove", func(ctx context.Context) error {
		return e.engine.Remove(ctx, jobID)
	})
}

// JobDir forwards to the wrapped engine, or returns "" when it cannot locate jobs.
func (e *InstrumentedEngine) JobDir(jobID string) string {
	if locator, ok := e.engine.(JobLocator); ok {
		return locator.JobDir(jobID)
	}

	return ""
}
