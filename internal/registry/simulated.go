package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/models"
)

// SimulatedBackend is an in-memory HardwareBackend. Each asset gets a
// state map seeded at setup and mutated by every executed step, so
// snapshots evolve the way a real instrument's would.
type SimulatedBackend struct {
	mu     sync.Mutex
	states map[uuid.UUID]map[string]any

	// SetupFailures injects initialization errors per asset id.
	SetupFailures map[uuid.UUID]error
	// ExecuteFailures injects step failures per function name.
	ExecuteFailures map[string]error
	// TeardownFailures injects teardown errors per asset id.
	TeardownFailures map[uuid.UUID]error
	// ExecuteDelay stalls every Execute call, for timeout tests.
	ExecuteDelay time.Duration
}

func NewSimulatedBackend() *SimulatedBackend {
	return &SimulatedBackend{
		states: make(map[uuid.UUID]map[string]any),
	}
}

func (b *SimulatedBackend) Setup(ctx context.Context, asset *models.Asset) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.SetupFailures[asset.ID]; err != nil {
		return nil, err
	}

	state := map[string]any{
		"asset":      asset.Name,
		"kind":       string(asset.Kind),
		"step_count": 0,
	}
	b.states[asset.ID] = state

	return copyState(state), nil
}

func (b *SimulatedBackend) Execute(ctx context.Context, req *ExecuteRequest) (map[string]any, error) {
	if b.ExecuteDelay > 0 {
		timer := time.NewTimer(b.ExecuteDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ExecuteFailures[req.Function]; err != nil {
		return nil, err
	}

	for _, target := range req.Targets {
		state, ok := b.states[target]
		if !ok {
			return nil, fmt.Errorf("asset %v has no simulated state", target)
		}
		count, _ := state["step_count"].(int)
		state["step_count"] = count + 1
		state["last_function"] = req.Function
	}

	return map[string]any{"function": req.Function, "status": "ok"}, nil
}

func (b *SimulatedBackend) Snapshot(ctx context.Context, assetID uuid.UUID) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[assetID]
	if !ok {
		return nil, fmt.Errorf("asset %v has no simulated state", assetID)
	}

	return copyState(state), nil
}

func (b *SimulatedBackend) Teardown(ctx context.Context, assetID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.TeardownFailures[assetID]
	delete(b.states, assetID)

	return err
}

func copyState(state map[string]any) map[string]any {
	dst := make(map[string]any, len(state))
	for k, v := range state {
		dst[k] = v
	}
	return dst
}
