package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/assetlock"
	"github.com/maraxen/praxis/internal/models"
	"github.com/maraxen/praxis/internal/reservation"
	"github.com/maraxen/praxis/pkg/log"
	"gorm.io/gorm"
)

// HardwareBackend executes primitive commands against real or
// simulated instruments. The core treats every payload it exchanges
// with the backend as opaque.
type HardwareBackend interface {
	Setup(ctx context.Context, asset *models.Asset) (map[string]any, error)
	Execute(ctx context.Context, req *ExecuteRequest) (map[string]any, error)
	Snapshot(ctx context.Context, assetID uuid.UUID) (map[string]any, error)
	Teardown(ctx context.Context, assetID uuid.UUID) error
}

// ExecuteRequest defines the input parameters to one step dispatch.
type ExecuteRequest struct {
	Function   string
	Kind       string
	Targets    []uuid.UUID
	Parameters map[string]any
}

// AcquisitionError reports that a reserved asset could not be
// initialized. No steps are ever dispatched after one.
type AcquisitionError struct {
	AssetID uuid.UUID
	Err     error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire handle for asset %v: %v", e.AssetID, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// Handle is one live instrument/resource binding. Callers outside the
// registry hold only the opaque handle id, never the handle itself.
type Handle struct {
	ID      string
	AssetID uuid.UUID
}

// Registry maps an admitted entry's reservations to live handles,
// performing setup on acquisition and teardown plus state flush on
// release. Handles live in an arena keyed by asset id; the lifecycle
// of each arena slot is scoped to one run.
type Registry struct {
	mu           sync.Mutex
	db           *gorm.DB
	backend      HardwareBackend
	reservations *reservation.Store
	locks        *assetlock.Manager
	arena        map[uuid.UUID]*Handle
	entries      map[uuid.UUID][]uuid.UUID
}

func New(db *gorm.DB, backend HardwareBackend, reservations *reservation.Store, locks *assetlock.Manager) *Registry {
	if db == nil || backend == nil || reservations == nil || locks == nil {
		panic("runtime registry requires all collaborators")
	}

	return &Registry{
		db:           db,
		backend:      backend,
		reservations: reservations,
		locks:        locks,
		arena:        make(map[uuid.UUID]*Handle),
		entries:      make(map[uuid.UUID][]uuid.UUID),
	}
}

// AcquireHandles materializes a handle for every asset reserved by
// the entry. Acquisition is all-or-nothing: if any asset fails to
// initialize, everything acquired so far is torn down and an
// AcquisitionError is returned.
func (r *Registry) AcquireHandles(ctx context.Context, entryID uuid.UUID) (map[uuid.UUID]string, error) {
	reservations, err := r.reservations.ActiveForEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		return nil, &AcquisitionError{Err: fmt.Errorf("entry %v holds no active reservations", entryID)}
	}

	handles := make(map[uuid.UUID]string, len(reservations))
	acquired := make([]uuid.UUID, 0, len(reservations))

	for _, res := range reservations {
		var asset models.Asset
		if err := r.db.WithContext(ctx).First(&asset, "id = ?", res.AssetID).Error; err != nil {
			r.teardownPartial(ctx, acquired)
			return nil, &AcquisitionError{AssetID: res.AssetID, Err: err}
		}

		if _, err := r.backend.Setup(ctx, &asset); err != nil {
			r.teardownPartial(ctx, acquired)
			return nil, &AcquisitionError{AssetID: asset.ID, Err: err}
		}

		handle := &Handle{ID: uuid.NewString(), AssetID: asset.ID}

		r.mu.Lock()
		r.arena[asset.ID] = handle
		r.mu.Unlock()

		if err := r.reservations.SetAssetInUse(ctx, asset.ID); err != nil {
			r.teardownPartial(ctx, append(acquired, asset.ID))
			return nil, &AcquisitionError{AssetID: asset.ID, Err: err}
		}

		acquired = append(acquired, asset.ID)
		handles[asset.ID] = handle.ID
	}

	r.mu.Lock()
	r.entries[entryID] = acquired
	r.mu.Unlock()

	return handles, nil
}

// Execute dispatches one step against assets with live handles.
func (r *Registry) Execute(ctx context.Context, entryID uuid.UUID, req *ExecuteRequest) (map[string]any, error) {
	r.mu.Lock()
	for _, target := range req.Targets {
		if _, ok := r.arena[target]; !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("no live handle for asset %v", target)
		}
	}
	r.mu.Unlock()

	return r.backend.Execute(ctx, req)
}

// ExtendReservation pushes the reservation lease on one asset in step
// with lock renewal, so a healthy long run never looks dead to the
// reaper.
func (r *Registry) ExtendReservation(ctx context.Context, entryID, assetID uuid.UUID, expiresAt time.Time) error {
	return r.reservations.ExtendActive(ctx, entryID, assetID, expiresAt)
}

// Snapshot captures the opaque state of every asset held by the
// entry, keyed by asset id.
func (r *Registry) Snapshot(ctx context.Context, entryID uuid.UUID) (map[string]any, error) {
	r.mu.Lock()
	assetIDs := append([]uuid.UUID(nil), r.entries[entryID]...)
	r.mu.Unlock()

	snapshot := make(map[string]any, len(assetIDs))
	for _, assetID := range assetIDs {
		state, err := r.backend.Snapshot(ctx, assetID)
		if err != nil {
			return nil, err
		}
		snapshot[assetID.String()] = state
	}

	return snapshot, nil
}

// ReleaseHandles tears down every handle held by the entry, releases
// its reservations, restores assets to available, and frees the
// entry's asset locks. Teardown failures are logged, never
// propagated: leaking a stuck reservation forever is worse than a
// missed hardware flush.
func (r *Registry) ReleaseHandles(ctx context.Context, entryID uuid.UUID) error {
	r.mu.Lock()
	assetIDs := r.entries[entryID]
	delete(r.entries, entryID)
	for _, assetID := range assetIDs {
		delete(r.arena, assetID)
	}
	r.mu.Unlock()

	for _, assetID := range assetIDs {
		if err := r.backend.Teardown(ctx, assetID); err != nil {
			log.Error("handle teardown failure", "asset_id", assetID, "error", err)
		}
	}

	reservations, err := r.reservations.ActiveForEntry(ctx, entryID)
	if err != nil {
		return err
	}

	for _, res := range reservations {
		if err := r.reservations.Release(ctx, res.ID); err != nil {
			return err
		}
	}

	if _, err := r.locks.ReleaseHeldBy(ctx, entryID.String()); err != nil {
		return err
	}

	return nil
}

// teardownPartial undoes a failed all-or-nothing acquisition.
func (r *Registry) teardownPartial(ctx context.Context, assetIDs []uuid.UUID) {
	for _, assetID := range assetIDs {
		if err := r.backend.Teardown(ctx, assetID); err != nil {
			log.Error("partial acquisition teardown failure", "asset_id", assetID, "error", err)
		}

		r.mu.Lock()
		delete(r.arena, assetID)
		r.mu.Unlock()
	}
}
