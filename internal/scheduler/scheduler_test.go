package scheduler

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/assetlock"
	"github.com/maraxen/praxis/internal/history"
	"github.com/maraxen/praxis/internal/metrics"
	metricstest "github.com/maraxen/praxis/internal/metrics/testutil"
	"github.com/maraxen/praxis/internal/models"
	"github.com/maraxen/praxis/internal/protocol"
	"github.com/maraxen/praxis/internal/reservation"
	"github.com/maraxen/praxis/internal/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db           *gorm.DB
	sched        *Scheduler
	locks        *assetlock.Manager
	reservations *reservation.Store
	protocols    *protocol.Store
	history      *history.Log
	queue        *Queue
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	db := testutil.OpenTestDB(t)
	t.Cleanup(func() { testutil.CloseDB(db) })

	locks := assetlock.NewManager(db, time.Second)
	reservations := reservation.NewStore(db)
	protocols := protocol.NewStore(db)
	historyLog := history.NewLog(db)
	queue := NewQueue(4)

	_, err := protocols.Register(context.Background(), []byte(testutil.SampleProtocol))
	require.NoError(t, err)

	return &fixture{
		db:           db,
		sched:        New(db, locks, reservations, protocols, historyLog, queue, cfg),
		locks:        locks,
		reservations: reservations,
		protocols:    protocols,
		history:      historyLog,
		queue:        queue,
	}
}

func (f *fixture) makeWorkcell(t *testing.T) (*models.Asset, *models.Asset) {
	t.Helper()
	handler := testutil.MakeAsset(t, f.db, "handler-1", models.AssetKindMachine, "liquid_handling")
	plate := testutil.MakeAsset(t, f.db, "plate-1", models.AssetKindResource, "microplate")
	return handler, plate
}

func TestSubmit(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	entry, err := f.sched.Submit(ctx, "plate-prep", 3)
	require.NoError(t, err)
	require.Equal(t, models.ScheduleEntryStatusQueued, entry.Status)
	require.Equal(t, 3, entry.Priority)
	require.Len(t, entry.AssetSpecs, 2)

	_, err = f.sched.Submit(ctx, "missing", 0)
	require.Error(t, err)
}

func TestCancelQueuedOnly(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	entry, err := f.sched.Submit(ctx, "plate-prep", 0)
	require.NoError(t, err)

	require.NoError(t, f.sched.Cancel(ctx, entry.ID))

	var stored models.ScheduleEntry
	require.NoError(t, f.db.First(&stored, "id = ?", entry.ID).Error)
	require.Equal(t, models.ScheduleEntryStatusCancelled, stored.Status)

	// Entries past the queued state are out of the scheduler's reach.
	admitted, err := f.sched.Submit(ctx, "plate-prep", 0)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.ScheduleEntry{}).
		Where("id = ?", admitted.ID).
		Update("status", models.ScheduleEntryStatusAdmitted).Error)

	require.NoError(t, f.sched.Cancel(ctx, admitted.ID))
	var storedAdmitted models.ScheduleEntry
	require.NoError(t, f.db.First(&storedAdmitted, "id = ?", admitted.ID).Error)
	require.Equal(t, models.ScheduleEntryStatusAdmitted, storedAdmitted.Status)
}

func TestClaimNextOrdering(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)

	low, err := f.sched.Submit(ctx, "plate-prep", 5)
	require.NoError(t, err)
	urgent, err := f.sched.Submit(ctx, "plate-prep", 1)
	require.NoError(t, err)
	urgentButNewer, err := f.sched.Submit(ctx, "plate-prep", 1)
	require.NoError(t, err)

	for i, e := range []*models.ScheduleEntry{low, urgent, urgentButNewer} {
		require.NoError(t, f.db.Model(&models.ScheduleEntry{}).
			Where("id = ?", e.ID).
			Update("requested_at", base.Add(time.Duration(i)*time.Second)).Error)
	}

	claimed, err := f.sched.claimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, urgent.ID, claimed.ID)
	require.Equal(t, models.ScheduleEntryStatusReserving, claimed.Status)

	claimed, err = f.sched.claimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, urgentButNewer.ID, claimed.ID)

	claimed, err = f.sched.claimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, low.ID, claimed.ID)

	claimed, err = f.sched.claimNext(ctx)
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestClaimNextHonorsBackoff(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	entry, err := f.sched.Submit(ctx, "plate-prep", 0)
	require.NoError(t, err)

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, f.db.Model(&models.ScheduleEntry{}).
		Where("id = ?", entry.ID).
		Update("not_before", future).Error)

	claimed, err := f.sched.claimNext(ctx)
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestClaimNextReclaimsStaleReserving(t *testing.T) {
	f := newFixture(t, Config{ClaimTTL: time.Minute})
	ctx := context.Background()

	entry, err := f.sched.Submit(ctx, "plate-prep", 0)
	require.NoError(t, err)

	claimed, err := f.sched.claimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, models.ScheduleEntryStatusReserving, claimed.Status)
	require.NotNil(t, claimed.ClaimedAt)

	// A fresh claim belongs to a live admission attempt; nobody else
	// may pick it up.
	claimed, err = f.sched.claimNext(ctx)
	require.NoError(t, err)
	require.Nil(t, claimed)

	// The claiming scheduler dies mid-admission: the claim lease
	// lapses and the entry returns to the pending queue.
	stale := time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, f.db.Model(&models.ScheduleEntry{}).
		Where("id = ?", entry.ID).
		Update("claimed_at", stale).Error)

	claimed, err = f.sched.claimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, entry.ID, claimed.ID)
	require.Equal(t, models.ScheduleEntryStatusReserving, claimed.Status)
	require.True(t, claimed.ClaimedAt.After(stale))
}

func TestAdmit(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	handler, plate := f.makeWorkcell(t)

	entry, err := f.sched.Submit(ctx, "plate-prep", 0)
	require.NoError(t, err)

	claimed, err := f.sched.claimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	admitted := metricstest.VecValue(t, metrics.AdmissionsTotal, "admitted")
	require.NoError(t, f.sched.admit(ctx, claimed))
	require.Equal(t, admitted+1, metricstest.VecValue(t, metrics.AdmissionsTotal, "admitted"))

	var stored models.ScheduleEntry
	require.NoError(t, f.db.First(&stored, "id = ?", entry.ID).Error)
	require.Equal(t, models.ScheduleEntryStatusAdmitted, stored.Status)
	require.Equal(t, handler.ID.String(), stored.AssignedAssets["handler"])
	require.Equal(t, plate.ID.String(), stored.AssignedAssets["plate"])

	// Both assets are locked by the entry and reserved.
	for _, assetID := range []uuid.UUID{handler.ID, plate.ID} {
		lock, err := f.locks.Lookup(ctx, assetID, entry.ID.String())
		require.NoError(t, err)
		require.NotNil(t, lock)
	}

	reservations, err := f.reservations.ActiveForEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, reservations, 2)

	select {
	case msg := <-f.queue.Messages():
		require.Equal(t, entry.ID, msg.ScheduleEntryID)
		require.Equal(t, "plate-prep", msg.ProtocolRef)
		require.Len(t, msg.AssetReservationIDs, 2)
	default:
		t.Fatal("expected admitted entry on the task queue")
	}

	events, err := f.history.Events(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.HistoryEventReserved, events[0].Type)
}

func TestAdmitNoCandidatesRequeues(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// No assets exist at all.
	entry, err := f.sched.Submit(ctx, "plate-prep", 0)
	require.NoError(t, err)

	claimed, err := f.sched.claimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sched.admit(ctx, claimed))

	var stored models.ScheduleEntry
	require.NoError(t, f.db.First(&stored, "id = ?", entry.ID).Error)
	require.Equal(t, models.ScheduleEntryStatusQueued, stored.Status)
	require.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.NotBefore)
	require.True(t, stored.NotBefore.After(time.Now().UTC().Add(-time.Second)))

	events, err := f.history.Events(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.HistoryEventRequeued, events[0].Type)
}

func TestAdmitLockBusyReleasesAndRequeues(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	handler, plate := f.makeWorkcell(t)

	// Another holder pins one of the two required assets.
	contended := handler.ID
	if plate.ID.String() > handler.ID.String() {
		contended = plate.ID
	}
	held, err := f.locks.Acquire(ctx, contended, "rival", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	entry, err := f.sched.Submit(ctx, "plate-prep", 0)
	require.NoError(t, err)

	claimed, err := f.sched.claimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sched.admit(ctx, claimed))

	var stored models.ScheduleEntry
	require.NoError(t, f.db.First(&stored, "id = ?", entry.ID).Error)
	require.Equal(t, models.ScheduleEntryStatusQueued, stored.Status)
	require.Equal(t, 1, stored.RetryCount)

	// The lock acquired before hitting the busy one must have been
	// rolled back.
	cleared, err := f.locks.ReleaseHeldBy(ctx, entry.ID.String())
	require.NoError(t, err)
	require.Zero(t, cleared)

	reservations, err := f.reservations.ActiveForEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Empty(t, reservations)

	select {
	case <-f.queue.Messages():
		t.Fatal("busy entry must not reach the task queue")
	default:
	}
}

func TestRequeueCeilingFailsEntry(t *testing.T) {
	f := newFixture(t, Config{RetryCeiling: 2})
	ctx := context.Background()

	entry, err := f.sched.Submit(ctx, "plate-prep", 0)
	require.NoError(t, err)
	entry.RetryCount = 2

	require.NoError(t, f.sched.requeue(ctx, entry, "asset lock busy"))

	var stored models.ScheduleEntry
	require.NoError(t, f.db.First(&stored, "id = ?", entry.ID).Error)
	require.Equal(t, models.ScheduleEntryStatusFailed, stored.Status)
	require.Equal(t, ReasonReservationTimeout, stored.Reason)

	events, err := f.history.Events(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.HistoryEventFailed, events[0].Type)
}

func TestRequeueBackoffGrows(t *testing.T) {
	f := newFixture(t, Config{BackoffBase: 10 * time.Millisecond, BackoffCeiling: 40 * time.Millisecond})
	ctx := context.Background()

	entry, err := f.sched.Submit(ctx, "plate-prep", 0)
	require.NoError(t, err)

	var previous time.Time
	for retry := 1; retry <= 4; retry++ {
		entry.RetryCount = retry - 1
		require.NoError(t, f.sched.requeue(ctx, entry, "asset lock busy"))

		var stored models.ScheduleEntry
		require.NoError(t, f.db.First(&stored, "id = ?", entry.ID).Error)
		require.Equal(t, retry, stored.RetryCount)
		require.NotNil(t, stored.NotBefore)

		if retry > 1 {
			// Bounded exponential: each delay is at least as long as
			// the previous one and never beyond the ceiling.
			require.False(t, stored.NotBefore.Before(previous.Add(-5*time.Millisecond)))
		}
		require.True(t, stored.NotBefore.Before(time.Now().UTC().Add(100*time.Millisecond)))
		previous = *stored.NotBefore
	}
}

func TestResolvePrefersLowestID(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first := testutil.MakeAsset(t, f.db, "handler-1", models.AssetKindMachine, "liquid_handling")
	second := testutil.MakeAsset(t, f.db, "handler-2", models.AssetKindMachine, "liquid_handling")
	testutil.MakeAsset(t, f.db, "plate-1", models.AssetKindResource, "microplate")

	ids := []string{first.ID.String(), second.ID.String()}
	sort.Strings(ids)

	entry, err := f.sched.Submit(ctx, "plate-prep", 0)
	require.NoError(t, err)

	assigned, ok, err := f.sched.resolve(ctx, entry)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ids[0], assigned["handler"].String())
}

func TestResolveNeverDoubleAssigns(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// One machine that satisfies both specs of a two-machine protocol.
	testutil.MakeAsset(t, f.db, "handler-1", models.AssetKindMachine, "liquid_handling", "sealing")

	_, err := f.sched.protocols.Register(ctx, []byte(`
apiVersion: v1
kind: Protocol
metadata:
  alias: two-machines
assets:
  - ref: handler
    kind: machine
    capability: liquid_handling
  - ref: sealer
    kind: machine
    capability: sealing
steps:
  - name: seal
    targets: [sealer]
`))
	require.NoError(t, err)

	entry, err := f.sched.Submit(ctx, "two-machines", 0)
	require.NoError(t, err)

	_, ok, err := f.sched.resolve(ctx, entry)
	require.NoError(t, err)
	require.False(t, ok)
}
