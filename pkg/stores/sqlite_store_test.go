package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) (*SQLiteStore, *quartz.Mock) {
	t.Helper()

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	store, err := NewSQLiteStore(Config{
		Path:  ":memory:",
		Clock: clock,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	return store, clock
}

func ptr[T any](v T) *T { return &v }

func testLease(email, id string) *Lease {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return &Lease{
		LeaseKey:     LeaseKey{UserEmail: email, UUID: id},
		Status:       LeaseStatusActive,
		AWSAccountID: "111122223333",
		MaxSpend:     ptr(100.0),
		BudgetThresholds: []BudgetThreshold{
			{DollarsSpent: 50, Action: ThresholdActionAlert},
			{DollarsSpent: 90, Action: ThresholdActionFreeze},
		},
		LeaseDurationInHours: ptr(24.0),
		ExpirationDate:       ptr(start.Add(24 * time.Hour)),
		DurationThresholds: []DurationThreshold{
			{HoursRemaining: 4, Action: ThresholdActionAlert},
		},
		StartDate: &start,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.HealthCheck(ctx))
	require.NoError(t, store.Close())
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(Config{})
	require.Error(t, err)
}

// TestStoreMigrations checks that every table exists and migrating twice is a no-op.
func TestStoreMigrations(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"leases", "blueprints", "deployment_targets", "deployment_records"} {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		assert.NoError(t, err, "table %s", table)
	}

	require.NoError(t, store.Migrate(ctx))
}

func TestLeaseCRUD(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	lease := testLease("dev@example.com", "lease-1")
	require.NoError(t, store.CreateLease(ctx, lease))
	assert.False(t, lease.LastEditTime.IsZero())

	got, err := store.GetLease(ctx, lease.LeaseKey)
	require.NoError(t, err)
	assert.Equal(t, lease.Status, got.Status)
	assert.Equal(t, lease.BudgetThresholds, got.BudgetThresholds)
	assert.Equal(t, lease.DurationThresholds, got.DurationThresholds)
	assert.Equal(t, *lease.MaxSpend, *got.MaxSpend)
	assert.True(t, lease.ExpirationDate.Equal(*got.ExpirationDate))
	assert.True(t, lease.LastEditTime.Equal(got.LastEditTime))
	assert.Nil(t, got.LastCheckedDate)

	err = store.CreateLease(ctx, testLease("dev@example.com", "lease-1"))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = store.GetLease(ctx, LeaseKey{UserEmail: "nobody@example.com", UUID: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateLeaseOptimisticConcurrency(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateLease(ctx, testLease("dev@example.com", "lease-1")))

	first, err := store.GetLease(ctx, LeaseKey{UserEmail: "dev@example.com", UUID: "lease-1"})
	require.NoError(t, err)
	second, err := store.GetLease(ctx, first.LeaseKey)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	stale := first.LastEditTime
	first.Status = LeaseStatusFrozen
	require.NoError(t, store.UpdateLease(ctx, first, &stale))
	assert.True(t, first.LastEditTime.After(stale))

	// The second reader still holds the old token.
	second.Status = LeaseStatusExpired
	err = store.UpdateLease(ctx, second, &second.LastEditTime)
	require.ErrorIs(t, err, ErrConcurrentModification)

	stored, err := store.GetLease(ctx, first.LeaseKey)
	require.NoError(t, err)
	assert.Equal(t, LeaseStatusFrozen, stored.Status)

	// An unconditional write always lands.
	second.Status = LeaseStatusActive
	require.NoError(t, store.UpdateLease(ctx, second, nil))
	stored, err = store.GetLease(ctx, first.LeaseKey)
	require.NoError(t, err)
	assert.Equal(t, LeaseStatusActive, stored.Status)

	missing := testLease("ghost@example.com", "none")
	err = store.UpdateLease(ctx, missing, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateLeaseWithFrozenClockStillAdvancesToken(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	lease := testLease("dev@example.com", "lease-1")
	require.NoError(t, store.CreateLease(ctx, lease))
	before := lease.LastEditTime

	require.NoError(t, store.UpdateLease(ctx, lease, &before))
	assert.True(t, lease.LastEditTime.After(before))

	err := store.UpdateLease(ctx, lease, &before)
	assert.ErrorIs(t, err, ErrConcurrentModification)
}

func TestRecordLeaseCheckLeavesEditTokenAlone(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	lease := testLease("dev@example.com", "lease-1")
	require.NoError(t, store.CreateLease(ctx, lease))

	checked := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordLeaseCheck(ctx, lease.LeaseKey, 42.5, checked))

	got, err := store.GetLease(ctx, lease.LeaseKey)
	require.NoError(t, err)
	assert.InDelta(t, 42.5, got.TotalCostAccrued, 1e-9)
	require.NotNil(t, got.LastCheckedDate)
	assert.True(t, checked.Equal(*got.LastCheckedDate))
	assert.True(t, lease.LastEditTime.Equal(got.LastEditTime))

	// Lifecycle writes keep the monitoring columns.
	got.Status = LeaseStatusFrozen
	got.TotalCostAccrued = 0
	require.NoError(t, store.UpdateLease(ctx, got, &lease.LastEditTime))
	again, err := store.GetLease(ctx, lease.LeaseKey)
	require.NoError(t, err)
	assert.InDelta(t, 42.5, again.TotalCostAccrued, 1e-9)

	err = store.RecordLeaseCheck(ctx, LeaseKey{UserEmail: "x", UUID: "y"}, 1, checked)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListLeasesPaginationAndFilter(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	statuses := []LeaseStatus{LeaseStatusActive, LeaseStatusFrozen, LeaseStatusExpired}
	for i := 0; i < 7; i++ {
		lease := testLease(fmt.Sprintf("user%d@example.com", i), fmt.Sprintf("lease-%d", i))
		lease.Status = statuses[i%len(statuses)]
		require.NoError(t, store.CreateLease(ctx, lease))
	}

	filter := LeaseFilter{Statuses: []LeaseStatus{LeaseStatusActive, LeaseStatusFrozen}}
	var (
		seen   []string
		cursor string
		pages  int
	)
	for {
		page, err := store.ListLeases(ctx, filter, PageRequest{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		pages++
		for _, l := range page.Items {
			assert.NotEqual(t, LeaseStatusExpired, l.Status)
			seen = append(seen, l.UUID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, []string{"lease-0", "lease-1", "lease-3", "lease-4", "lease-6"}, seen)
	assert.Equal(t, 3, pages)

	_, err := store.ListLeases(ctx, filter, PageRequest{Cursor: "not a cursor!"})
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func testBlueprint(id string) (*Blueprint, []*DeploymentTarget) {
	bp := &Blueprint{
		ID:        id,
		Name:      "Sandbox " + id,
		CreatedBy: "admin@example.com",
		Tags:      map[string]string{"team": "platform"},
	}
	targets := []*DeploymentTarget{
		{
			ID:          "primary",
			TemplateRef: "sandbox-stackset",
			Regions:     []string{"us-east-1", "eu-west-1"},
			Rollout: RolloutPolicy{
				MaxConcurrentPercentage:    50,
				FailureTolerancePercentage: 0,
				ConcurrencyMode:            ConcurrencyModeStrict,
				RegionConcurrency:          RegionConcurrencySequential,
			},
		},
		{ID: "secondary", TemplateRef: "sandbox-extra", Regions: []string{"us-west-2"}},
	}
	return bp, targets
}

func TestCreateBlueprintIsAtomic(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	bp, targets := testBlueprint("bp-1")
	require.NoError(t, store.CreateBlueprint(ctx, bp, targets...))
	assert.Equal(t, 1, bp.Version)

	got, err := store.GetBlueprint(ctx, "bp-1")
	require.NoError(t, err)
	assert.Equal(t, bp.Name, got.Name)
	assert.Equal(t, bp.Tags, got.Tags)

	listed, err := store.ListDeploymentTargets(ctx, "bp-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, targets[0].Rollout, listed[0].Rollout)
	assert.Equal(t, []string{"us-east-1", "eu-west-1"}, listed[0].Regions)

	// A colliding target aborts the blueprint insert too.
	bp2, _ := testBlueprint("bp-2")
	dup := []*DeploymentTarget{{ID: "a", TemplateRef: "x"}, {ID: "a", TemplateRef: "y"}}
	err = store.CreateBlueprint(ctx, bp2, dup...)
	require.ErrorIs(t, err, ErrAlreadyExists)

	_, err = store.GetBlueprint(ctx, "bp-2")
	assert.ErrorIs(t, err, ErrNotFound)

	bp3, _ := testBlueprint("bp-1")
	assert.ErrorIs(t, store.CreateBlueprint(ctx, bp3), ErrAlreadyExists)
}

func TestUpdateBlueprintWithTargetsRollsBackOnConflict(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	bp, targets := testBlueprint("bp-1")
	require.NoError(t, store.CreateBlueprint(ctx, bp, targets...))

	clock.Advance(time.Second)
	bpToken := bp.LastEditTime
	staleTarget := targets[0].LastEditTime

	// Someone else edits the target first.
	other, err := store.GetDeploymentTarget(ctx, "bp-1", "primary")
	require.NoError(t, err)
	other.Regions = []string{"ap-southeast-2"}
	require.NoError(t, store.UpdateDeploymentTarget(ctx, other, &other.LastEditTime))

	bp.Name = "renamed"
	targets[0].TemplateRef = "changed"
	err = store.UpdateBlueprintWithTargets(ctx, bp, &bpToken, []TargetUpdate{{Target: targets[0], Expected: &staleTarget}})
	require.ErrorIs(t, err, ErrConcurrentModification)

	got, err := store.GetBlueprint(ctx, "bp-1")
	require.NoError(t, err)
	assert.Equal(t, "Sandbox bp-1", got.Name)
	assert.Equal(t, 1, got.Version)

	fresh, err := store.GetDeploymentTarget(ctx, "bp-1", "primary")
	require.NoError(t, err)
	assert.Equal(t, "sandbox-stackset", fresh.TemplateRef)

	fresh.TemplateRef = "changed"
	require.NoError(t, store.UpdateBlueprintWithTargets(ctx, bp, &bpToken, []TargetUpdate{{Target: fresh, Expected: &fresh.LastEditTime}}))
	assert.Equal(t, 2, bp.Version)
}

func TestDeleteBlueprintCascadesButKeepsHistory(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	bp, targets := testBlueprint("bp-1")
	require.NoError(t, store.CreateBlueprint(ctx, bp, targets...))

	require.NoError(t, store.RecordAttemptStart(ctx, &DeploymentRecord{
		BlueprintID: "bp-1",
		TargetID:    "primary",
		OperationID: "op-1",
		StartedAt:   clock.Now(),
		Status:      DeploymentStatusRunning,
	}))

	require.NoError(t, store.DeleteBlueprint(ctx, "bp-1"))
	_, err := store.GetDeploymentTarget(ctx, "bp-1", "primary")
	assert.ErrorIs(t, err, ErrNotFound)

	record, err := store.GetDeploymentRecord(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, DeploymentStatusRunning, record.Status)

	// Terminal writes still land once the blueprint is gone.
	_, err = store.RecordAttemptTerminal(ctx, TerminalUpdate{
		OperationID: "op-1",
		Status:      DeploymentStatusSucceeded,
		CompletedAt: clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	assert.ErrorIs(t, store.DeleteBlueprint(ctx, "bp-1"), ErrNotFound)
}

func TestRecordAttemptTerminalUpdatesHealth(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	bp, targets := testBlueprint("bp-1")
	require.NoError(t, store.CreateBlueprint(ctx, bp, targets...))

	start := clock.Now()
	for i, status := range []DeploymentStatus{DeploymentStatusFailed, DeploymentStatusFailed, DeploymentStatusSucceeded} {
		opID := fmt.Sprintf("op-%d", i)
		require.NoError(t, store.RecordAttemptStart(ctx, &DeploymentRecord{
			BlueprintID: "bp-1",
			TargetID:    "primary",
			OperationID: opID,
			StartedAt:   start.Add(time.Duration(i) * time.Hour),
			Status:      DeploymentStatusRunning,
		}))

		update := TerminalUpdate{
			OperationID: opID,
			Status:      status,
			CompletedAt: start.Add(time.Duration(i)*time.Hour + 10*time.Minute),
		}
		if status == DeploymentStatusFailed {
			update.ErrorType = "DeploymentFailed"
		}
		record, err := store.RecordAttemptTerminal(ctx, update)
		require.NoError(t, err)
		assert.Equal(t, status, record.Status)
		require.NotNil(t, record.DurationSeconds)
		assert.InDelta(t, 600, *record.DurationSeconds, 1e-6)

		if i == 1 {
			mid, err := store.GetBlueprint(ctx, "bp-1")
			require.NoError(t, err)
			assert.EqualValues(t, 2, mid.Health.ConsecutiveFailures)
		}
	}

	got, err := store.GetBlueprint(ctx, "bp-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Health.DeploymentCount)
	assert.EqualValues(t, 1, got.Health.SuccessCount)
	assert.EqualValues(t, 0, got.Health.ConsecutiveFailures)
	assert.InDelta(t, 1800, got.Health.TotalDurationSeconds, 1e-6)
	assert.NotNil(t, got.Health.LastSuccessAt)
	assert.NotNil(t, got.Health.LastFailureAt)
	assert.InDelta(t, 1.0/3.0, got.Health.SuccessRate(), 1e-9)
	assert.Equal(t, 10*time.Minute, got.Health.AverageDuration())
	// Health increments do not invalidate edit tokens.
	assert.True(t, bp.LastEditTime.Equal(got.LastEditTime))

	target, err := store.GetDeploymentTarget(ctx, "bp-1", "primary")
	require.NoError(t, err)
	assert.EqualValues(t, 3, target.Health.DeploymentCount)

	untouched, err := store.GetDeploymentTarget(ctx, "bp-1", "secondary")
	require.NoError(t, err)
	assert.EqualValues(t, 0, untouched.Health.DeploymentCount)

	_, err = store.RecordAttemptTerminal(ctx, TerminalUpdate{
		OperationID: "op-0",
		Status:      DeploymentStatusSucceeded,
		CompletedAt: clock.Now(),
	})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	_, err = store.RecordAttemptTerminal(ctx, TerminalUpdate{OperationID: "missing", Status: DeploymentStatusFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordAttemptStartTerminalCountsHealth(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	bp, targets := testBlueprint("bp-1")
	require.NoError(t, store.CreateBlueprint(ctx, bp, targets...))

	now := clock.Now()
	require.NoError(t, store.RecordAttemptStart(ctx, &DeploymentRecord{
		BlueprintID:  "bp-1",
		TargetID:     "primary",
		OperationID:  "op-conflict",
		StartedAt:    now,
		CompletedAt:  &now,
		Status:       DeploymentStatusFailed,
		ErrorType:    "OperationInProgress",
		ErrorMessage: "another operation is running",
	}))

	got, err := store.GetBlueprint(ctx, "bp-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Health.DeploymentCount)
	assert.EqualValues(t, 1, got.Health.ConsecutiveFailures)

	err = store.RecordAttemptStart(ctx, &DeploymentRecord{
		BlueprintID: "bp-1", TargetID: "primary", OperationID: "op-conflict",
		StartedAt: now.Add(time.Second), Status: DeploymentStatusRunning,
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestConcurrentTerminalWritesKeepEveryIncrement(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	bp, targets := testBlueprint("bp-1")
	require.NoError(t, store.CreateBlueprint(ctx, bp, targets...))

	const n = 10
	start := clock.Now()
	for i := 0; i < n; i++ {
		require.NoError(t, store.RecordAttemptStart(ctx, &DeploymentRecord{
			BlueprintID: "bp-1",
			TargetID:    "primary",
			OperationID: fmt.Sprintf("op-%d", i),
			StartedAt:   start,
			Status:      DeploymentStatusRunning,
		}))
	}

	var wg sync.WaitGroup
	errs := make(chan error, n*2)
	for i := 0; i < n; i++ {
		// Two writers race on every record; exactly one must win.
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(op string) {
				defer wg.Done()
				_, err := store.RecordAttemptTerminal(ctx, TerminalUpdate{
					OperationID: op,
					Status:      DeploymentStatusSucceeded,
					CompletedAt: start.Add(time.Minute),
				})
				errs <- err
			}(fmt.Sprintf("op-%d", i))
		}
	}
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyTerminal):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, n, won)
	assert.Equal(t, n, lost)

	got, err := store.GetBlueprint(ctx, "bp-1")
	require.NoError(t, err)
	assert.EqualValues(t, n, got.Health.DeploymentCount)
	assert.EqualValues(t, n, got.Health.SuccessCount)
}

func TestListDeploymentRecordsAndPrune(t *testing.T) {
	store, clock := setupTestStore(t)
	ctx := context.Background()

	start := clock.Now()
	for i := 0; i < 5; i++ {
		record := &DeploymentRecord{
			BlueprintID: "bp-1",
			TargetID:    "primary",
			OperationID: fmt.Sprintf("op-%d", i),
			StartedAt:   start.Add(time.Duration(i) * time.Minute),
			Status:      DeploymentStatusSucceeded,
			ExpiresAt:   start.Add(time.Duration(i) * 24 * time.Hour),
		}
		if i == 0 {
			record.Status = DeploymentStatusRunning
		}
		require.NoError(t, store.RecordAttemptStart(ctx, record))
	}

	first, err := store.ListDeploymentRecords(ctx, "bp-1", PageRequest{Limit: 3})
	require.NoError(t, err)
	require.Len(t, first.Items, 3)
	assert.Equal(t, "op-4", first.Items[0].OperationID)
	require.NotEmpty(t, first.NextCursor)

	second, err := store.ListDeploymentRecords(ctx, "bp-1", PageRequest{Limit: 3, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.Equal(t, "op-1", second.Items[0].OperationID)
	assert.Empty(t, second.NextCursor)

	// op-0 is still running and op-1/op-2 have expired.
	removed, err := store.PruneDeploymentHistory(ctx, start.Add(2*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	_, err = store.GetDeploymentRecord(ctx, "op-0")
	require.NoError(t, err)
	_, err = store.GetDeploymentRecord(ctx, "op-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListBlueprintsPagination(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		bp, _ := testBlueprint(id)
		require.NoError(t, store.CreateBlueprint(ctx, bp))
	}

	page, err := store.ListBlueprints(ctx, PageRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "a", page.Items[0].ID)

	rest, err := store.ListBlueprints(ctx, PageRequest{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	assert.Equal(t, "c", rest.Items[0].ID)
	assert.Empty(t, rest.NextCursor)
}
