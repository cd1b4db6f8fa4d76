package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/egsclaim/egsclaim/pkg/offers"
)

const (
	nsA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	nsB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	nsC = "cccccccccccccccccccccccccccccccc"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func summary(id string, at time.Time, entries ...offers.SummaryEntry) *offers.RunSummary {
	return &offers.RunSummary{
		RunID:      id,
		StartedAt:  at,
		FinishedAt: at.Add(time.Minute),
		Status:     offers.StatusCompleted,
		Entries:    entries,
	}
}

func TestRecordAndList(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	first := summary("run-1", t0,
		offers.SummaryEntry{Title: "Alpha", URL: "https://x/p/alpha", Namespace: nsA, Outcome: offers.OutcomeClaimed, Attempts: 1},
		offers.SummaryEntry{Title: "Beta", URL: "https://x/p/beta", Namespace: nsB, Outcome: offers.OutcomeFailed, Attempts: 3, Error: "checkout timed out"},
	)
	first.Warnings = []string{"ledger: order history unavailable"}
	require.NoError(t, db.RecordRun(ctx, first))

	second := summary("run-2", t0.Add(24*time.Hour),
		offers.SummaryEntry{Title: "Beta", URL: "https://x/p/beta", Namespace: nsB, Outcome: offers.OutcomeAlreadyOwned},
		offers.SummaryEntry{Title: "Gamma", URL: "https://x/bundles/gamma", Namespace: nsC, Outcome: offers.OutcomeSkipped},
	)
	require.NoError(t, db.RecordRun(ctx, second))

	claims, err := db.ListClaims(ctx, ListClaimsOptions{})
	require.NoError(t, err)
	require.Len(t, claims, 4)
	require.Equal(t, "run-2", claims[0].RunID)

	failed, err := db.ListClaims(ctx, ListClaimsOptions{Outcome: offers.OutcomeFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "checkout timed out", failed[0].Error)
	require.Equal(t, 3, failed[0].Attempts)
	require.True(t, failed[0].OccurredAt.Equal(t0.Add(time.Minute)))

	recent, err := db.ListClaims(ctx, ListClaimsOptions{Since: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, recent, 2)

	runs, err := db.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-2", runs[0].ID)
	require.Equal(t, []string{"ledger: order history unavailable"}, runs[1].Warnings)
	require.Equal(t, 2, runs[1].Entries)
}

func TestClaimedNamespaces(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.RecordRun(ctx, summary("r1", now,
		offers.SummaryEntry{Namespace: nsA, Outcome: offers.OutcomeClaimed},
		offers.SummaryEntry{Namespace: nsB, Outcome: offers.OutcomeTimedOut},
		offers.SummaryEntry{Namespace: nsC, Outcome: offers.OutcomeAlreadyOwned},
	)))
	require.NoError(t, db.RecordRun(ctx, summary("r2", now.Add(time.Hour),
		offers.SummaryEntry{Namespace: nsA, Outcome: offers.OutcomeAlreadyOwned},
	)))

	owned, err := db.ClaimedNamespaces(ctx)
	require.NoError(t, err)
	require.Equal(t, []offers.OwnedOfferRecord{{Namespace: nsA}, {Namespace: nsC}}, owned)
}

func TestDuplicateRunRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := summary("dup", time.Now(), offers.SummaryEntry{Namespace: nsA, Outcome: offers.OutcomeClaimed})

	require.NoError(t, db.RecordRun(ctx, s))
	require.Error(t, db.RecordRun(ctx, s))

	claims, err := db.ListClaims(ctx, ListClaimsOptions{})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Error(t, db.RecordRun(ctx, &offers.RunSummary{}))
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	st, err := db.GetStats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Runs)
	require.True(t, st.LastRun.IsZero())

	at := time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, db.RecordRun(ctx, summary("r1", at,
		offers.SummaryEntry{Namespace: nsA, Outcome: offers.OutcomeClaimed},
		offers.SummaryEntry{Namespace: nsB, Outcome: offers.OutcomeClaimed},
	)))
	require.NoError(t, db.RecordRun(ctx, summary("r2", at.Add(time.Hour),
		offers.SummaryEntry{Namespace: nsA, Outcome: offers.OutcomeAlreadyOwned},
	)))

	st, err = db.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.Runs)
	require.True(t, st.LastRun.Equal(at.Add(time.Hour)))
	require.Equal(t, []OutcomeStats{
		{Outcome: offers.OutcomeAlreadyOwned, Count: 1, Offers: 1},
		{Outcome: offers.OutcomeClaimed, Count: 2, Offers: 2},
	}, st.ByOutcome)
}
