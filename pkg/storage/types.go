package storage

import (
	"time"

	"github.com/egsclaim/egsclaim/pkg/offers"
)

// Run is one stored orchestrator run.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     offers.RunStatus
	Warnings   []string
	// Entries is the number of claim rows recorded for the run.
	Entries int
}

// Claim is a single per-offer outcome of a run.
type Claim struct {
	RunID      string
	OccurredAt time.Time

	Namespace string
	Title     string
	URL       string

	Outcome  offers.ClaimOutcome
	Attempts int
	Error    string
}

type OutcomeStats struct {
	Outcome offers.ClaimOutcome
	Count   int
	// Offers counts distinct namespaces with this outcome.
	Offers int
}

type Stats struct {
	Runs      int
	LastRun   time.Time
	ByOutcome []OutcomeStats
}
