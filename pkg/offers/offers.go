package offers

import (
	"strings"
	"time"
)

// NamespaceLength is the length of a well-formed storefront namespace.
const NamespaceLength = 32

// BundlePathSegment marks bundle product pages.
const BundlePathSegment = "/bundles/"

type PromotionOffer struct {
	ID          string
	Namespace   string
	Title       string
	URL         string
	IsBundle    bool
	Description string
	OfferType   string
}

type OwnedOfferRecord struct {
	OfferID   string
	Namespace string
}

// PendingClaim is an offer that is free right now and absent from the ledger.
type PendingClaim struct {
	Offer       PromotionOffer
	Attempts    int
	LastOutcome ClaimOutcome
}

type ClaimOutcome string

const (
	OutcomePending      ClaimOutcome = "pending"
	OutcomeClaimed      ClaimOutcome = "claimed"
	OutcomeAlreadyOwned ClaimOutcome = "already_owned"
	OutcomeUnavailable  ClaimOutcome = "unavailable"
	OutcomeSkipped      ClaimOutcome = "skipped"
	OutcomeTimedOut     ClaimOutcome = "timed_out"
	OutcomeFailed       ClaimOutcome = "failed"
)

// IsTerminal reports whether a claim with this outcome should be dropped from
// the pending list.
func (o ClaimOutcome) IsTerminal() bool {
	switch o {
	case OutcomeClaimed, OutcomeAlreadyOwned, OutcomeUnavailable, OutcomeSkipped, OutcomeFailed:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether the offer ends up in the library.
func (o ClaimOutcome) IsSuccess() bool {
	return o == OutcomeClaimed || o == OutcomeAlreadyOwned
}

type RunStatus string

const (
	StatusCompleted      RunStatus = "completed"
	StatusNothingToClaim RunStatus = "nothing_to_claim"
	StatusAuthFailed     RunStatus = "auth_failed"
	StatusMFARequired    RunStatus = "mfa_required"
	StatusTimedOut       RunStatus = "timed_out"
)

// SummaryEntry is the per-offer line handed to notifiers.
type SummaryEntry struct {
	Title     string       `json:"title" yaml:"title"`
	URL       string       `json:"url" yaml:"url"`
	Namespace string       `json:"namespace" yaml:"namespace"`
	Outcome   ClaimOutcome `json:"outcome" yaml:"outcome"`
	Attempts  int          `json:"attempts" yaml:"attempts"`
	Error     string       `json:"error,omitempty" yaml:"error,omitempty"`
}

// RunSummary is the structured result of one orchestrator run.
type RunSummary struct {
	RunID      string         `json:"run_id" yaml:"run_id"`
	StartedAt  time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time      `json:"finished_at" yaml:"finished_at"`
	Status     RunStatus      `json:"status" yaml:"status"`
	Entries    []SummaryEntry `json:"entries" yaml:"entries"`
	Warnings   []string       `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Count returns how many entries carry the given outcome.
func (s *RunSummary) Count(outcome ClaimOutcome) int {
	n := 0
	for _, e := range s.Entries {
		if e.Outcome == outcome {
			n++
		}
	}
	return n
}

// ValidNamespace reports whether ns looks like a real storefront namespace.
func ValidNamespace(ns string) bool {
	return len(ns) == NamespaceLength
}

// IsBundleURL reports whether the product URL points at a bundle page.
func IsBundleURL(u string) bool {
	return strings.Contains(u, BundlePathSegment)
}

// NewSummaryEntry builds a summary line for an offer.
func NewSummaryEntry(o PromotionOffer, outcome ClaimOutcome, attempts int, err error) SummaryEntry {
	e := SummaryEntry{
		Title:     o.Title,
		URL:       o.URL,
		Namespace: o.Namespace,
		Outcome:   outcome,
		Attempts:  attempts,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
