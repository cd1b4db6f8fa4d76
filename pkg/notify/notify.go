// Package notify pushes run summaries to the operator.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/sjson"

	"github.com/egsclaim/egsclaim/pkg/offers"
	"github.com/egsclaim/egsclaim/pkg/whttp"
)

type Notifier interface {
	Notify(ctx context.Context, s *offers.RunSummary) error
}

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, s *offers.RunSummary) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter drops summaries that claimed nothing and ended normally when
// OnlyChanges is set.
type Filter struct {
	Next        Notifier
	OnlyChanges bool
}

func (f Filter) Notify(ctx context.Context, s *offers.RunSummary) error {
	if f.OnlyChanges && !Noteworthy(s) {
		return nil
	}
	return f.Next.Notify(ctx, s)
}

// Noteworthy reports whether a run claimed something, failed something, or
// did not complete.
func Noteworthy(s *offers.RunSummary) bool {
	switch s.Status {
	case offers.StatusCompleted, offers.StatusNothingToClaim:
	default:
		return true
	}
	for _, e := range s.Entries {
		switch e.Outcome {
		case offers.OutcomeClaimed, offers.OutcomeFailed, offers.OutcomeSkipped, offers.OutcomeTimedOut:
			return true
		}
	}
	return false
}

// Webhook posts the summary as JSON.
type Webhook struct {
	URL  string
	HTTP *retryablehttp.Client
}

func (w *Webhook) Notify(ctx context.Context, s *offers.RunSummary) error {
	body, err := WebhookBody(s)
	if err != nil {
		return err
	}
	res, err := whttp.SendHTTPRequest(ctx, &whttp.WHTTPReq{
		URL:     w.URL,
		Method:  "POST",
		Headers: []whttp.WHTTPHeader{{Name: "Content-Type", Value: "application/json"}},
		Body:    bytes.NewReader(body),
	}, w.HTTP)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("webhook: unexpected status %d", res.StatusCode)
	}
	return nil
}

// WebhookBody renders the JSON document posted by Webhook. The text field
// carries RenderText for chat webhooks that only display one string.
func WebhookBody(s *offers.RunSummary) ([]byte, error) {
	out := []byte(`{"entries":[]}`)
	var err error
	set := func(path string, v interface{}) {
		if err == nil {
			out, err = sjson.SetBytes(out, path, v)
		}
	}

	set("run_id", s.RunID)
	set("status", string(s.Status))
	set("started_at", s.StartedAt.UTC().Format(time.RFC3339))
	set("finished_at", s.FinishedAt.UTC().Format(time.RFC3339))
	for i, e := range s.Entries {
		prefix := fmt.Sprintf("entries.%d.", i)
		set(prefix+"title", e.Title)
		set(prefix+"url", e.URL)
		set(prefix+"outcome", string(e.Outcome))
		if e.Error != "" {
			set(prefix+"error", e.Error)
		}
	}
	for _, o := range outcomeOrder {
		if n := s.Count(o); n > 0 {
			set("totals."+string(o), n)
		}
	}
	if len(s.Warnings) > 0 {
		set("warnings", s.Warnings)
	}
	set("text", RenderText(s))
	if err != nil {
		return nil, fmt.Errorf("building webhook body: %w", err)
	}
	return out, nil
}

// LogNotifier writes the text report through a logger.
type LogNotifier struct {
	Log Logger
}

func (l LogNotifier) Notify(_ context.Context, s *offers.RunSummary) error {
	for _, line := range strings.Split(strings.TrimRight(RenderText(s), "\n"), "\n") {
		l.Log.Infof("%s", line)
	}
	return nil
}

var outcomeOrder = []offers.ClaimOutcome{
	offers.OutcomeClaimed,
	offers.OutcomeAlreadyOwned,
	offers.OutcomeUnavailable,
	offers.OutcomeSkipped,
	offers.OutcomeTimedOut,
	offers.OutcomeFailed,
	offers.OutcomePending,
}

// RenderText formats the summary as a plain-text report.
func RenderText(s *offers.RunSummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "egsclaim run %s: %s\n", s.RunID, s.Status)
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "started %s, took %s\n", s.StartedAt.UTC().Format(time.RFC3339), s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	}

	if len(s.Entries) == 0 {
		b.WriteString("no pending offers\n")
	}
	for _, e := range s.Entries {
		fmt.Fprintf(&b, "[%s] %s - %s", e.Outcome, e.Title, e.URL)
		if e.Error != "" {
			fmt.Fprintf(&b, " (%s)", e.Error)
		}
		b.WriteByte('\n')
	}

	var counts []string
	for _, o := range outcomeOrder {
		if n := s.Count(o); n > 0 {
			counts = append(counts, fmt.Sprintf("%s=%d", o, n))
		}
	}
	if len(counts) > 0 {
		fmt.Fprintf(&b, "totals: %s\n", strings.Join(counts, " "))
	}

	for _, w := range s.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	return b.String()
}
