package challenge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/egsclaim/egsclaim/pkg/page"
	"github.com/egsclaim/egsclaim/pkg/page/pagetest"
	"github.com/egsclaim/egsclaim/pkg/whttp"
)

func TestParseOutcome(t *testing.T) {
	for _, o := range []Outcome{Success, Retry, Backcall, Crash} {
		got, err := ParseOutcome(" " + o.String() + "\n")
		if err != nil || got != o {
			t.Fatalf("round trip of %s failed: got %v, %v", o, got, err)
		}
	}
	if o, err := ParseOutcome("maybe"); err == nil || o != Crash {
		t.Fatalf("expected Crash and an error for unknown text, got %v, %v", o, err)
	}
}

type classifierFunc func(ctx context.Context, task Task) ([]int, error)

func (f classifierFunc) Classify(ctx context.Context, task Task) ([]int, error) { return f(ctx, task) }

// challengePage shows a challenge frame with three tiles. The frame goes away
// once the submit button is clicked with exactly the wanted tiles selected.
func challengePage(want map[int]bool) (*pagetest.Page, []*pagetest.Element) {
	sel := page.DefaultSelectors()
	p := pagetest.New()
	frame := pagetest.NewDoc()

	tiles := []*pagetest.Element{
		pagetest.El("").WithAttr("style", `background: url("https://img/0.png") center`),
		pagetest.El("").WithAttr("style", `background: url(https://img/1.png)`),
		pagetest.El("").WithAttr("data-src", "https://img/2.png"),
	}
	frame.Set(sel.ChallengePrompt, pagetest.El("Please click each image containing a bus"))
	frame.Set(sel.ChallengeTask, tiles...)
	frame.Set(sel.ChallengeSubmit, pagetest.Button("Verify", func() {
		for i, tile := range tiles {
			if (tile.Clicks() > 0) != want[i] {
				frame.Set(sel.ChallengeError, pagetest.El("Please try again."))
				return
			}
		}
		p.Remove(sel.ChallengeFrame)
	}))
	p.Set(sel.ChallengeFrame, pagetest.Frame(frame))
	return p, tiles
}

func TestSolverSuccess(t *testing.T) {
	p, _ := challengePage(map[int]bool{0: true, 2: true})
	var seen Task
	s := &Solver{
		Page:      p,
		Selectors: page.DefaultSelectors(),
		Classifier: classifierFunc(func(_ context.Context, task Task) ([]int, error) {
			seen = task
			return []int{0, 2}, nil
		}),
	}
	require.Equal(t, Success, s.Resolve(context.Background(), Purchase))
	require.Equal(t, Purchase, seen.Context)
	require.Equal(t, "Please click each image containing a bus", seen.Prompt)
	require.Len(t, seen.Samples, 3)
	require.Equal(t, "https://img/0.png", seen.Samples[0].ImageURL)
	require.Equal(t, "https://img/1.png", seen.Samples[1].ImageURL)
	require.Equal(t, "https://img/2.png", seen.Samples[2].ImageURL)
}

func TestSolverGivesUpAfterTwoRounds(t *testing.T) {
	p, _ := challengePage(map[int]bool{1: true})
	calls := 0
	s := &Solver{
		Page:      p,
		Selectors: page.DefaultSelectors(),
		Rounds:    5,
		Classifier: classifierFunc(func(context.Context, Task) ([]int, error) {
			calls++
			return []int{0}, nil
		}),
	}
	require.Equal(t, Retry, s.Resolve(context.Background(), Login))
	require.Equal(t, 2, calls, "rounds are capped at two")
}

func TestSolverOutcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"unsupported", ErrUnsupported, Backcall},
		{"wrapped unsupported", errors.Join(errors.New("bad prompt"), ErrUnsupported), Backcall},
		{"classifier broken", errors.New("model missing"), Crash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := challengePage(nil)
			s := &Solver{
				Page:      p,
				Selectors: page.DefaultSelectors(),
				Classifier: classifierFunc(func(context.Context, Task) ([]int, error) {
					return nil, tt.err
				}),
			}
			if got := s.Resolve(context.Background(), Login); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSolverWithoutFrame(t *testing.T) {
	s := &Solver{Page: pagetest.New(), Selectors: page.DefaultSelectors()}
	if got := s.Resolve(context.Background(), Login); got != Success {
		t.Fatalf("expected Success when no challenge is shown, got %s", got)
	}
}

func TestCommandClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PNG"))
	}))
	defer srv.Close()
	client, err := whttp.NewClient(whttp.ClientOptions{RetryMax: 1})
	require.NoError(t, err)

	task := Task{Context: Login, Prompt: "bus", Samples: []Sample{{Index: 0, ImageURL: srv.URL + "/0.png"}}}

	// Only answers when the downloaded image arrived inline and $1 is the context.
	c := &CommandClassifier{
		Command: `grep -q '"image_b64":"UE5H"' && [ "$1" = login ] && echo '{"selected":[0,2]}'`,
		HTTP:    client,
	}
	got, err := c.Classify(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, []int{0, 2}, got)

	c = &CommandClassifier{Command: `cat >/dev/null; echo '{"unsupported":true}'`}
	_, err = c.Classify(context.Background(), task)
	require.ErrorIs(t, err, ErrUnsupported)

	c = &CommandClassifier{Command: `cat >/dev/null; echo nope`}
	_, err = c.Classify(context.Background(), task)
	require.Error(t, err)
}

func TestCommandBridge(t *testing.T) {
	tests := []struct {
		command string
		want    Outcome
	}{
		{`echo success`, Success},
		{`[ "$EGS_CHALLENGE_CONTEXT" = purchase ] && echo backcall`, Backcall},
		{`echo RETRY`, Retry},
		{`echo what`, Crash},
		{`exit 3`, Crash},
		{``, Crash},
	}
	for _, tt := range tests {
		b := &CommandBridge{Command: tt.command}
		if got := b.Resolve(context.Background(), Purchase); got != tt.want {
			t.Fatalf("%q: expected %s, got %s", tt.command, tt.want, got)
		}
	}
}
