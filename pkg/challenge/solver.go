package challenge

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/egsclaim/egsclaim/pkg/page"
)

// ErrUnsupported is returned by a Classifier that does not know the
// challenge type it was shown.
var ErrUnsupported = errors.New("challenge type not supported")

// Sample is one selectable tile of a challenge.
type Sample struct {
	Index    int    `json:"index"`
	ImageURL string `json:"image_url"`
}

// Task is what a Classifier is asked to decide.
type Task struct {
	Context Context
	Prompt  string
	Samples []Sample
}

// Classifier picks which samples match the prompt.
type Classifier interface {
	Classify(ctx context.Context, task Task) ([]int, error)
}

// Solver is a Bridge that drives the challenge frame itself: it reads the
// prompt and tiles, delegates the decision to a Classifier, submits, and
// checks whether the frame went away.
type Solver struct {
	Page       page.Page
	Selectors  page.Selectors
	Classifier Classifier
	// Rounds is how many prompts are attempted per Resolve (at most 2).
	Rounds int
	// FrameTimeout bounds how long the challenge frame may take to appear.
	FrameTimeout time.Duration
	// Settle is the wait after a submit before the verdict is read.
	Settle time.Duration
	Log    Logger
}

const maxRounds = 2

func (s *Solver) Resolve(ctx context.Context, c Context) Outcome {
	log := s.Log
	if log == nil {
		log = nopLogger{}
	}
	rounds := s.Rounds
	if rounds <= 0 || rounds > maxRounds {
		rounds = maxRounds
	}

	for round := 1; round <= rounds; round++ {
		if ctx.Err() != nil {
			return Crash
		}
		frame, err := s.Page.Frame(ctx, s.Selectors.ChallengeFrame, s.FrameTimeout)
		if err != nil {
			if round == 1 {
				log.Debugf("[%s] no challenge frame, nothing to solve", c)
			}
			return Success
		}

		task, err := s.readTask(ctx, c, frame)
		if err != nil {
			log.Warnf("[%s] could not read challenge: %v", c, err)
			return Retry
		}
		log.Debugf("[%s] round %d prompt=%q samples=%d", c, round, task.Prompt, len(task.Samples))

		selected, err := s.Classifier.Classify(ctx, task)
		switch {
		case errors.Is(err, ErrUnsupported):
			log.Infof("[%s] unsupported challenge %q", c, task.Prompt)
			return Backcall
		case err != nil:
			log.Errorf("[%s] classifier failed: %v", c, err)
			return Crash
		}

		if err := s.submit(ctx, frame, selected); err != nil {
			log.Warnf("[%s] submit failed: %v", c, err)
			return Retry
		}
		if err := s.Page.Sleep(ctx, s.Settle); err != nil {
			return Crash
		}

		if !page.VisibleWithin(ctx, s.Page, s.Selectors.ChallengeFrame, 0) {
			return Success
		}
		if page.VisibleWithin(ctx, frame, s.Selectors.ChallengeError, 0) {
			log.Debugf("[%s] round %d rejected", c, round)
		}
	}
	return Retry
}

var backgroundURL = regexp.MustCompile(`url\(["']?([^"')]+)["']?\)`)

func (s *Solver) readTask(ctx context.Context, c Context, frame page.Scope) (Task, error) {
	prompt := page.TextOf(ctx, frame, s.Selectors.ChallengePrompt, s.FrameTimeout)
	if prompt == "" {
		return Task{}, errors.New("empty challenge prompt")
	}
	tiles, err := frame.FindAll(ctx, s.Selectors.ChallengeTask)
	if err != nil {
		return Task{}, err
	}
	if len(tiles) == 0 {
		return Task{}, errors.New("challenge has no tiles")
	}

	task := Task{Context: c, Prompt: prompt}
	for i, tile := range tiles {
		sample := Sample{Index: i}
		if style, ok, _ := tile.Attribute(ctx, "style"); ok {
			if m := backgroundURL.FindStringSubmatch(style); m != nil {
				sample.ImageURL = m[1]
			}
		}
		if sample.ImageURL == "" {
			if src, ok, _ := tile.Attribute(ctx, "data-src"); ok {
				sample.ImageURL = src
			}
		}
		task.Samples = append(task.Samples, sample)
	}
	return task, nil
}

func (s *Solver) submit(ctx context.Context, frame page.Scope, selected []int) error {
	tiles, err := frame.FindAll(ctx, s.Selectors.ChallengeTask)
	if err != nil {
		return err
	}
	for _, idx := range selected {
		if idx < 0 || idx >= len(tiles) {
			continue
		}
		if err := tiles[idx].Click(ctx, time.Second); err != nil {
			return err
		}
	}
	btn, err := frame.Find(ctx, s.Selectors.ChallengeSubmit, time.Second)
	if err != nil {
		return err
	}
	return btn.Click(ctx, time.Second)
}
