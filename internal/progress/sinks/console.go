package sinks

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/JakeFAU/orderhist-crawler/internal/progress"
)

// ConsoleSink renders a terse, human-readable progress line per milestone.
type ConsoleSink struct {
	mu      sync.Mutex
	w       io.Writer
	fetched int
	cached  int
	errors  int
}

// NewConsoleSink writes progress lines to w.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = io.Discard
	}
	return &ConsoleSink{w: w}
}

// Consume prints year, page and run milestones; order events only update counters.
func (s *ConsoleSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		var line string
		switch evt.Stage {
		case progress.StageOrderFetched:
			s.fetched++
		case progress.StageOrderCached:
			s.cached++
		case progress.StageErrorLogged:
			s.errors++
		case progress.StageYearStart:
			line = fmt.Sprintf("%d: %d pages", evt.Year, evt.Total)
		case progress.StagePageDone:
			line = fmt.Sprintf("%d: page %d/%d done (fetched %d, cached %d, errors %d)",
				evt.Year, evt.Page, evt.Total, s.fetched, s.cached, s.errors)
		case progress.StageEarlyExit:
			line = fmt.Sprintf("%d: up to date after %d cached orders", evt.Year, evt.Done)
		case progress.StageYearDone:
			line = fmt.Sprintf("%d: complete", evt.Year)
		case progress.StageRunDone:
			line = fmt.Sprintf("done in %s: fetched %d, cached %d, errors %d",
				evt.Dur.Round(time.Second), s.fetched, s.cached, s.errors)
		case progress.StageRunError:
			line = fmt.Sprintf("stopped: %s", evt.Note)
		}
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintln(s.w, line); err != nil {
			return fmt.Errorf("write progress: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ConsoleSink) Close(context.Context) error {
	return nil
}
