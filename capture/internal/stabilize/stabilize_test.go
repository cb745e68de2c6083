package stabilize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

type clickSequence struct {
	rounds []int
	calls  int
}

func (c *clickSequence) EvalJSON(ctx context.Context, _ string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := 0
	if c.calls < len(c.rounds) {
		n = c.rounds[c.calls]
	}
	c.calls++
	return json.RawMessage(fmt.Sprintf(`{"clicked": %d}`, n)), nil
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExpand_StopsWhenNothingLeft(t *testing.T) {
	page := &clickSequence{rounds: []int{5, 2, 0}}
	clicked, timedOut, err := Expand(context.Background(), page, Config{
		RoundDelay: time.Millisecond,
		Logger:     quiet(),
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if timedOut {
		t.Fatal("unexpected timeout")
	}
	if clicked != 7 {
		t.Fatalf("clicked: got %d, want 7", clicked)
	}
	if page.calls != 3 {
		t.Fatalf("rounds: got %d, want 3", page.calls)
	}
}

func TestExpand_TimeoutIsNotAnError(t *testing.T) {
	// Every round finds something, so only the deadline stops it.
	page := &clickSequence{rounds: []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}}
	clicked, timedOut, err := Expand(context.Background(), page, Config{
		MaxDuration: 30 * time.Millisecond,
		RoundDelay:  20 * time.Millisecond,
		Logger:      quiet(),
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if !timedOut {
		t.Fatal("expected timeout")
	}
	if clicked < 1 {
		t.Fatalf("clicked: got %d", clicked)
	}
}

type failingPage struct{}

func (failingPage) EvalJSON(context.Context, string) (json.RawMessage, error) {
	return nil, errors.New("context destroyed")
}

func TestExpand_EvalErrorPropagates(t *testing.T) {
	_, _, err := Expand(context.Background(), failingPage{}, Config{Logger: quiet()})
	if err == nil {
		t.Fatal("expected error")
	}
}
