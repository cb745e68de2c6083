// Package stabilize expands collapsed page content before a capture starts.
// Pages hide long comment threads and activity feeds behind "show more"
// controls; clicking them first makes the scroll height honest.
//
// Stabilization is strictly best-effort: it runs under a bounded timeout and
// a timeout is not an error, the capture proceeds with whatever state the
// page reached.
package stabilize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Evaluator runs a JavaScript function in the page and returns its
// JSON-stringified result.
type Evaluator interface {
	EvalJSON(ctx context.Context, js string) (json.RawMessage, error)
}

// expandJS clicks one round of expandable controls and reports how many it
// clicked. Buttons are matched by accessible text, the common denominator
// across sites.
const expandJS = `() => {
	const patterns = /^(show more|load more|see more|view more|\d+ more comments?|expand)/i;
	let clicked = 0;
	for (const el of document.querySelectorAll('button, [role="button"], a')) {
		const text = (el.textContent || '').trim();
		if (!patterns.test(text)) continue;
		const r = el.getBoundingClientRect();
		if (r.width === 0 || r.height === 0) continue;
		el.click();
		clicked++;
		if (clicked >= 20) break;
	}
	return JSON.stringify({clicked: clicked});
}`

// Config configures the expander.
type Config struct {
	// MaxDuration bounds the whole stabilization pass. Default: 5s.
	MaxDuration time.Duration

	// RoundDelay is the wait between click rounds so newly loaded content
	// can render its own expanders. Default: 400ms.
	RoundDelay time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxDuration <= 0 {
		c.MaxDuration = 5 * time.Second
	}
	if c.RoundDelay <= 0 {
		c.RoundDelay = 400 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Expand clicks expandable controls in rounds until a round clicks nothing
// or the time budget runs out. Returns the total number of controls clicked;
// hitting the deadline is reported in the bool, never as an error.
func Expand(ctx context.Context, page Evaluator, cfg Config) (clicked int, timedOut bool, err error) {
	cfg.defaults()

	ctx, cancel := context.WithTimeout(ctx, cfg.MaxDuration)
	defer cancel()

	for {
		raw, err := page.EvalJSON(ctx, expandJS)
		if err != nil {
			if ctx.Err() != nil {
				return clicked, true, nil
			}
			return clicked, false, fmt.Errorf("stabilize: expand round: %w", err)
		}
		var res struct {
			Clicked int `json:"clicked"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return clicked, false, fmt.Errorf("stabilize: expand round: parse: %w", err)
		}
		clicked += res.Clicked
		if res.Clicked == 0 {
			return clicked, false, nil
		}

		cfg.Logger.Debug("stabilize: expanded controls", "round_clicked", res.Clicked)

		t := time.NewTimer(cfg.RoundDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return clicked, true, nil
		case <-t.C:
		}
	}
}
