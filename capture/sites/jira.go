package sites

import (
	"context"
	"encoding/json"
	"fmt"
)

// Jira recognizes Atlassian Jira issue views. Jira scrolls its main issue
// column inside a nested container while sidebars stay fixed, so both the
// scroll container and the center bounds come from known testid selectors.
type Jira struct{}

const jiraDetectJS = `() => {
	const meta = document.querySelector('meta[name="application-name"]');
	if (meta && /jira/i.test(meta.content || '')) {
		return JSON.stringify({detected: true, detection_type: 'meta'});
	}
	if (window.AJS || document.getElementById('jira')) {
		return JSON.stringify({detected: true, detection_type: 'dom'});
	}
	if (/[./]atlassian\.net$/.test(location.hostname)) {
		return JSON.stringify({detected: true, detection_type: 'url'});
	}
	return JSON.stringify({detected: false});
}`

// Selector candidates are tried in order; Jira has shipped several
// issue-view layouts and the older ones are still common on Server installs.
const jiraContainerJS = `() => {
	const candidates = [
		'[data-testid="issue.views.issue-details.issue-layout.container-left"]',
		'[data-testid="issue.views.issue-details.issue-layout.left-most-column"]',
		'.issue-body-content',
	];
	for (const sel of candidates) {
		const el = document.querySelector(sel);
		if (!el) continue;
		if (el.scrollHeight - el.clientHeight <= 16) continue;
		return JSON.stringify({
			found: true,
			selector: sel,
			scroll_height: el.scrollHeight,
			client_height: el.clientHeight,
		});
	}
	return JSON.stringify({found: false});
}`

const jiraBoundsJS = `() => {
	const candidates = [
		'[data-testid="issue.views.issue-details.issue-layout.container-left"]',
		'[data-testid="issue.views.issue-details.issue-layout.left-most-column"]',
		'.issue-body-content',
	];
	for (const sel of candidates) {
		const el = document.querySelector(sel);
		if (!el) continue;
		const r = el.getBoundingClientRect();
		if (r.width < 200) continue;
		return JSON.stringify({
			found: true,
			left: Math.round(r.left),
			right: Math.round(r.right),
			top: Math.round(r.top),
			width: Math.round(r.width),
			scroll_height: el.scrollHeight,
			client_height: el.clientHeight,
		});
	}
	return JSON.stringify({found: false});
}`

func (j *Jira) Name() string { return "jira" }

func (j *Jira) Detect(ctx context.Context, p Page) (Detection, error) {
	raw, err := p.EvalJSON(ctx, jiraDetectJS)
	if err != nil {
		return Detection{}, fmt.Errorf("jira: detect: %w", err)
	}
	var res struct {
		Detected      bool   `json:"detected"`
		DetectionType string `json:"detection_type"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return Detection{}, fmt.Errorf("jira: detect: parse: %w", err)
	}
	if !res.Detected {
		return Detection{}, nil
	}
	return Detection{Detected: true, SiteType: "jira", DetectionType: res.DetectionType}, nil
}

func (j *Jira) FindScrollContainer(ctx context.Context, p Page) (*Container, error) {
	raw, err := p.EvalJSON(ctx, jiraContainerJS)
	if err != nil {
		return nil, fmt.Errorf("jira: scroll container: %w", err)
	}
	var res struct {
		Found bool `json:"found"`
		Container
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("jira: scroll container: parse: %w", err)
	}
	if !res.Found {
		return nil, nil
	}
	c := res.Container
	return &c, nil
}

func (j *Jira) CenterBounds(ctx context.Context, p Page) (*Bounds, error) {
	raw, err := p.EvalJSON(ctx, jiraBoundsJS)
	if err != nil {
		return nil, fmt.Errorf("jira: center bounds: %w", err)
	}
	var res struct {
		Found bool `json:"found"`
		Bounds
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("jira: center bounds: parse: %w", err)
	}
	if !res.Found {
		return nil, nil
	}
	b := res.Bounds
	return &b, nil
}
