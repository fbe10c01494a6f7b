package digitalocean

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

const defaultBaseURL = "https://api.digitalocean.com/v2"

// ErrSpecConflict is returned when a scale write was accepted but the
// read-back count does not match, i.e. a racing external mutation won.
// The caller must treat the tick as unapplied and skip cooldown
// bookkeeping.
var ErrSpecConflict = errors.New("app spec update conflict")

// WorkerNotFoundError reports a worker name absent from the app spec,
// with a closest-name suggestion when one is plausible.
type WorkerNotFoundError struct {
	Worker     string
	Suggestion string
}

func (e *WorkerNotFoundError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("worker %q not found in app spec (did you mean %q?)", e.Worker, e.Suggestion)
	}
	return fmt.Sprintf("worker %q not found in app spec", e.Worker)
}

// Client reads and writes the instance count of a named worker in a
// DigitalOcean App Platform app spec.
type Client struct {
	token   string
	appID   string
	baseURL string
	http    *http.Client
}

type Options struct {
	Token string
	AppID string

	// BaseURL overrides the DigitalOcean API endpoint, for tests.
	BaseURL string
}

func NewClient(opts Options) *Client {
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		token:   opts.Token,
		appID:   opts.AppID,
		baseURL: base,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// The spec is carried as raw JSON so unknown fields round-trip through
// the PUT untouched; only workers[].instance_count is interpreted.
type appResponse struct {
	App struct {
		Spec json.RawMessage `json:"spec"`
	} `json:"app"`
}

type appSpec struct {
	Workers []map[string]any `json:"workers"`
}

// InstanceCount returns the current instance count of the named worker.
func (c *Client) InstanceCount(ctx context.Context, workerName string) (int, error) {
	raw, err := c.fetchSpec(ctx)
	if err != nil {
		return 0, err
	}
	count, _, err := workerInstanceCount(raw, workerName)
	return count, err
}

// Scale sets the worker's instance count via a full spec update, then
// reads the spec back to verify the change took effect. A mismatch means
// a concurrent modification; it is reported as ErrSpecConflict.
func (c *Client) Scale(ctx context.Context, workerName string, desired int) error {
	raw, err := c.fetchSpec(ctx)
	if err != nil {
		return err
	}

	var full map[string]any
	if err := json.Unmarshal(raw, &full); err != nil {
		return fmt.Errorf("decode app spec: %w", err)
	}
	workers, _ := full["workers"].([]any)
	updated := false
	for _, w := range workers {
		worker, ok := w.(map[string]any)
		if !ok {
			continue
		}
		if name, _ := worker["name"].(string); name == workerName {
			worker["instance_count"] = desired
			updated = true
			break
		}
	}
	if !updated {
		return notFoundError(raw, workerName)
	}

	body, err := json.Marshal(map[string]any{"spec": full})
	if err != nil {
		return fmt.Errorf("encode app spec: %w", err)
	}
	if err := c.putSpec(ctx, body); err != nil {
		return err
	}

	rawAfter, err := c.fetchSpec(ctx)
	if err != nil {
		return fmt.Errorf("verify scale: %w", err)
	}
	verified, _, err := workerInstanceCount(rawAfter, workerName)
	if err != nil {
		return fmt.Errorf("verify scale: %w", err)
	}
	if verified != desired {
		return fmt.Errorf("%w: wanted %d, spec reports %d", ErrSpecConflict, desired, verified)
	}
	return nil
}

func workerInstanceCount(raw json.RawMessage, workerName string) (int, bool, error) {
	var spec appSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return 0, false, fmt.Errorf("decode app spec: %w", err)
	}
	for _, w := range spec.Workers {
		name, _ := w["name"].(string)
		if name != workerName {
			continue
		}
		count, ok := w["instance_count"].(float64)
		if !ok {
			return 1, true, nil
		}
		return int(count), true, nil
	}
	return 0, false, notFoundError(raw, workerName)
}

// notFoundError attaches a closest-name suggestion so a typoed
// WORKER_NAME fails with something actionable.
func notFoundError(raw json.RawMessage, workerName string) error {
	var spec appSpec
	_ = json.Unmarshal(raw, &spec)

	best := ""
	bestScore := 0.0
	metric := metrics.NewJaroWinkler()
	for _, w := range spec.Workers {
		name, _ := w["name"].(string)
		if name == "" {
			continue
		}
		if score := strutil.Similarity(workerName, name, metric); score > bestScore {
			best, bestScore = name, score
		}
	}
	if bestScore < 0.7 {
		best = ""
	}
	return &WorkerNotFoundError{Worker: workerName, Suggestion: best}
}

func (c *Client) fetchSpec(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.appURL(), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get app %s: unexpected status %d", c.appID, resp.StatusCode)
	}
	var app appResponse
	if err := json.NewDecoder(resp.Body).Decode(&app); err != nil {
		return nil, fmt.Errorf("decode app response: %w", err)
	}
	if len(app.App.Spec) == 0 {
		return json.RawMessage("{}"), nil
	}
	return app.App.Spec, nil
}

func (c *Client) putSpec(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.appURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update app %s: unexpected status %d", c.appID, resp.StatusCode)
	}
	return nil
}

func (c *Client) appURL() string {
	return c.baseURL + "/apps/" + c.appID
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}
