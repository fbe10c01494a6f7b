package github

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.github.com"

// Demand is the per-tick job pressure observed on GitHub Actions.
// Queued jobs are waiting for a runner; InProgress jobs are occupying
// runner capacity and must not trigger scale-down.
type Demand struct {
	Queued     int
	InProgress int
}

func (d Demand) Total() int {
	return d.Queued + d.InProgress
}

// Runner is a registered self-hosted runner.
type Runner struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
}

// Client queries GitHub Actions for job demand and manages runner
// registrations. Scope is org-level when Org is set, otherwise
// owner/repo-level.
type Client struct {
	token        string
	org          string
	owner        string
	repo         string
	runnerPrefix string
	baseURL      string
	http         *http.Client
}

type Options struct {
	Token        string
	Org          string
	Owner        string
	Repo         string
	RunnerPrefix string

	// BaseURL overrides the GitHub API endpoint, for tests.
	BaseURL string
}

func NewClient(opts Options) *Client {
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		token:        opts.Token,
		org:          opts.Org,
		owner:        opts.Owner,
		repo:         opts.Repo,
		runnerPrefix: opts.RunnerPrefix,
		baseURL:      base,
		http:         &http.Client{Timeout: 15 * time.Second},
	}
}

type workflowRun struct {
	ID         int64 `json:"id"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type runsResponse struct {
	WorkflowRuns []workflowRun `json:"workflow_runs"`
}

type job struct {
	Status     string   `json:"status"`
	Labels     []string `json:"labels"`
	RunnerName string   `json:"runner_name"`
}

type jobsResponse struct {
	Jobs []job `json:"jobs"`
}

type runnersResponse struct {
	Runners []Runner `json:"runners"`
}

// JobDemand counts queued jobs targeting self-hosted runners plus
// in-progress jobs on runners matching the configured name prefix,
// across all queued and in-progress workflow runs.
func (c *Client) JobDemand(ctx context.Context) (Demand, error) {
	var runs []workflowRun
	for _, status := range []string{"queued", "in_progress"} {
		var page runsResponse
		if err := c.get(ctx, c.runsURL(status), &page); err != nil {
			return Demand{}, fmt.Errorf("list %s runs: %w", status, err)
		}
		runs = append(runs, page.WorkflowRuns...)
	}

	var demand Demand
	for _, run := range runs {
		jobsURL, ok := c.jobsURL(run)
		if !ok {
			continue
		}
		var page jobsResponse
		if err := c.get(ctx, jobsURL, &page); err != nil {
			// A single run's jobs failing should not sink the whole
			// demand sample.
			log.Printf("github: jobs for run %d: %v", run.ID, err)
			continue
		}
		for _, j := range page.Jobs {
			switch j.Status {
			case "queued":
				if isSelfHostedJob(j) {
					demand.Queued++
				}
			case "in_progress":
				if c.isOurRunner(j.RunnerName) {
					demand.InProgress++
				}
			}
		}
	}
	return demand, nil
}

// Runners lists all registered runners in scope.
func (c *Client) Runners(ctx context.Context) ([]Runner, error) {
	var page runnersResponse
	if err := c.get(ctx, c.scopeURL("/actions/runners?per_page=100"), &page); err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	return page.Runners, nil
}

// DeleteRunner removes a runner registration.
func (c *Client) DeleteRunner(ctx context.Context, id int64) error {
	url := c.scopeURL(fmt.Sprintf("/actions/runners/%d", id))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete runner %d: unexpected status %d", id, resp.StatusCode)
	}
	return nil
}

// CleanupDeadRunners removes runner registrations that are offline and
// not busy, returning how many were deleted. Individual delete failures
// are logged and skipped.
func (c *Client) CleanupDeadRunners(ctx context.Context) (int, error) {
	runners, err := c.Runners(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, r := range runners {
		if r.Status != "offline" || r.Busy || r.ID == 0 {
			continue
		}
		if err := c.DeleteRunner(ctx, r.ID); err != nil {
			log.Printf("github: delete dead runner %s (%d): %v", r.Name, r.ID, err)
			continue
		}
		log.Printf("github: removed dead runner %s (%d)", r.Name, r.ID)
		deleted++
	}
	return deleted, nil
}

func isSelfHostedJob(j job) bool {
	for _, label := range j.Labels {
		if label == "self-hosted" {
			return true
		}
	}
	return false
}

// isOurRunner reports whether an in-progress job is occupying one of our
// runners. An empty prefix counts every self-hosted runner as ours.
func (c *Client) isOurRunner(runnerName string) bool {
	if runnerName == "" {
		return false
	}
	if c.runnerPrefix == "" {
		return true
	}
	return strings.HasPrefix(runnerName, c.runnerPrefix)
}

func (c *Client) runsURL(status string) string {
	return c.scopeURL("/actions/runs?status=" + status + "&per_page=100")
}

func (c *Client) jobsURL(run workflowRun) (string, bool) {
	if c.org != "" {
		if run.Repository.FullName == "" {
			return "", false
		}
		return fmt.Sprintf("%s/repos/%s/actions/runs/%d/jobs?per_page=100", c.baseURL, run.Repository.FullName, run.ID), true
	}
	return fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d/jobs?per_page=100", c.baseURL, c.owner, c.repo, run.ID), true
}

func (c *Client) scopeURL(path string) string {
	if c.org != "" {
		return c.baseURL + "/orgs/" + c.org + path
	}
	return c.baseURL + "/repos/" + c.owner + "/" + c.repo + path
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
