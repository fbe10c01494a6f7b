package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(Options{
		Token:        "test-token",
		Owner:        "acme",
		Repo:         "widgets",
		RunnerPrefix: "do-runner-",
		BaseURL:      srv.URL,
	})
	return srv, client
}

func TestJobDemandCountsQueuedAndOurInProgress(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token test-token" {
			t.Fatalf("unexpected auth header %q", got)
		}
		switch {
		case strings.Contains(r.URL.RawQuery, "status=queued"):
			w.Write([]byte(`{"workflow_runs":[{"id":11}]}`))
		case strings.Contains(r.URL.RawQuery, "status=in_progress"):
			w.Write([]byte(`{"workflow_runs":[{"id":22}]}`))
		case strings.Contains(r.URL.Path, "/runs/11/jobs"):
			w.Write([]byte(`{"jobs":[
				{"status":"queued","labels":["self-hosted","linux"]},
				{"status":"queued","labels":["ubuntu-latest"]},
				{"status":"queued","labels":["self-hosted"]}
			]}`))
		case strings.Contains(r.URL.Path, "/runs/22/jobs"):
			w.Write([]byte(`{"jobs":[
				{"status":"in_progress","runner_name":"do-runner-1"},
				{"status":"in_progress","runner_name":"gha-hosted-7"},
				{"status":"in_progress","runner_name":""}
			]}`))
		default:
			t.Fatalf("unexpected request %s", r.URL)
		}
	})

	demand, err := client.JobDemand(context.Background())
	if err != nil {
		t.Fatalf("JobDemand: %v", err)
	}
	// Hosted-label queued jobs and foreign runners are excluded.
	if demand.Queued != 2 || demand.InProgress != 1 {
		t.Fatalf("expected queued=2 in_progress=1, got %+v", demand)
	}
	if demand.Total() != 3 {
		t.Fatalf("expected total 3, got %d", demand.Total())
	}
}

func TestJobDemandEmptyPrefixCountsAllNamedRunners(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.RawQuery, "status=queued"):
			w.Write([]byte(`{"workflow_runs":[]}`))
		case strings.Contains(r.URL.RawQuery, "status=in_progress"):
			w.Write([]byte(`{"workflow_runs":[{"id":5}]}`))
		default:
			w.Write([]byte(`{"jobs":[
				{"status":"in_progress","runner_name":"anything"},
				{"status":"in_progress","runner_name":""}
			]}`))
		}
	}))
	defer srv.Close()

	client := NewClient(Options{Token: "t", Owner: "acme", Repo: "widgets", BaseURL: srv.URL})
	demand, err := client.JobDemand(context.Background())
	if err != nil {
		t.Fatalf("JobDemand: %v", err)
	}
	if demand.InProgress != 1 {
		t.Fatalf("expected unnamed runner excluded and named one counted, got %+v", demand)
	}
}

func TestJobDemandOrgScopeUsesRunRepository(t *testing.T) {
	var jobsPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/orgs/acme-org/actions/runs"):
			if strings.Contains(r.URL.RawQuery, "status=queued") {
				w.Write([]byte(`{"workflow_runs":[{"id":7,"repository":{"full_name":"acme-org/widgets"}}]}`))
				return
			}
			w.Write([]byte(`{"workflow_runs":[]}`))
		case strings.Contains(r.URL.Path, "/jobs"):
			jobsPath = r.URL.Path
			w.Write([]byte(`{"jobs":[{"status":"queued","labels":["self-hosted"]}]}`))
		default:
			t.Fatalf("unexpected request %s", r.URL)
		}
	}))
	defer srv.Close()

	client := NewClient(Options{Token: "t", Org: "acme-org", BaseURL: srv.URL})
	demand, err := client.JobDemand(context.Background())
	if err != nil {
		t.Fatalf("JobDemand: %v", err)
	}
	if demand.Queued != 1 {
		t.Fatalf("expected one queued job, got %+v", demand)
	}
	if jobsPath != "/repos/acme-org/widgets/actions/runs/7/jobs" {
		t.Fatalf("expected jobs fetched via run repository, got %q", jobsPath)
	}
}

func TestCleanupDeadRunnersDeletesOfflineIdleOnly(t *testing.T) {
	var deleted []string
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = append(deleted, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write([]byte(`{"runners":[
			{"id":1,"name":"do-runner-1","status":"offline","busy":false},
			{"id":2,"name":"do-runner-2","status":"online","busy":false},
			{"id":3,"name":"do-runner-3","status":"offline","busy":true}
		]}`))
	})

	n, err := client.CleanupDeadRunners(context.Background())
	if err != nil {
		t.Fatalf("CleanupDeadRunners: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 runner deleted, got %d", n)
	}
	if len(deleted) != 1 || !strings.HasSuffix(deleted[0], "/actions/runners/1") {
		t.Fatalf("expected only runner 1 deleted, got %v", deleted)
	}
}

func TestJobDemandSurfacesRunListErrors(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := client.JobDemand(context.Background()); err == nil {
		t.Fatal("expected error when run listing fails")
	}
}
