package almasync

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/HISP-Uganda/dhis2-alma/internal/alma"
	"github.com/HISP-Uganda/dhis2-alma/internal/dhis2"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type report struct {
	percent int
	message string
}

type recordingReporter struct {
	reports []report
}

func (r *recordingReporter) Report(_ context.Context, percent int, message string) {
	r.reports = append(r.reports, report{percent, message})
}

func newClients(t *testing.T, dhis2Handler, almaHandler http.HandlerFunc) (*dhis2.Client, *alma.Client) {
	t.Helper()
	dhis2Server := httptest.NewServer(dhis2Handler)
	t.Cleanup(dhis2Server.Close)
	almaServer := httptest.NewServer(almaHandler)
	t.Cleanup(almaServer.Close)

	source, err := dhis2.NewClient(dhis2.Config{URL: dhis2Server.URL})
	if err != nil {
		t.Fatal(err)
	}
	sink, err := alma.NewClient(alma.Config{URL: almaServer.URL})
	if err != nil {
		t.Fatal(err)
	}
	return source, sink
}

func analyticsHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/organisationUnits.json":
			w.Write([]byte(`{"organisationUnits":[{"id":"u1","name":"Kampala"},{"id":"u2","name":"Gulu"},{"id":"u3","name":"Mbarara"}]}`))
		case "/api/analytics.json":
			rows := [][]string{{"a", "1"}}
			if r.URL.Query()["dimension"][2] == "ou:u2" {
				rows = nil
			}
			json.NewEncoder(w).Encode(dhis2.AnalyticsPage{
				Headers: []dhis2.Header{{Name: "dx"}},
				Rows:    rows,
				Pager:   dhis2.Pager{Page: 1, PageCount: 1},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}
}

func TestRunForwardsEveryUnit(t *testing.T) {
	received := make(chan string, 10)
	source, sink := newClients(t, analyticsHandler(t), func(w http.ResponseWriter, r *http.Request) {
		var submission alma.Submission
		json.NewDecoder(r.Body).Decode(&submission)
		received <- submission.OrgUnit
	})

	schedule := model.Schedule{
		Id: "s1",
		Parameters: model.Parameters{
			"dx":        []any{"a"},
			"pe":        "LAST_12_MONTHS",
			"ouLevel":   float64(3),
			"scorecard": "sc1",
		},
	}
	reporter := &recordingReporter{}
	if err := NewJob(source, sink).Run(context.Background(), schedule, reporter); err != nil {
		t.Fatal(err)
	}

	close(received)
	var submitted []string
	for unit := range received {
		submitted = append(submitted, unit)
	}
	if len(submitted) != 2 || submitted[0] != "u1" || submitted[1] != "u3" {
		t.Fatalf("empty pages must be skipped, got %v", submitted)
	}
	expected := []report{{33, "Kampala (1/3)"}, {67, "Gulu (2/3)"}, {100, "Mbarara (3/3)"}}
	if len(reporter.reports) != len(expected) {
		t.Fatalf("unexpected reports %v", reporter.reports)
	}
	for i, r := range expected {
		if reporter.reports[i] != r {
			t.Fatalf("report %d: expected %v, got %v", i, r, reporter.reports[i])
		}
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	var calls atomic.Int32
	source, sink := newClients(t, analyticsHandler(t), func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	})

	schedule := model.Schedule{
		Id: "s1",
		Parameters: model.Parameters{
			"dx":        []any{"a"},
			"pe":        []any{"2024"},
			"ou":        []any{"u1", "u3"},
			"scorecard": "sc1",
		},
	}
	reporter := &recordingReporter{}
	err := NewJob(source, sink).Run(context.Background(), schedule, reporter)
	var httpErr *alma.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected alma HTTPError, got %v", err)
	}
	if calls.Load() != 1 || len(reporter.reports) != 0 {
		t.Fatalf("expected the run to stop at the first failure, got %d calls and %v", calls.Load(), reporter.reports)
	}
}

func TestParseParams(t *testing.T) {
	cases := []struct {
		name       string
		parameters model.Parameters
		wantErr    bool
	}{
		{"explicit units", model.Parameters{"dx": "a;b", "pe": "2024", "ou": []any{"u1"}, "scorecard": "sc"}, false},
		{"level", model.Parameters{"dx": "a", "pe": "2024", "ouLevel": float64(2), "scorecard": "sc"}, false},
		{"missing dx", model.Parameters{"pe": "2024", "ouLevel": float64(2), "scorecard": "sc"}, true},
		{"missing units", model.Parameters{"dx": "a", "pe": "2024", "scorecard": "sc"}, true},
		{"missing scorecard", model.Parameters{"dx": "a", "pe": "2024", "ouLevel": float64(2)}, true},
		{"bad list", model.Parameters{"dx": float64(1), "pe": "2024", "ouLevel": float64(2), "scorecard": "sc"}, true},
		{"bad level", model.Parameters{"dx": "a", "pe": "2024", "ouLevel": "two", "scorecard": "sc"}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseParams(c.parameters)
			if (err != nil) != c.wantErr {
				t.Fatalf("expected error %t, got %v", c.wantErr, err)
			}
		})
	}
}

func TestPercent(t *testing.T) {
	cases := [][3]int{{0, 3, 0}, {1, 3, 33}, {2, 3, 67}, {3, 3, 100}, {0, 0, 100}}
	for _, c := range cases {
		if got := Percent(c[0], c[1]); got != c[2] {
			t.Fatalf("Percent(%d, %d): expected %d, got %d", c[0], c[1], c[2], got)
		}
	}
}
