package dhis2

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{URL: server.URL + "/", Username: "admin", Password: "district"})
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func TestEachAnalyticsPage(t *testing.T) {
	var pages []int
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/analytics.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, password, ok := r.BasicAuth()
		if !ok || user != "admin" || password != "district" {
			t.Errorf("missing basic auth")
		}
		dimensions := r.URL.Query()["dimension"]
		if len(dimensions) != 3 || dimensions[0] != "dx:a;b" || dimensions[1] != "pe:LAST_12_MONTHS" || dimensions[2] != "ou:unit1" {
			t.Errorf("unexpected dimensions %v", dimensions)
		}
		if r.URL.Query().Get("pageSize") != "2" {
			t.Errorf("unexpected page size %s", r.URL.Query().Get("pageSize"))
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		pages = append(pages, page)
		json.NewEncoder(w).Encode(AnalyticsPage{
			Headers: []Header{{Name: "dx", Column: "Data"}},
			Rows:    [][]string{{"a", strconv.Itoa(page)}},
			Pager:   Pager{Page: page, PageCount: 3, Total: 5, PageSize: 2},
		})
	})

	query := AnalyticsQuery{DataItems: []string{"a", "b"}, Periods: []string{"LAST_12_MONTHS"}, OrgUnit: "unit1", PageSize: 2}
	rows := 0
	err := client.EachAnalyticsPage(context.Background(), query, func(page AnalyticsPage) error {
		rows += len(page.Rows)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 3 || pages[0] != 1 || pages[2] != 3 {
		t.Fatalf("unexpected pages %v", pages)
	}
	if rows != 3 {
		t.Fatalf("expected 3 rows, got %d", rows)
	}
}

func TestOrganisationUnits(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/organisationUnits.json" || r.URL.Query().Get("level") != "3" || r.URL.Query().Get("paging") != "false" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Write([]byte(`{"organisationUnits":[{"id":"u1","name":"Kampala","level":3},{"id":"u2","name":"Gulu","level":3}]}`))
	})

	units, err := client.OrganisationUnits(context.Background(), OrgUnitQuery{Level: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 || units[0].Name != "Kampala" || units[1].Id != "u2" {
		t.Fatalf("unexpected units %+v", units)
	}
}

func TestNon2xxIsHTTPError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "analytics tables not generated", http.StatusConflict)
	})

	_, err := client.Analytics(context.Background(), AnalyticsQuery{OrgUnit: "u1"}, 1)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusConflict || httpErr.Body != "analytics tables not generated" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected missing url to be rejected")
	}
}
