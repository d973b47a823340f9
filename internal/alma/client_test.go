package alma

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmit(t *testing.T) {
	var received Submission
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/data" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL, Token: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	submission := Submission{
		Scorecard: "sc1",
		OrgUnit:   "u1",
		Headers:   []Column{{Name: "dx", Column: "Data"}},
		Rows:      [][]string{{"a", "1"}},
	}
	if err = client.Submit(context.Background(), submission); err != nil {
		t.Fatal(err)
	}
	if received.Scorecard != "sc1" || received.OrgUnit != "u1" || len(received.Rows) != 1 {
		t.Fatalf("unexpected submission %+v", received)
	}
}

func TestSubmitRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown scorecard", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL, Path: "custom/path"})
	if err != nil {
		t.Fatal(err)
	}
	err = client.Submit(context.Background(), Submission{Scorecard: "missing"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected HTTPError 422, got %v", err)
	}
}
