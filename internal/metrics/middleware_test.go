package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTransport(t *testing.T) {
	reg := NewRegistry()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := &http.Client{Transport: Transport(reg, nil)}
	resp, err := client.Get(srv.URL + "/latest")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", resp.StatusCode)
	}

	mf := findFamily(t, reg, "http_client_requests_total")
	if mf == nil {
		t.Fatal("expected http_client_requests_total to be recorded")
	}
	if !hasLabel(mf.GetMetric()[0], "status", "4xx") {
		t.Error("expected 4xx status label")
	}
}

func TestTransport_NilRegistry(t *testing.T) {
	next := http.DefaultTransport
	if got := Transport(nil, next); got != next {
		t.Error("expected the wrapped transport to be returned unchanged")
	}
}
