package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ServesRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.RecordFetch("dexscreener", "ok")

	srv := httptest.NewServer(NewServer("", "/metrics", reg).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `trenchcoat_fetches_total{outcome="ok",provider="dexscreener"} 1`) {
		t.Errorf("expected fetch counter in scrape output:\n%s", body)
	}
}

func TestHandler_NilRegistry(t *testing.T) {
	var reg *Registry
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
