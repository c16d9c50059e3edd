package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gc3pie/gridrun/internal/backend"
)

func TestListResources(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/resources")
	if err != nil {
		t.Fatalf("GET /v1/resources: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var resources []*backend.Resource
	if err := json.NewDecoder(resp.Body).Decode(&resources); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resources) != 1 || resources[0].Name != "local" {
		t.Fatalf("resources = %+v, want the single local resource", resources)
	}
	if !resources[0].Enabled {
		t.Error("configured resource is not enabled")
	}
}

func TestGetResource(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/resources/local")
	if err != nil {
		t.Fatalf("GET /v1/resources/local: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	missing, err := http.Get(ts.URL + "/v1/resources/nope")
	if err != nil {
		t.Fatalf("GET /v1/resources/nope: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", missing.StatusCode)
	}
}

func TestSelectResources(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"pattern": "cloud-*"}`
	resp, err := http.Post(ts.URL+"/v1/resources/select", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST select: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var sel selectResourcesResponse
	if err := json.NewDecoder(resp.Body).Decode(&sel); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sel.Enabled != 0 {
		t.Errorf("enabled = %d, want 0", sel.Enabled)
	}
	if len(srv.registry.Enabled()) != 0 {
		t.Error("selection did not disable the non-matching resource")
	}
}

func TestSelectResourcesRequiresPattern(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/resources/select", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("POST select: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetStats(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	createTask(t, ts, `{"command": ["/bin/true"]}`)

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var stats struct {
		ByState map[string]int `json:"by_state"`
		Total   int            `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("total = %d, want 1", stats.Total)
	}
	if stats.ByState["NEW"] != 1 {
		t.Errorf("by_state[NEW] = %d, want 1", stats.ByState["NEW"])
	}
}
