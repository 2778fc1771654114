package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, content string, gotReq *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if gotReq != nil {
			if err := json.NewDecoder(r.Body).Decode(gotReq); err != nil {
				t.Errorf("failed to decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "test",
			"message": map[string]any{"role": "assistant", "content": content},
			"done":    true,
		})
	}))
}

func TestNewClient_InvalidURL(t *testing.T) {
	if _, err := NewClient("not a url"); err == nil {
		t.Error("expected error for URL without scheme or host")
	}
	if _, err := NewClient("http://localhost:11434/api/chat"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAnalyzeImage(t *testing.T) {
	var req map[string]any
	srv := newTestServer(t, "```json\n{\"objects\":[{\"label\":\"car\",\"confidence\":0.9,\"box\":{\"x\":0.1,\"y\":0.2,\"w\":0.3,\"h\":0.4}}],}\n```", &req)
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	img := base64.StdEncoding.EncodeToString([]byte("fake image bytes"))
	result, err := c.AnalyzeImage(context.Background(), "minicpm-v4", "find objects", img)
	if err != nil {
		t.Fatalf("AnalyzeImage failed: %v", err)
	}
	if len(result.Objects) != 1 || result.Objects[0].Label != "car" {
		t.Fatalf("unexpected objects: %+v", result.Objects)
	}
	if result.Objects[0].Box.W != 0.3 {
		t.Errorf("box: got %+v", result.Objects[0].Box)
	}

	if req["model"] != "minicpm-v4" {
		t.Errorf("model: got %v", req["model"])
	}
	if opts, ok := req["options"].(map[string]any); !ok || opts["num_ctx"] != float64(4096) {
		t.Errorf("options: got %v", req["options"])
	}
}

func TestAnalyzeImage_NonJSON(t *testing.T) {
	srv := newTestServer(t, "I see a car.", nil)
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	result, err := c.AnalyzeImage(context.Background(), "llava", "find objects", "")
	if err != nil {
		t.Fatalf("AnalyzeImage failed: %v", err)
	}
	if len(result.Objects) != 0 {
		t.Errorf("expected no objects, got %+v", result.Objects)
	}
}

func TestAnalyzeImage_EmptyResponse(t *testing.T) {
	srv := newTestServer(t, "", nil)
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	if _, err := c.AnalyzeImage(context.Background(), "llava", "p", ""); err == nil {
		t.Error("expected error for empty response")
	}
}

func TestSimpleQuery(t *testing.T) {
	srv := newTestServer(t, "a red square", nil)
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	got, err := c.SimpleQuery(context.Background(), "llava", "describe", "")
	if err != nil {
		t.Fatalf("SimpleQuery failed: %v", err)
	}
	if got != "a red square" {
		t.Errorf("got %q", got)
	}

	if _, err := c.SimpleQuery(context.Background(), "llava", "describe", "%%%"); err == nil {
		t.Error("expected error for invalid base64 image")
	}
}
