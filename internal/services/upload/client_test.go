package upload_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"loom/internal/config"
	"loom/internal/services/upload"
)

func newClient(t *testing.T, serverURL string) *upload.Client {
	t.Helper()
	cfg := config.Default()
	cfg.Upload.BaseURL = serverURL
	cfg.Upload.APIKey = "secret"
	client := upload.NewClient(&cfg)
	if client == nil {
		t.Fatal("expected configured client")
	}
	return client
}

func TestNewClientReturnsNilWithoutBaseURL(t *testing.T) {
	cfg := config.Default()
	cfg.Upload.BaseURL = ""
	if client := upload.NewClient(&cfg); client != nil {
		t.Fatal("expected nil client when base URL missing")
	}
}

func TestPublishSendsRequestAndDecodesResult(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/uploads" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "vid-42", "url": "https://videos.example/vid-42"})
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	result, err := client.Publish(context.Background(), upload.Request{
		TitleID:   7,
		TitleName: "Volcano Facts",
		VideoPath: "/renders/volcano-facts.mp4",
	})
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if result.RemoteID != "vid-42" || result.URL != "https://videos.example/vid-42" {
		t.Fatalf("unexpected result %+v", result)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody["videoPath"] != "/renders/volcano-facts.mp4" {
		t.Fatalf("unexpected request body %v", gotBody)
	}
}

func TestPublishRequiresVideoPath(t *testing.T) {
	client := newClient(t, "http://127.0.0.1:0")
	if _, err := client.Publish(context.Background(), upload.Request{TitleID: 7}); err == nil {
		t.Fatal("expected error when video path missing")
	}
}

func TestPublishSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	if _, err := client.Publish(context.Background(), upload.Request{VideoPath: "/renders/x.mp4"}); err == nil {
		t.Fatal("expected error from server failure")
	}
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck returned error: %v", err)
	}
}
