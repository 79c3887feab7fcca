package docstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newDocService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/documents/doc-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/internal/documents/doc-1/summary", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"summary": "an invoice"})
	})
	mux.HandleFunc("/internal/documents/doc-1/search", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["query"] == "" {
			http.Error(w, "missing query", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"passages": []map[string]any{{"text": "total due 42", "page": 3}},
		})
	})
	mux.HandleFunc("/internal/documents/doc-1/extract", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":      []map[string]any{{"text": "line item", "page": 1}},
			"highlights": []map[string]any{{"page": 1, "x": 1, "y": 2, "width": 3, "height": 4, "text": "line item"}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestServiceClientExists(t *testing.T) {
	srv := newDocService(t)
	client := NewServiceClient(srv.URL, time.Second)

	exists, err := client.Exists(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatal("expected doc-1 to exist")
	}

	exists, err = client.Exists(context.Background(), "doc-missing")
	if err != nil {
		t.Fatalf("exists missing: %v", err)
	}
	if exists {
		t.Fatal("expected doc-missing to be absent")
	}
}

func TestServiceClientSearch(t *testing.T) {
	srv := newDocService(t)
	client := NewServiceClient(srv.URL, time.Second)

	passages, err := client.Search(context.Background(), "doc-1", "total")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(passages) != 1 || passages[0].Page != 3 || passages[0].Text != "total due 42" {
		t.Fatalf("unexpected passages: %+v", passages)
	}
}

func TestServiceClientExtractAll(t *testing.T) {
	srv := newDocService(t)
	client := NewServiceClient(srv.URL, time.Second)

	items, highlights, err := client.ExtractAll(context.Background(), "doc-1", "line items")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(items) != 1 || items[0].Text != "line item" {
		t.Fatalf("unexpected items: %+v", items)
	}
	if len(highlights) != 1 || highlights[0].Page != 1 {
		t.Fatalf("unexpected highlights: %+v", highlights)
	}
}

func TestServiceClientSummary(t *testing.T) {
	srv := newDocService(t)
	client := NewServiceClient(srv.URL, time.Second)

	summary, err := client.Summary(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary != "an invoice" {
		t.Fatalf("unexpected summary: %q", summary)
	}
}
