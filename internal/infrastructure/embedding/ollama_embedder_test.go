package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/replyhub/replyhub/internal/domain/entity"
)

func TestOllamaEmbedder_Embed(t *testing.T) {
	dim := 8
	mockVec := make([]float32, dim)
	for i := range mockVec {
		mockVec[i] = float32(i) * 0.1
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Model != "test-model" {
			t.Fatalf("unexpected model: %s", req.Model)
		}
		n := 1
		if list, ok := req.Input.([]interface{}); ok {
			n = len(list)
		}
		resp := embedResponse{Model: "test-model"}
		for i := 0; i < n; i++ {
			resp.Embeddings = append(resp.Embeddings, mockVec)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	embedder := NewOllamaEmbedder(server.URL, "test-model", 0, nil)
	if embedder.Dimension() != 0 {
		t.Fatal("dimension should be unknown before the first call")
	}

	vec, err := embedder.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != dim || embedder.Dimension() != dim {
		t.Fatalf("expected %d dims, got %d (reported %d)", dim, len(vec), embedder.Dimension())
	}

	batch, err := embedder.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(batch))
	}
}

func TestOllamaEmbedder_DimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 2, 3}}})
	}))
	defer server.Close()

	embedder := NewOllamaEmbedder(server.URL, "m", 4, nil)
	if _, err := embedder.Embed(context.Background(), "x"); !errors.Is(err, entity.ErrCorruptIndex) {
		t.Fatalf("expected ErrCorruptIndex, got %v", err)
	}
}

func TestOllamaEmbedder_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	embedder := NewOllamaEmbedder(server.URL, "m", 0, nil)
	if _, err := embedder.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestOpenAIEmbedder_OrdersByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" || r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("unexpected request %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer server.Close()

	embedder := NewOpenAIEmbedder(server.URL, "key", "text-embedding-3-small", 2, nil)
	out, err := embedder.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if out[0][0] != 1 || out[1][1] != 1 {
		t.Errorf("vectors not in input order: %v", out)
	}
}
