package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStreamConcatenatesChunks(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"response":"Hello"}`)
		fmt.Fprintln(w, `{"response":", "}`)
		fmt.Fprintln(w, `{"response":"world"}`)
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	defer upstream.Close()

	c := NewClient(upstream.URL, "test-model")
	var deltas []string
	out, err := c.Stream(context.Background(), Request{Prompt: "hi"}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if out != "Hello, world" {
		t.Fatalf("Stream() output = %q, want %q", out, "Hello, world")
	}
	if len(deltas) != 3 {
		t.Fatalf("delta count = %d, want 3", len(deltas))
	}
}

func TestStreamSkipsNonJSONNoise(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `: keepalive comment`)
		fmt.Fprintln(w, `data: {"response":"ok","done":true}`)
	}))
	defer upstream.Close()

	c := NewClient(upstream.URL, "test-model")
	out, err := c.Stream(context.Background(), Request{Prompt: "hi"}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if out != "ok" {
		t.Fatalf("Stream() output = %q, want %q", out, "ok")
	}
}

func TestStreamSurfacesUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model not found"}`)
	}))
	defer upstream.Close()

	c := NewClient(upstream.URL, "test-model")
	_, err := c.Stream(context.Background(), Request{Prompt: "hi"}, nil)
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("Stream() error = %v, want upstream error", err)
	}
}

func TestStreamBadStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer upstream.Close()

	c := NewClient(upstream.URL, "test-model")
	_, err := c.Stream(context.Background(), Request{Prompt: "hi"}, nil)
	if err == nil || !strings.Contains(err.Error(), "upstream status 400") {
		t.Fatalf("Stream() error = %v, want status error", err)
	}
}

func TestStreamRetriesTransientStatus(t *testing.T) {
	var attempts int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, `{"response":"recovered","done":true}`)
	}))
	defer upstream.Close()

	c := NewClient(upstream.URL, "test-model")
	out, err := c.Stream(context.Background(), Request{Prompt: "hi"}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if out != "recovered" {
		t.Fatalf("Stream() output = %q, want %q", out, "recovered")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestStreamAbortsOnCancellation(t *testing.T) {
	firstChunkSent := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Errorf("response writer is not a flusher")
			return
		}
		fmt.Fprintln(w, `{"response":"first"}`)
		flusher.Flush()
		close(firstChunkSent)
		// Keep the stream open until the client walks away.
		<-r.Context().Done()
	}))
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewClient(upstream.URL, "test-model")
	done := make(chan error, 1)
	go func() {
		_, err := c.Stream(ctx, Request{Prompt: "hi"}, nil)
		done <- err
	}()

	<-firstChunkSent
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Stream() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stream() did not abort after cancellation")
	}
}
