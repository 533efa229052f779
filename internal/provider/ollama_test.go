package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaBackend_StreamsNDJSON(t *testing.T) {
	var received ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if errDecode := json.NewDecoder(r.Body).Decode(&received); errDecode != nil {
			t.Errorf("decode request: %v", errDecode)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, part := range []string{"Hi", " there", ""} {
			fmt.Fprintf(w, `{"model":"llava:latest","message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
		}
		fmt.Fprintln(w, `{"model":"llava:latest","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`)
	}))
	defer server.Close()

	backend, err := NewOllamaFactory(server.URL+"/", server.Client())(context.Background(), "llava:latest")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	stream, err := backend.Stream(context.Background(), []Message{{Role: "user", Content: "hello"}}, []string{"sys"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	chunks := drain(t, stream)
	if len(chunks) != 2 || chunks[1].Delta != " there" || chunks[1].Content != "Hi there" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
	if !received.Stream || received.Model != "llava:latest" {
		t.Fatalf("unexpected request: %+v", received)
	}
	if len(received.Messages) != 2 || received.Messages[0].Role != "system" || received.Messages[1].Content != "hello" {
		t.Fatalf("unexpected request messages: %+v", received.Messages)
	}
}

func TestOllamaBackend_ErrorFrame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"a"},"done":false}`)
		fmt.Fprintln(w, `{"error":"model crashed"}`)
	}))
	defer server.Close()

	backend, _ := NewOllamaFactory(server.URL, nil)(context.Background(), "m")
	stream, err := backend.Stream(context.Background(), []Message{{Role: "user", Content: "x"}}, nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer func() { _ = stream.Close() }()
	if _, errRecv := stream.Recv(); errRecv != nil {
		t.Fatalf("first recv: %v", errRecv)
	}
	_, errRecv := stream.Recv()
	if errRecv == nil || errors.Is(errRecv, io.EOF) || !strings.Contains(errRecv.Error(), "model crashed") {
		t.Fatalf("expected model error, got %v", errRecv)
	}
	if _, errRecv = stream.Recv(); !errors.Is(errRecv, io.EOF) {
		t.Fatalf("expected EOF after error, got %v", errRecv)
	}
}

func TestOllamaBackend_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'nope' not found"}`))
	}))
	defer server.Close()

	backend, _ := NewOllamaFactory(server.URL, nil)(context.Background(), "nope")
	_, err := backend.Stream(context.Background(), []Message{{Role: "user", Content: "x"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestOllamaFactory_EmptyBaseURL(t *testing.T) {
	if _, err := NewOllamaFactory(" ", nil)(context.Background(), "m"); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}
