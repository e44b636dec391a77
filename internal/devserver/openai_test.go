package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/leostream/pkg/stream"
)

func sseServer(t *testing.T, deltas []string) (*httptest.Server, <-chan string) {
	t.Helper()
	bodies := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		select {
		case bodies <- string(raw):
		default:
		}
		w.Header().Set("Content-Type", "text/event-stream")
		seq := 0
		send := func(v map[string]any) {
			seq++
			v["sequence_number"] = seq
			data, _ := json.Marshal(v)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", v["type"], data)
		}
		var full strings.Builder
		for _, d := range deltas {
			full.WriteString(d)
			send(map[string]any{
				"type": "response.output_text.delta", "item_id": "msg_1",
				"output_index": 0, "content_index": 0, "delta": d, "logprobs": []any{},
			})
		}
		send(map[string]any{
			"type": "response.output_text.done", "item_id": "msg_1",
			"output_index": 0, "content_index": 0, "text": full.String(), "logprobs": []any{},
		})
	}))
	t.Cleanup(ts.Close)
	return ts, bodies
}

func TestOpenAIGeneratorStreamsChunks(t *testing.T) {
	ts, body := sseServer(t, []string{"program vault.aleo {\n", "}\n"})
	gen := NewOpenAIGenerator("test-key", "gpt-4o-mini", nil,
		option.WithBaseURL(ts.URL+"/v1/"), option.WithMaxRetries(0))

	job := Job{
		SessionID:   "gen-1",
		Request:     stream.GenerationRequest{ProjectName: "Vault", ProjectDescription: "a vault"},
		ProjectPath: "/workspace/vault",
		clock:       &eventClock{},
	}
	var events []stream.StreamEvent
	require.NoError(t, gen.Generate(context.Background(), job, func(ev stream.StreamEvent) {
		events = append(events, ev)
	}))

	var code strings.Builder
	for _, ev := range events {
		if ev.Type == stream.EventTypeCodeChunk {
			code.WriteString(ev.Data)
		}
	}
	assert.Equal(t, "program vault.aleo {\n}\n", code.String())
	assert.Equal(t, stream.EventTypeThinking, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, stream.EventTypeProjectComplete, last.Type)
	assert.Equal(t, "/workspace/vault", last.Data)

	sent := <-body
	assert.Contains(t, sent, `"model":"gpt-4o-mini"`)
	assert.Contains(t, sent, "vault.aleo")
}

func TestOpenAIGeneratorEmptyOutput(t *testing.T) {
	ts, _ := sseServer(t, nil)
	gen := NewOpenAIGenerator("test-key", "gpt-4o-mini", nil,
		option.WithBaseURL(ts.URL+"/v1/"), option.WithMaxRetries(0))

	job := Job{SessionID: "gen-1", Request: stream.GenerationRequest{ProjectName: "x"}, clock: &eventClock{}}
	err := gen.Generate(context.Background(), job, func(stream.StreamEvent) {})
	assert.ErrorContains(t, err, "no code")
}

func TestOpenAIGeneratorHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer ts.Close()
	gen := NewOpenAIGenerator("bad", "gpt-4o-mini", nil,
		option.WithBaseURL(ts.URL+"/v1/"), option.WithMaxRetries(0))

	job := Job{SessionID: "gen-1", Request: stream.GenerationRequest{ProjectName: "x"}, clock: &eventClock{}}
	err := gen.Generate(context.Background(), job, func(stream.StreamEvent) {})
	assert.ErrorContains(t, err, "openai stream")
}
