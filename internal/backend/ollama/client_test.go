package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferbench/internal/backend"
)

type fakeOllama struct {
	models  []string
	pulls   atomic.Int32
	loads   atomic.Int32
	tags    atomic.Int32
	down    atomic.Bool
	load    string
	lines   []string
	status  int
	hold    time.Duration
	lastReq generateRequest
}

func (f *fakeOllama) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			f.tags.Add(1)
			if f.down.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			var body struct {
				Models []map[string]string `json:"models"`
			}
			for _, m := range f.models {
				body.Models = append(body.Models, map[string]string{"name": m})
			}
			require.NoError(t, json.NewEncoder(w).Encode(body))
		case "/api/pull":
			f.pulls.Add(1)
			time.Sleep(20 * time.Millisecond)
			fmt.Fprintln(w, `{"status":"success"}`)
		case "/api/generate":
			var req generateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.Prompt == "" {
				f.loads.Add(1)
				load := f.load
				if load == "" {
					load = `{"model":"` + req.Model + `","response":"","done":true}`
				}
				fmt.Fprintln(w, load)
				return
			}
			f.lastReq = req
			if f.status != 0 {
				w.WriteHeader(f.status)
				fmt.Fprint(w, `{"error":"model 'nope' not found"}`)
				return
			}
			for _, l := range f.lines {
				fmt.Fprintln(w, l)
				w.(http.Flusher).Flush()
			}
			if f.hold > 0 {
				select {
				case <-r.Context().Done():
				case <-time.After(f.hold):
				}
			}
		default:
			http.NotFound(w, r)
		}
	}
}

func start(t *testing.T, f *fakeOllama) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(Config{ID: "local", BaseURL: srv.URL, URLEnv: "OLLAMA_URL"})
}

func TestInfer_StreamsGenerate(t *testing.T) {
	f := &fakeOllama{lines: []string{
		`{"response":"Hello","done":false}`,
		`{"response":" there","done":false}`,
		`{"response":"","done":true,"prompt_eval_count":11,"eval_count":22,"load_duration":1500000000}`,
	}}
	c := start(t, f)

	resp, err := c.Infer(context.Background(), backend.Request{Prompt: "hi", MaxTokens: 100})
	require.NoError(t, err)

	assert.Equal(t, "Hello there", resp.Text)
	assert.Equal(t, 11, resp.InputTokens)
	assert.Equal(t, 22, resp.OutputTokens)
	assert.True(t, resp.FirstTokenSeen)
	require.NotNil(t, resp.ModelLoad)
	assert.Equal(t, 1500*time.Millisecond, resp.ModelLoad.LoadDuration)

	assert.Equal(t, DefaultModel, f.lastReq.Model)
	assert.True(t, f.lastReq.Stream)
	assert.EqualValues(t, 100, f.lastReq.Options["num_predict"])
}

func TestInfer_ErrorStatus(t *testing.T) {
	c := start(t, &fakeOllama{status: http.StatusNotFound})

	_, err := c.Infer(context.Background(), backend.Request{Prompt: "hi", Model: "nope"})
	assert.Equal(t, backend.KindAPIError, backend.KindOf(err))
	assert.Contains(t, err.Error(), "not found")
}

func TestInfer_ErrorLineInStream(t *testing.T) {
	c := start(t, &fakeOllama{lines: []string{`{"error":"out of memory"}`}})

	_, err := c.Infer(context.Background(), backend.Request{Prompt: "hi"})
	assert.Equal(t, backend.KindAPIError, backend.KindOf(err))
	assert.Contains(t, err.Error(), "out of memory")
}

func TestInfer_TimeoutKeepsPartial(t *testing.T) {
	c := start(t, &fakeOllama{
		lines: []string{`{"response":"partial","done":false}`},
		hold:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := c.Infer(ctx, backend.Request{Prompt: "hi"})
	be, ok := backend.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, backend.KindTimeout, be.Kind)
	require.NotNil(t, be.Partial)
	assert.Equal(t, 1, be.Partial.OutputTokens)
}

func TestInfer_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{ID: "local", BaseURL: url})
	_, err := c.Infer(context.Background(), backend.Request{Prompt: "hi"})
	assert.Equal(t, backend.KindAPIError, backend.KindOf(err))
	assert.Contains(t, err.Error(), "ollama serve")
	assert.False(t, c.IsAvailable(context.Background()))
}

func TestIsAvailable(t *testing.T) {
	c := start(t, &fakeOllama{})
	assert.True(t, c.IsAvailable(context.Background()))
	assert.Contains(t, c.Remediation(), "OLLAMA_URL")
}

func TestIsAvailable_CachedForTTL(t *testing.T) {
	f := &fakeOllama{}
	c := start(t, f)
	c.cfg.AvailabilityTTL = time.Minute
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	ctx := context.Background()
	assert.True(t, c.IsAvailable(ctx))
	f.down.Store(true)
	assert.True(t, c.IsAvailable(ctx), "answer reused within the TTL")
	assert.EqualValues(t, 1, f.tags.Load())

	clock = clock.Add(time.Minute)
	assert.False(t, c.IsAvailable(ctx), "expired answer is refreshed")
	assert.EqualValues(t, 2, f.tags.Load())

	f.down.Store(false)
	clock = clock.Add(2 * time.Minute)
	assert.True(t, c.IsAvailable(ctx), "a server that comes back is noticed")
}

func TestNew_DefaultAvailabilityTTL(t *testing.T) {
	c := New(Config{ID: "local", BaseURL: DefaultURL})
	assert.Equal(t, DefaultAvailabilityTTL, c.cfg.AvailabilityTTL)
}

func TestPrepare_PullsMissingModel(t *testing.T) {
	f := &fakeOllama{models: []string{"qwen:7b"}}
	c := start(t, f)

	ev, err := c.Prepare(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.NotNil(t, ev.DownloadDuration)
	assert.GreaterOrEqual(t, *ev.DownloadDuration, 20*time.Millisecond)
	assert.EqualValues(t, 1, f.pulls.Load())
	assert.EqualValues(t, 1, f.loads.Load(), "the pulled model is loaded too")
}

func TestPrepare_LoadsPresentModel(t *testing.T) {
	f := &fakeOllama{
		models: []string{"llama3.2:3b"},
		load:   `{"model":"llama3.2:3b","response":"","done":true,"load_duration":2500000000}`,
	}
	c := start(t, f)

	ev, err := c.Prepare(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Nil(t, ev.DownloadDuration)
	assert.Equal(t, 2500*time.Millisecond, ev.LoadDuration)
	assert.EqualValues(t, 0, f.pulls.Load())
	assert.EqualValues(t, 1, f.loads.Load())

	f.models = []string{"mistral:latest"}
	f.load = ""
	ev, err = c.Prepare(context.Background(), "mistral")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Positive(t, ev.LoadDuration, "wall time stands in when the server reports none")
	assert.EqualValues(t, 0, f.pulls.Load())
}

func TestPrepare_LoadError(t *testing.T) {
	f := &fakeOllama{
		models: []string{"llama3.2:3b"},
		load:   `{"error":"model requires more system memory"}`,
	}
	c := start(t, f)

	_, err := c.Prepare(context.Background(), "")
	assert.Equal(t, backend.KindAPIError, backend.KindOf(err))
	assert.Contains(t, err.Error(), "system memory")
}

func TestUnconfiguredURL(t *testing.T) {
	c := New(Config{ID: "local-rtx", URLEnv: "OLLAMA_RTX_URL"})
	assert.False(t, c.IsAvailable(context.Background()))
	assert.Equal(t, "set OLLAMA_RTX_URL to the Ollama server URL", c.Remediation())

	_, err := c.Infer(context.Background(), backend.Request{Prompt: "hi"})
	assert.Equal(t, backend.KindNotConfigured, backend.KindOf(err))
}
