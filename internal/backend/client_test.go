package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/console/internal/ctxutil"
	"github.com/ashita-ai/console/internal/model"
)

// mockServer creates an httptest server that mimics the backend API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	if _, ok := handlers["POST /auth/token"]; !ok {
		mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		})
	}
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL, APIKey: "test-key", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func requireAuth(t *testing.T, r *http.Request) {
	t.Helper()
	assert.Equal(t, "Bearer test-token-xyz", r.Header.Get("Authorization"))
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestListMessages(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/projects/p1/messages": func(w http.ResponseWriter, r *http.Request) {
			requireAuth(t, r)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"messages": []model.Message{
					{ID: "m1", ProjectID: "p1", Kind: model.KindUserText, Content: "hi"},
					{ID: "m2", ProjectID: "p1", Kind: model.KindStatusSpinner, Content: "Working..."},
				}},
			})
		},
	})

	msgs, err := newTestClient(t, srv.URL).ListMessages(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.KindStatusSpinner, msgs[1].Kind)
}

func TestUpsertMessage(t *testing.T) {
	var got model.Message
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PUT /v1/projects/p1/messages/m1": func(w http.ResponseWriter, r *http.Request) {
			requireAuth(t, r)
			assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusNoContent)
		},
	})

	err := newTestClient(t, srv.URL).UpsertMessage(context.Background(), model.Message{
		ID: "m1", ProjectID: "p1", Kind: model.KindAssistantText, Content: "done",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", got.Content)
}

func TestRequestIDFromContext(t *testing.T) {
	var seen []string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PUT /v1/projects/p1/messages/m1": func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.Header.Get("X-Request-ID"))
			w.WriteHeader(http.StatusNoContent)
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := ctxutil.WithRequestID(context.Background(), "turn-42")

	require.NoError(t, c.UpsertMessage(ctx, model.Message{ID: "m1", ProjectID: "p1"}))
	require.NoError(t, c.UpsertMessage(ctx, model.Message{ID: "m1", ProjectID: "p1"}))
	assert.Equal(t, []string{"turn-42", "turn-42"}, seen)
}

func TestGetRunSnapshotAndEvents(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/r1": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": model.RunSnapshot{
				RunID: "r1", ProjectID: "p1",
				Stages: map[string]model.StageState{"ingest": {Status: model.StageRunning}},
			}})
		},
		"GET /v1/runs/r1/events": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"events": []model.RunEvent{{Event: model.RunEventFallback, StageID: "ingest", ToModel: "small"}},
			}})
		},
	})
	c := newTestClient(t, srv.URL)

	snap, err := c.GetRunSnapshot(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StageRunning, snap.Stages["ingest"].Status)

	events, err := c.ListRunEvents(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "small", events[0].ToModel)
}

func TestErrorTypesMapCorrectly(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusNotFound, IsNotFound},
		{http.StatusConflict, IsConflict},
		{http.StatusTooManyRequests, IsRateLimited},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := mockServer(t, map[string]http.HandlerFunc{
				"GET /v1/runs/r1": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tt.status, map[string]any{
						"error": map[string]any{"code": "E", "message": "nope"},
					})
				},
			})
			_, err := newTestClient(t, srv.URL).GetRunSnapshot(context.Background(), "r1")
			require.Error(t, err)
			assert.True(t, tt.check(err))

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestInvokeReturnsResult(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/projects/p1/runs": func(w http.ResponseWriter, r *http.Request) {
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "first-pipeline", payload["recipe_id"])
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"run_id": "r9"}})
		},
	})

	result, err := newTestClient(t, srv.URL).Invoke(context.Background(), "v1/projects/p1/runs",
		map[string]any{"recipe_id": "first-pipeline"})
	require.NoError(t, err)
	assert.Equal(t, "r9", result["run_id"])
}

func TestTokenRefreshIsSharedAcrossCallers(t *testing.T) {
	var authCount atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCount.Add(1)
			time.Sleep(20 * time.Millisecond)
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"token":      "test-token-xyz",
				"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
			}})
		},
		"GET /v1/runs/r1/events": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"events": []any{}}})
		},
	})
	c := newTestClient(t, srv.URL)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ListRunEvents(context.Background(), "r1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), authCount.Load())
}

func TestTokenRefreshOn401(t *testing.T) {
	var authCount, calls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			n := authCount.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"token":      fmt.Sprintf("token-v%d", n),
				"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
			}})
		},
		"GET /v1/runs/r1/events": func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			if r.Header.Get("Authorization") != "Bearer token-v2" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": "UNAUTHORIZED", "message": "expired"}})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"events": []any{}}})
		},
	})

	_, err := newTestClient(t, srv.URL).ListRunEvents(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), authCount.Load())
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenExpiryFromJWT(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("irrelevant"))
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, tokenExpiry(signed, now).Equal(exp))
	assert.True(t, tokenExpiry("opaque-token", now).Equal(now.Add(5*time.Minute)))
}

func TestChatStreamsChunks(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/projects/p1/chat": func(w http.ResponseWriter, r *http.Request) {
			var req ChatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "hello", req.Text)
			w.Header().Set("Content-Type", "application/x-ndjson")
			_, _ = io.WriteString(w, `{"type":"text-delta","text":"Hel"}`+"\n\n")
			_, _ = io.WriteString(w, `{"type":"tool-invocation-start","tool_call_id":"t1","tool_name":"list_runs"}`+"\n")
			_, _ = io.WriteString(w, `{"type":"tool-invocation-result","tool_call_id":"t1"}`+"\n")
		},
	})

	ctx := context.Background()
	r, err := newTestClient(t, srv.URL).Chat(ctx, "p1", ChatRequest{Text: "hello"})
	require.NoError(t, err)
	defer r.Close()

	var types []model.ChunkType
	for {
		chunk, err := r.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		types = append(types, chunk.Type)
	}
	assert.Equal(t, []model.ChunkType{model.ChunkTextDelta, model.ChunkToolStart, model.ChunkToolResult}, types)
}

func TestChatErrorChunkFailsStream(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/projects/p1/chat": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"type":"text-delta","text":"partial"}`+"\n")
			_, _ = io.WriteString(w, `{"type":"error","error":"model overloaded"}`+"\n")
		},
	})

	ctx := context.Background()
	r, err := newTestClient(t, srv.URL).Chat(ctx, "p1", ChatRequest{Text: "hello"})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next(ctx)
	require.NoError(t, err)
	_, err = r.Next(ctx)
	require.EqualError(t, err, "model overloaded")
}
