package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowq/flowq/internal/api"
	"github.com/flowq/flowq/internal/client"
	"github.com/flowq/flowq/internal/events"
	"github.com/flowq/flowq/internal/platform/memstore"
	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	router http.Handler
	client *client.Client
	store  *memstore.Store
}

// newTestEnv wires a router against the in-memory store with a send-email
// task and an etl workflow registered.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := memstore.New()

	tasks := task.NewRegistry()
	tasks.MustRegister(task.Definition{
		Name: "send-email",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, nil
		},
		Config: task.Config{Queue: "default", Timeout: 30 * time.Second, MaxRetries: 2},
	})
	for _, name := range []string{"extract", "transform", "load"} {
		tasks.MustRegister(task.Definition{
			Name: name,
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				return nil, nil
			},
		})
	}

	workflows := workflow.NewRegistry()
	b := workflow.NewBuilder("etl")
	b.Start(workflow.T("extract")).Next(workflow.T("transform")).Next(workflow.T("load"))
	def, err := b.Build(tasks)
	require.NoError(t, err)
	workflows.MustRegister(def)

	hub := events.NewHub(discardLogger())
	cli := client.New(st, st.Workflows(), tasks, workflows, hub, discardLogger())

	router := api.NewRouter(api.RouterConfig{Client: cli, Logger: discardLogger()})
	return &testEnv{router: router, client: cli, store: st}
}

// serve executes the request against the router and returns the recorder.
func serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// decodeBody unmarshals the recorded response body into T.
func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "response body should decode")
	return v
}
