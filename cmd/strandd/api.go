package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	runsearch "github.com/strandlabs/strand/features/run/mongo/search"
	"github.com/strandlabs/strand/runtime/agent/broker"
	agentrun "github.com/strandlabs/strand/runtime/agent/run"
	"github.com/strandlabs/strand/runtime/agent/runtime"
	"github.com/strandlabs/strand/runtime/agent/telemetry"
	"github.com/strandlabs/strand/runtime/agent/thread"
)

type pinger = health.Pinger

// runSearcher serves run listings. Satisfied by the Mongo search repository.
type runSearcher interface {
	Runs(ctx context.Context, q runsearch.RunQuery) (runsearch.RunSearchResult, error)
}

// api mounts the HTTP surface: thread and run management plus the SSE event
// stream.
type api struct {
	coordinator *runtime.Coordinator
	threads     thread.Store
	search      runSearcher
	sse         http.Handler
	pingers     []pinger
	logger      telemetry.Logger
}

func (a *api) handler(ctx context.Context, dbg bool) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /threads", a.createThread)
	mux.HandleFunc("POST /threads/{thread_id}/messages", a.appendMessage)
	mux.HandleFunc("POST /threads/{thread_id}/runs", a.startRun)
	mux.HandleFunc("GET /threads/{thread_id}/runs", a.listRuns)
	mux.HandleFunc("POST /runs/{run_id}/stop", a.stopRun)
	mux.Handle("GET /runs/{run_id}/events", a.sse)
	mux.Handle("GET /healthz", health.Handler(health.NewChecker(a.pingers...)))

	if dbg {
		debug.MountDebugLogEnabler(mux)
		debug.MountPprofHandlers(mux)
	}

	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

type (
	createThreadRequest struct {
		AccountID string `json:"account_id"`
	}

	createThreadResponse struct {
		ThreadID string `json:"thread_id"`
	}

	appendMessageRequest struct {
		Content string `json:"content"`
	}

	appendMessageResponse struct {
		Sequence int64 `json:"sequence"`
	}

	startRunRequest struct {
		Model       string  `json:"model"`
		Temperature float32 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		Parallel    bool    `json:"parallel"`
	}

	startRunResponse struct {
		RunID string `json:"run_id"`
	}

	runSummary struct {
		RunID      string     `json:"run_id"`
		Status     agentrun.Status `json:"status"`
		WorkerID   string     `json:"worker_id,omitempty"`
		Iterations int        `json:"iterations"`
		Error      string     `json:"error,omitempty"`
		StartedAt  time.Time  `json:"started_at"`
		EndedAt    *time.Time `json:"ended_at,omitempty"`
	}

	listRunsResponse struct {
		Runs       []runSummary `json:"runs"`
		NextCursor string       `json:"next_cursor,omitempty"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

func (a *api) createThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t := &thread.Thread{
		ID:        uuid.NewString(),
		AccountID: req.AccountID,
	}
	if err := a.threads.CreateThread(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, createThreadResponse{ThreadID: t.ID})
}

func (a *api) appendMessage(w http.ResponseWriter, r *http.Request) {
	var req appendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}
	m := &thread.Message{
		ID:         uuid.NewString(),
		ThreadID:   r.PathValue("thread_id"),
		Type:       thread.TypeUser,
		Content:    req.Content,
		LLMVisible: true,
	}
	if err := a.threads.AppendMessage(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendMessageResponse{Sequence: m.Sequence})
}

func (a *api) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	runID, err := a.coordinator.Start(r.Context(), r.PathValue("thread_id"), broker.ModelParams{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Parallel:    req.Parallel,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: runID})
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	q := runsearch.RunQuery{
		ThreadIDs:  []string{r.PathValue("thread_id")},
		SortField:  runsearch.SortByStartedAt,
		Descending: true,
	}
	for _, s := range r.URL.Query()["status"] {
		q.Statuses = append(q.Statuses, agentrun.Status(s))
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		q.Limit = limit
	}
	cursor, err := decodeRunCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q.Cursor = cursor

	res, err := a.search.Runs(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := listRunsResponse{
		Runs:       make([]runSummary, 0, len(res.Runs)),
		NextCursor: encodeRunCursor(res.NextCursor),
	}
	for _, rec := range res.Runs {
		resp.Runs = append(resp.Runs, runSummary{
			RunID:      rec.RunID,
			Status:     rec.Status,
			WorkerID:   rec.WorkerID,
			Iterations: rec.Iterations,
			Error:      rec.Error,
			StartedAt:  rec.StartedAt,
			EndedAt:    rec.EndedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// encodeRunCursor renders pagination state as an opaque token.
func encodeRunCursor(c *runsearch.RunCursor) string {
	if c == nil {
		return ""
	}
	return c.ID.Hex() + "@" + c.Timestamp.UTC().Format(time.RFC3339Nano)
}

func decodeRunCursor(s string) (*runsearch.RunCursor, error) {
	if s == "" {
		return nil, nil
	}
	idHex, ts, ok := strings.Cut(s, "@")
	if !ok {
		return nil, errors.New("invalid cursor")
	}
	id, err := bson.ObjectIDFromHex(idHex)
	if err != nil {
		return nil, errors.New("invalid cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, errors.New("invalid cursor")
	}
	return &runsearch.RunCursor{Timestamp: t, ID: id}, nil
}

func (a *api) stopRun(w http.ResponseWriter, r *http.Request) {
	if err := a.coordinator.Stop(r.Context(), r.PathValue("run_id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// decodeJSON decodes the request body into v. An empty body is valid and
// leaves v at its zero value.
func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
