package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskagent/internal/core"
	"taskagent/internal/timer"

	"github.com/go-chi/chi/v5"
)

const (
	defaultRunLimit     = 20
	maxRunLimit         = 200
	defaultPreviewCount = 5
	maxPreviewCount     = 20
)

type taskResponse struct {
	TaskID      string  `json:"task_id"`
	CommandType string  `json:"command_type,omitempty"`
	Cron        string  `json:"cron,omitempty"`
	State       string  `json:"state"`
	Canceled    bool    `json:"canceled"`
	StartedAt   *string `json:"started_at,omitempty"`
	NextFireAt  *string `json:"next_fire_at,omitempty"`
}

type runResponse struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Outcome     string `json:"outcome"`
	ExitCode    int    `json:"exit_code"`
	Dropped     int    `json:"dropped"`
	OutputBytes int    `json:"output_bytes"`
	Periodic    bool   `json:"periodic"`
	StartedAt   string `json:"started_at"`
	EndedAt     string `json:"ended_at"`
	CreatedAt   string `json:"created_at"`
}

type cronPreviewRequest struct {
	Cron  string `json:"cron"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	views := s.scheduler.Snapshot()
	resp := make([]taskResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, taskToResponse(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": resp})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if !s.scheduler.Contains(taskID) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	// Cancel waits for the process to exit, which can take the kill grace.
	ctx := context.WithoutCancel(r.Context())
	go s.scheduler.Cancel(ctx, core.StopTaskInfo{TaskID: taskID})
	s.logger.Info("cancel requested", "task_id", taskID)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "canceling"})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	handled, err := s.scheduler.Kick(r.Context())
	if err != nil {
		if errors.Is(err, core.ErrKickThrottled) {
			writeError(w, http.StatusTooManyRequests, "throttled", "fetch requested too often")
			return
		}
		s.logger.Error("kick fetch", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"handled": handled})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(r.URL.Query().Get("task_id"))
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultRunLimit)
	if limit <= 0 || limit > maxRunLimit {
		limit = defaultRunLimit
	}
	runs, err := s.journal.ListRuns(r.Context(), taskID, limit)
	if err != nil {
		s.logger.Error("list runs", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": resp})
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	expr := strings.TrimSpace(req.Cron)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "cron expression is required"})
		return
	}
	schedule, err := timer.ParseCron(expr)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: false, Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > maxPreviewCount {
		count = defaultPreviewCount
	}
	times := timer.NextOccurrences(schedule, time.Now(), count)
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, NextTimes: formatted})
}

func taskToResponse(v core.TaskView) taskResponse {
	resp := taskResponse{
		TaskID:      v.TaskID,
		CommandType: v.CommandType,
		Cron:        v.Cron,
		State:       string(v.State),
		Canceled:    v.Canceled,
	}
	if !v.StartedAt.IsZero() {
		started := v.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &started
	}
	if !v.NextFireAt.IsZero() {
		next := v.NextFireAt.UTC().Format(time.RFC3339)
		resp.NextFireAt = &next
	}
	return resp
}

func runToResponse(run *core.RunRecord) runResponse {
	return runResponse{
		ID:          run.ID,
		TaskID:      run.TaskID,
		Outcome:     string(run.Outcome),
		ExitCode:    run.ExitCode,
		Dropped:     run.Dropped,
		OutputBytes: run.OutputBytes,
		Periodic:    run.Periodic,
		StartedAt:   run.StartedAt.UTC().Format(time.RFC3339Nano),
		EndedAt:     run.EndedAt.UTC().Format(time.RFC3339Nano),
		CreatedAt:   run.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
