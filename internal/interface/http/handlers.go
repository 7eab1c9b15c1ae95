package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/classpulse/classpulse-analytics/internal/domain/analytics"
	"github.com/classpulse/classpulse-analytics/internal/domain/shared"
	"github.com/classpulse/classpulse-analytics/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSONError(w, http.StatusNotFound, "not_found", "Endpoint not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "classpulse-analytics",
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
		return
	}

	status := s.deps.HealthChecker.Check(r.Context())

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
		return
	}

	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Ready {
		writeJSONError(w, http.StatusServiceUnavailable, "not_ready", "Service is not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT INGESTION
// ══════════════════════════════════════════════════════════════════════════════

// ingestRequest is the wire format of POST /api/v1/events.
type ingestRequest struct {
	ID             string    `json:"id"`
	StudentID      string    `json:"student_id"`
	ClassID        string    `json:"class_id"`
	Kind           string    `json:"kind"`
	ConceptID      string    `json:"concept_id,omitempty"`
	Value          float64   `json:"value"`
	ResponseTimeMS int64     `json:"response_time_ms,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// ingestResponse reports what the event did to the student's snapshot.
type ingestResponse struct {
	EventID   string `json:"event_id"`
	Result    string `json:"result"`
	Version   int64  `json:"version"`
	Anomalous bool   `json:"anomalous"`
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	defer body.Close()

	var req ingestRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		if errors.As(err, new(*http.MaxBytesError)) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "body_too_large", "Request body exceeds the size limit")
			return
		}
		if err == io.EOF {
			writeJSONError(w, http.StatusBadRequest, "empty_body", "Request body is required")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON")
		return
	}

	kind, err := analytics.ParseEventKind(req.Kind)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}

	eventID := shared.EventID(strings.TrimSpace(req.ID))
	if !eventID.IsValid() {
		writeJSONError(w, http.StatusBadRequest, "invalid_event_id", "Event id is required")
		return
	}
	studentID, err := shared.NewStudentID(req.StudentID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_student_id", "student_id must be a UUID")
		return
	}
	classID := shared.ClassID(strings.TrimSpace(req.ClassID))
	if !classID.IsValid() {
		writeJSONError(w, http.StatusBadRequest, "invalid_class_id", "class_id must be a UUID")
		return
	}

	now := timeutil.Now()
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	event := analytics.Event{
		ID:             eventID.String(),
		StudentID:      studentID.String(),
		ClassID:        classID.String(),
		Kind:           kind,
		ConceptID:      strings.TrimSpace(req.ConceptID),
		Value:          req.Value,
		ResponseTimeMS: req.ResponseTimeMS,
		OccurredAt:     occurredAt.UTC(),
		RecordedAt:     now,
	}

	outcome, err := s.deps.Ingest.Apply(r.Context(), event)
	if err != nil {
		if shared.IsValidation(err) {
			writeJSONError(w, http.StatusBadRequest, "invalid_event", err.Error())
			return
		}
		writeJSONError(w, http.StatusServiceUnavailable, "ingest_failed", "Event could not be processed")
		return
	}

	status := http.StatusAccepted
	if outcome.Result == analytics.ResultDuplicate {
		status = http.StatusOK
	}

	writeJSON(w, status, ingestResponse{
		EventID:   event.ID,
		Result:    outcome.Result.String(),
		Version:   outcome.Version,
		Anomalous: outcome.Anomalous,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// DASHBOARD
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	teacherID := shared.TeacherID(strings.TrimSpace(r.URL.Query().Get("teacher_id")))
	classID := shared.ClassID(strings.TrimSpace(r.URL.Query().Get("class_id")))

	if teacherID == "" || classID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_parameter", "teacher_id and class_id are required")
		return
	}
	if !teacherID.IsValid() {
		writeJSONError(w, http.StatusBadRequest, "invalid_teacher_id", "teacher_id must be a UUID")
		return
	}
	if !classID.IsValid() {
		writeJSONError(w, http.StatusBadRequest, "invalid_class_id", "class_id must be a UUID")
		return
	}

	payload, err := s.deps.Dashboard.Get(r.Context(), teacherID.String(), classID.String())
	if err != nil {
		if shared.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "class_not_found", "No analytics exist for this class yet")
			return
		}
		writeJSONError(w, http.StatusServiceUnavailable, "dashboard_unavailable", "Dashboard payload is temporarily unavailable")
		return
	}

	// The payload is served exactly as cached; identical requests between
	// recomputations return identical bytes.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// ══════════════════════════════════════════════════════════════════════════════
// JOB ADMIN
// ══════════════════════════════════════════════════════════════════════════════

type jobInfoResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule"`
	LastRun     string `json:"last_run,omitempty"`
	NextRun     string `json:"next_run,omitempty"`
	RunCount    int64  `json:"run_count"`
	FailCount   int64  `json:"fail_count"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Jobs == nil {
		writeJSONError(w, http.StatusNotFound, "jobs_disabled", "Background jobs are not enabled")
		return
	}

	infos := s.deps.Jobs.ListJobs()
	out := make([]jobInfoResponse, 0, len(infos))
	for _, info := range infos {
		resp := jobInfoResponse{
			Name:        info.Name,
			Description: info.Description,
			Enabled:     info.Enabled,
			Schedule:    info.Schedule,
			RunCount:    info.RunCount,
			FailCount:   info.FailCount,
		}
		if !info.LastRun.IsZero() {
			resp.LastRun = info.LastRun.UTC().Format(time.RFC3339)
		}
		if !info.NextRun.IsZero() {
			resp.NextRun = info.NextRun.UTC().Format(time.RFC3339)
		}
		out = append(out, resp)
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeJSONError(w, http.StatusNotFound, "jobs_disabled", "Background jobs are not enabled")
		return
	}

	name := r.PathValue("name")

	result, err := s.deps.Jobs.RunNow(r.Context(), name)
	if err != nil {
		if result == nil {
			writeJSONError(w, http.StatusNotFound, "job_not_found", "No job with that name is registered")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "job_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":      result.JobName,
		"success":  result.Success,
		"duration": result.Duration.String(),
	})
}
