package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpulse/classpulse-analytics/internal/application/dashboard"
	"github.com/classpulse/classpulse-analytics/internal/application/ingest"
	"github.com/classpulse/classpulse-analytics/internal/infrastructure/persistence/memory"
	"github.com/classpulse/classpulse-analytics/pkg/logger"
)

type serverFixture struct {
	server   *Server
	students *memory.StudentSnapshotStore
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	log := logger.Default()
	events := memory.NewEventLog()
	students := memory.NewStudentSnapshotStore()
	classes := memory.NewClassSnapshotStore(students)
	cache := memory.NewCacheStore()

	config := DefaultConfig()
	config.RateLimitPerMinute = 0

	server := NewServer(config, Dependencies{
		Ingest:    ingest.NewService(events, students, nil, log),
		Dashboard: dashboard.NewManager(cache, classes, events, nil, dashboard.Config{}, log),
		Logger:    log,
	})

	return &serverFixture{server: server, students: students}
}

func (f *serverFixture) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	f.server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var resp struct {
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func ingestBody(id, studentID, classID string) map[string]interface{} {
	return map[string]interface{}{
		"id":         id,
		"student_id": studentID,
		"class_id":   classID,
		"kind":       "mastery",
		"concept_id": "loops",
		"value":      80.0,
	}
}

func TestIngestEndpoint_RejectsMalformedIDs(t *testing.T) {
	f := newServerFixture(t)

	cases := []struct {
		name string
		body map[string]interface{}
		code string
	}{
		{"blank event id", ingestBody("   ", uuid.NewString(), uuid.NewString()), "invalid_event_id"},
		{"non-uuid student", ingestBody(uuid.NewString(), "student-7", uuid.NewString()), "invalid_student_id"},
		{"non-uuid class", ingestBody(uuid.NewString(), uuid.NewString(), "algebra"), "invalid_class_id"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/events", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestIngestEndpoint_AppliesValidEvent(t *testing.T) {
	f := newServerFixture(t)
	studentID := uuid.NewString()

	rec := f.do(t, http.MethodPost, "/api/v1/events",
		ingestBody(uuid.NewString(), studentID, uuid.NewString()))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	snap, err := f.students.Get(context.Background(), studentID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.MasteryCount)
}

func TestDashboardEndpoint_RejectsMalformedIDs(t *testing.T) {
	f := newServerFixture(t)
	valid := uuid.NewString()

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/dashboard?teacher_id=ms-wu&class_id=%s", valid), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_teacher_id", errorCode(t, rec))

	rec = f.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/dashboard?teacher_id=%s&class_id=period-3", valid), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_class_id", errorCode(t, rec))
}
