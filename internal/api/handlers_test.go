package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/silvercrow/onecut/internal/models"
)

// Handlers reject malformed requests before touching any backing service, so
// these paths are exercised with no database or queue behind the handler.

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rr.Body.String())
	}
	return body
}

func TestStartExportRejectsInvalidBody(t *testing.T) {
	h := NewHandler(nil, nil, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/exports", strings.NewReader("{not json"))
	h.StartExport(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestStartExportRejectsInvalidTimeline(t *testing.T) {
	h := NewHandler(nil, nil, nil)

	// Element references a track that does not exist; validation is
	// synchronous and no job may be created.
	body := `{
		"elements": [{
			"id": "e1", "kind": "video", "track_id": "missing",
			"timeline_start_ms": 0, "timeline_end_ms": 1000,
			"source_start_ms": 0, "source_end_ms": 1000,
			"source": "https://cdn.example.com/a.mp4"
		}],
		"tracks": [{"id": "v1", "index": 0, "kind": "video"}],
		"settings": {"resolution": "1080p", "fps": 30, "quality": "standard", "aspect_ratio": "horizontal"}
	}`

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/exports", strings.NewReader(body))
	h.StartExport(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d (%s)", rr.Code, http.StatusUnprocessableEntity, rr.Body.String())
	}
	resp := decodeJSONBody(t, rr)
	msg, _ := resp["error"].(string)
	if !strings.Contains(msg, "non-existent track") {
		t.Errorf("error should name the problem, got %q", msg)
	}
}

type fakeJobStore struct {
	created    []uuid.UUID
	failedID   uuid.UUID
	failedKind models.ErrorKind
	failedMsg  string
}

func (s *fakeJobStore) CreateJob(_ context.Context, job *models.ExportJob) error {
	s.created = append(s.created, job.ID)
	return nil
}

func (s *fakeJobStore) GetJob(context.Context, uuid.UUID) (*models.ExportJob, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeJobStore) ListJobs(context.Context, int, int) ([]models.ExportJob, error) {
	return nil, nil
}

func (s *fakeJobStore) CountJobs(context.Context) (int, error) { return 0, nil }

func (s *fakeJobStore) MarkFailed(_ context.Context, id uuid.UUID, kind models.ErrorKind, message string) error {
	s.failedID = id
	s.failedKind = kind
	s.failedMsg = message
	return nil
}

type failingEnqueuer struct{}

func (failingEnqueuer) EnqueueExport(context.Context, uuid.UUID, interface{}) error {
	return errors.New("queue unreachable")
}

func TestStartExportMarksJobFailedWhenEnqueueFails(t *testing.T) {
	store := &fakeJobStore{}
	h := NewHandler(store, failingEnqueuer{}, nil)

	body := `{
		"elements": [{
			"id": "e1", "kind": "video", "track_id": "v1",
			"timeline_start_ms": 0, "timeline_end_ms": 1000,
			"source_start_ms": 0, "source_end_ms": 1000,
			"source": "https://cdn.example.com/a.mp4"
		}],
		"tracks": [{"id": "v1", "index": 0, "kind": "video"}],
		"settings": {"resolution": "1080p", "fps": 30, "quality": "standard", "aspect_ratio": "horizontal"}
	}`

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/exports", strings.NewReader(body))
	h.StartExport(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d (%s)", rr.Code, http.StatusInternalServerError, rr.Body.String())
	}
	if len(store.created) != 1 {
		t.Fatalf("expected one created job, got %d", len(store.created))
	}
	// The row must not stay queued forever once the worker can never see it.
	if store.failedID != store.created[0] {
		t.Errorf("created job %s should be marked failed, marked %s", store.created[0], store.failedID)
	}
	if store.failedKind != models.ErrorKindRenderEngine {
		t.Errorf("failed kind = %s", store.failedKind)
	}
	if store.failedMsg == "" {
		t.Error("failure message should be recorded")
	}
}

func TestGetExportRejectsInvalidID(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	router := NewRouter(h, RouterConfig{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/exports/not-a-uuid", nil)
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestHealthIsPublic(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	router := NewRouter(h, RouterConfig{BackendAPIKey: "secret"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("health should not require auth, status = %d", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" {
		t.Errorf("expected ok status, got %v", body["status"])
	}
}
