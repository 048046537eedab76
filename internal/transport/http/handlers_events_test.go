package httptransport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"eventrelay/internal/dispatch"
	"eventrelay/internal/domain"
	"eventrelay/internal/platform/middleware"
	"eventrelay/internal/transport/http/mocks"
	"eventrelay/pkg/platform/sentinel"
	"eventrelay/pkg/testutil"
)

type EventsHandlerSuite struct {
	suite.Suite
}

func TestEventsHandlerSuite(t *testing.T) {
	suite.Run(t, new(EventsHandlerSuite))
}

type allowAll struct{}

func (allowAll) ValidateToken(token string) (*middleware.TokenClaims, error) {
	if token != "good" {
		return nil, errors.New("bad token")
	}
	return &middleware.TokenClaims{ClientID: "lms"}, nil
}

func (s *EventsHandlerSuite) newRouter(t *testing.T, opts ...Option) (*mocks.MockPipeline, http.Handler) {
	ctrl := gomock.NewController(t)
	pipeline := mocks.NewMockPipeline(ctrl)
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	h, err := New(pipeline, opts...)
	require.NoError(t, err)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("eventrelay_up 1\n"))
	})
	return pipeline, NewRouter(h, allowAll{}, metrics)
}

func (s *EventsHandlerSuite) post(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const twoEvents = `{"events":[
	{"event_id":"e1","subject_id":"u1","event_type":"lesson.completed","occurred_at":"2026-02-01T09:00:00Z"},
	{"event_id":"e2","subject_id":"","event_type":"lesson.started"}
]}`

// =============================================================================
// POST /v1/events
// =============================================================================

func (s *EventsHandlerSuite) TestIngest() {
	s.T().Run("partial acceptance - 202", func(t *testing.T) {
		pipeline, router := s.newRouter(t)
		pipeline.EXPECT().
			CollectIngest(gomock.Any(), gomock.Len(2)).
			DoAndReturn(func(_ any, events []domain.Event) (dispatch.AcceptResult, error) {
				assert.Equal(t, "e1", events[0].EventID)
				assert.Equal(t, "u1", events[0].SubjectID)
				return dispatch.AcceptResult{
					Accepted: 1, Rejected: 1, BatchID: "b1",
					Errors: []string{"events[1]: subject_id is required"},
				}, nil
			})

		rec := s.post(t, router, twoEvents)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		got := decode[dispatch.AcceptResult](t, rec)
		assert.Equal(t, 1, got.Accepted)
		assert.Equal(t, "b1", got.BatchID)
		assert.Len(t, got.Errors, 1)
		assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
	})

	s.T().Run("every event rejected - 400", func(t *testing.T) {
		pipeline, router := s.newRouter(t)
		pipeline.EXPECT().CollectIngest(gomock.Any(), gomock.Any()).
			Return(dispatch.AcceptResult{Rejected: 2, Errors: []string{"a", "b"}}, nil)

		rec := s.post(t, router, twoEvents)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, 2, decode[dispatch.AcceptResult](t, rec).Rejected)
	})

	s.T().Run("buffer failure - 503 with retry hint", func(t *testing.T) {
		pipeline, router := s.newRouter(t)
		pipeline.EXPECT().CollectIngest(gomock.Any(), gomock.Any()).
			Return(dispatch.AcceptResult{Rejected: 1, Errors: []string{"buffer unavailable: closed"}},
				fmt.Errorf("stage batch: %w", sentinel.ErrClosed))

		rec := s.post(t, router, twoEvents)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "5", rec.Header().Get("Retry-After"))
		assert.Equal(t, []string{"buffer unavailable: closed"}, decode[dispatch.AcceptResult](t, rec).Errors)
	})

	s.T().Run("invalid json - 400 without calling pipeline", func(t *testing.T) {
		pipeline, router := s.newRouter(t)
		pipeline.EXPECT().CollectIngest(gomock.Any(), gomock.Any()).Times(0)

		rec := s.post(t, router, "{bad-json")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request", decode[map[string]string](t, rec)["error"])
	})

	s.T().Run("empty events - 400", func(t *testing.T) {
		pipeline, router := s.newRouter(t)
		pipeline.EXPECT().CollectIngest(gomock.Any(), gomock.Any()).Times(0)

		rec := s.post(t, router, `{"events":[]}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "events is required", decode[map[string]string](t, rec)["error_description"])
	})

	s.T().Run("oversized body - 413", func(t *testing.T) {
		pipeline, router := s.newRouter(t, WithMaxBodyBytes(64))
		pipeline.EXPECT().CollectIngest(gomock.Any(), gomock.Any()).Times(0)

		big := `{"events":[{"event_id":"e1","subject_id":"u1","payload":{"x":"` + strings.Repeat("a", 256) + `"}}]}`
		rec := s.post(t, router, big)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	s.T().Run("missing token - 401", func(t *testing.T) {
		pipeline, router := s.newRouter(t)
		pipeline.EXPECT().CollectIngest(gomock.Any(), gomock.Any()).Times(0)

		req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString(twoEvents))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	s.T().Run("wrong method - 405", func(t *testing.T) {
		_, router := s.newRouter(t)
		req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func (s *EventsHandlerSuite) TestIngestTypedEvents() {
	s.T().Run("events round-trip through the decoder", func(t *testing.T) {
		pipeline, router := s.newRouter(t)
		occurred := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
		ev := domain.Event{
			EventID:    "e1",
			SubjectID:  "u1",
			EventType:  "quiz.submitted",
			Payload:    json.RawMessage(`{"score":0.75,"seq":9007199254740993}`),
			OccurredAt: occurred,
			SessionID:  "s1",
		}
		pipeline.EXPECT().CollectIngest(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ any, events []domain.Event) (dispatch.AcceptResult, error) {
				require.Len(t, events, 1)
				assert.Equal(t, "s1", events[0].SessionID)
				assert.True(t, occurred.Equal(events[0].OccurredAt))
				assert.JSONEq(t, `{"score":0.75,"seq":9007199254740993}`, string(events[0].Payload))
				assert.Contains(t, string(events[0].Payload), "9007199254740993")
				return dispatch.AcceptResult{Accepted: 1, BatchID: "b9"}, nil
			})

		rec := testutil.DoRequest(router, testutil.NewIngestRequest(t, "good", ev))

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "b9", testutil.UnmarshalResponse[dispatch.AcceptResult](t, rec).BatchID)
	})

	s.T().Run("bad token - unauthorized envelope", func(t *testing.T) {
		_, router := s.newRouter(t)
		rec := testutil.DoRequest(router, testutil.NewIngestRequest(t, "forged", domain.Event{EventID: "e1", SubjectID: "u1"}))
		testutil.AssertStatusAndError(t, rec, http.StatusUnauthorized, "unauthorized")
	})

	s.T().Run("rejections are logged with the producer client", func(t *testing.T) {
		var logs bytes.Buffer
		ctrl := gomock.NewController(t)
		pipeline := mocks.NewMockPipeline(ctrl)
		h, err := New(pipeline, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
		require.NoError(t, err)
		pipeline.EXPECT().CollectIngest(gomock.Any(), gomock.Any()).Return(dispatch.AcceptResult{Rejected: 1}, nil)

		req := testutil.WithClientID(testutil.NewIngestRequest(t, "", domain.Event{EventID: "e1"}), "lms")
		rec := httptest.NewRecorder()
		h.handleIngest(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, logs.String(), "client_id=lms")
	})
}

// =============================================================================
// Probes and metrics
// =============================================================================

func (s *EventsHandlerSuite) TestHealthz() {
	cases := []struct {
		status string
		code   int
	}{
		{dispatch.StatusHealthy, http.StatusOK},
		{dispatch.StatusDegraded, http.StatusOK},
		{dispatch.StatusUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		s.T().Run(tc.status, func(t *testing.T) {
			pipeline, router := s.newRouter(t)
			pipeline.EXPECT().HealthStatus(gomock.Any()).Return(dispatch.HealthStatus{
				Status: tc.status,
				Buffer: dispatch.BufferHealth{EventCount: 7},
			})

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tc.code, rec.Code)
			got := decode[dispatch.HealthStatus](t, rec)
			assert.Equal(t, tc.status, got.Status)
			assert.Equal(t, 7, got.Buffer.EventCount)
		})
	}
}

func (s *EventsHandlerSuite) TestReadyz() {
	s.T().Run("ready", func(t *testing.T) {
		pipeline, router := s.newRouter(t)
		pipeline.EXPECT().IsReady().Return(true)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	s.T().Run("not ready", func(t *testing.T) {
		pipeline, router := s.newRouter(t)
		pipeline.EXPECT().IsReady().Return(false)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, false, decode[map[string]bool](t, rec)["ready"])
	})
}

func (s *EventsHandlerSuite) TestMetricsRoute() {
	_, router := s.newRouter(s.T())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "eventrelay_up 1")
}

func (s *EventsHandlerSuite) TestNewRequiresPipeline() {
	_, err := New(nil)
	s.ErrorContains(err, "pipeline is required")
}
