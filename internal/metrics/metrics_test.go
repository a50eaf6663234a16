package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordBatch(t *testing.T) {
	committedBefore := testutil.ToFloat64(CommittedItemsTotal)
	failedBefore := testutil.ToFloat64(CommitBatchesTotal.WithLabelValues("failed"))

	RecordBatch(200, nil)
	RecordBatch(50, errors.New("constraint failed"))

	if got := testutil.ToFloat64(CommittedItemsTotal) - committedBefore; got != 200 {
		t.Errorf("expected 200 committed items recorded, got %v", got)
	}
	if got := testutil.ToFloat64(CommitBatchesTotal.WithLabelValues("failed")) - failedBefore; got != 1 {
		t.Errorf("expected 1 failed batch recorded, got %v", got)
	}
}

func TestRecordFetch(t *testing.T) {
	tests := []struct {
		name   string
		status string
	}{
		{name: "ok", status: "ok"},
		{name: "rate limited", status: "rate-limited"},
		{name: "blocked", status: "blocked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(FetchResultsTotal.WithLabelValues(tt.status))
			RecordFetch(tt.status, 10*time.Millisecond)
			if got := testutil.ToFloat64(FetchResultsTotal.WithLabelValues(tt.status)) - before; got != 1 {
				t.Errorf("expected counter to advance by 1, got %v", got)
			}
		})
	}
}

func TestRecordRun(t *testing.T) {
	before := testutil.ToFloat64(RunsTotal.WithLabelValues("committed"))
	RecordRun("committed", time.Second)
	if got := testutil.ToFloat64(RunsTotal.WithLabelValues("committed")) - before; got != 1 {
		t.Errorf("expected run counter to advance by 1, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	RecordRun("completed", time.Second)
	handler := Handler("/metrics", log.New(io.Discard))

	t.Run("serves the registry", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "ytsync_runs_total") {
			t.Error("expected ytsync_runs_total in the exposition")
		}
	})

	t.Run("serves a health probe", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("rejects writes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", rec.Code)
		}
	})
}
