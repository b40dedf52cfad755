package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"job-lease-guard/internal/config"
	"job-lease-guard/internal/coordinator"
	"job-lease-guard/internal/detector"
	"job-lease-guard/internal/lease"
	"job-lease-guard/internal/ledger"
	"job-lease-guard/internal/models"
	"job-lease-guard/internal/quarantine"
	"job-lease-guard/internal/queue"
)

type testServer struct {
	srv     *httptest.Server
	handler *Server
	mr      *miniredis.Miniredis
	cfg     config.Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	l := ledger.NewGorm(db)
	require.NoError(t, l.Migrate(context.Background()))
	t.Cleanup(func() { _ = l.Close() })

	cfg := config.Defaults()
	cfg.KeyPrefix = "api"
	cfg.QuarantineThreshold = 2
	cfg.OrphanGrace = time.Hour

	tracker, err := quarantine.NewTracker(client, cfg, nil)
	require.NoError(t, err)
	svc := coordinator.New(coordinator.Deps{
		Leases:  lease.NewManager(client, cfg, nil),
		Tracker: tracker,
		Ledger:  l,
		Scanner: detector.NewScanner(client, l, cfg, nil),
		Queue:   queue.NewRedisQueue(client, cfg),
	}, cfg, nil)

	handler := New(svc, nil)
	srv := httptest.NewServer(handler.Router())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, handler: handler, mr: mr, cfg: cfg}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header http.Header) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out.Bytes()
}

func (ts *testServer) acquire(t *testing.T, jobID, workerID string) models.Lease {
	t.Helper()
	code, body := ts.do(t, http.MethodPost, "/leases/"+jobID, leaseRequest{WorkerID: workerID}, nil)
	require.Equal(t, http.StatusCreated, code, string(body))
	var l models.Lease
	require.NoError(t, json.Unmarshal(body, &l))
	return l
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestJobLifecycle(t *testing.T) {
	ts := newTestServer(t)

	code, _ := ts.do(t, http.MethodPost, "/jobs", createJobRequest{ID: "job-1"}, nil)
	require.Equal(t, http.StatusCreated, code)
	code, _ = ts.do(t, http.MethodPost, "/jobs", createJobRequest{ID: "job-1"}, nil)
	require.Equal(t, http.StatusConflict, code)
	code, _ = ts.do(t, http.MethodPost, "/jobs", createJobRequest{}, nil)
	require.Equal(t, http.StatusBadRequest, code)

	l := ts.acquire(t, "job-1", "worker-a")
	require.Equal(t, uint64(1), l.Epoch)

	code, _ = ts.do(t, http.MethodPost, "/leases/job-1", leaseRequest{WorkerID: "worker-b"}, nil)
	require.Equal(t, http.StatusConflict, code)

	code, _ = ts.do(t, http.MethodPut, "/leases/job-1", leaseRequest{WorkerID: "worker-a", Epoch: l.Epoch}, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.do(t, http.MethodPut, "/leases/job-1", leaseRequest{WorkerID: "worker-b", Epoch: l.Epoch}, nil)
	require.Equal(t, http.StatusConflict, code)

	code, _ = ts.do(t, http.MethodPost, "/leases/job-1/progress", leaseRequest{WorkerID: "worker-a", Epoch: l.Epoch}, nil)
	require.Equal(t, http.StatusNoContent, code)

	code, body := ts.do(t, http.MethodGet, "/jobs/job-1", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var st coordinator.JobStatus
	require.NoError(t, json.Unmarshal(body, &st))
	require.Equal(t, models.StateProcessing, st.Job.State)
	require.NotNil(t, st.Lease)
	require.Equal(t, "worker-a", st.Lease.WorkerID)

	code, _ = ts.do(t, http.MethodPost, "/leases/job-1/complete", leaseRequest{WorkerID: "worker-a", Epoch: l.Epoch}, nil)
	require.Equal(t, http.StatusOK, code)

	code, body = ts.do(t, http.MethodGet, "/jobs/job-1/outbox", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var outbox struct {
		Events []struct {
			EventType string `json:"event_type"`
			DedupeKey string `json:"dedupe_key"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &outbox))
	require.Len(t, outbox.Events, 2)
	require.Equal(t, models.EventJobStarted, outbox.Events[0].EventType)
	require.Equal(t, models.EventJobCompleted, outbox.Events[1].EventType)

	code, _ = ts.do(t, http.MethodGet, "/jobs/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestReleaseAndValidation(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.do(t, http.MethodPost, "/jobs", createJobRequest{ID: "job-1"}, nil)
	require.Equal(t, http.StatusCreated, code)
	l := ts.acquire(t, "job-1", "worker-a")

	code, _ = ts.do(t, http.MethodDelete, "/leases/job-1", leaseRequest{WorkerID: "worker-a"}, nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, body := ts.do(t, http.MethodDelete, "/leases/job-1", leaseRequest{WorkerID: "worker-a", Epoch: l.Epoch}, nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"released":true}`, string(body))

	code, body = ts.do(t, http.MethodDelete, "/leases/job-1", leaseRequest{WorkerID: "worker-a", Epoch: l.Epoch}, nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"released":false}`, string(body))
}

func TestAcquireRejectsTTLBeyondEvidence(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.do(t, http.MethodPost, "/jobs", createJobRequest{ID: "job-1"}, nil)
	require.Equal(t, http.StatusCreated, code)

	tooLong := int(ts.cfg.EvidenceTTL / time.Second)
	code, _ = ts.do(t, http.MethodPost, "/leases/job-1", leaseRequest{WorkerID: "worker-a", TTLSeconds: tooLong}, nil)
	require.Equal(t, http.StatusBadRequest, code)

	l := ts.acquire(t, "job-1", "worker-a")
	code, _ = ts.do(t, http.MethodPut, "/leases/job-1", leaseRequest{WorkerID: "worker-a", Epoch: l.Epoch, TTLSeconds: tooLong}, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestScanRecoverAndQuarantineReset(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.do(t, http.MethodPost, "/jobs", createJobRequest{ID: "poison"}, nil)
	require.Equal(t, http.StatusCreated, code)

	type scanResponse struct {
		Crashes []struct {
			Event   models.CrashEvent    `json:"event"`
			Outcome *models.CrashOutcome `json:"outcome"`
		} `json:"crashes"`
	}

	for i := 1; i <= 2; i++ {
		ts.acquire(t, "poison", fmt.Sprintf("worker-%d", i))
		ts.mr.FastForward(ts.cfg.LeaseTTL + time.Second)

		// A plain scan reports without consuming.
		code, body := ts.do(t, http.MethodPost, "/scans", nil, nil)
		require.Equal(t, http.StatusOK, code)
		var dry scanResponse
		require.NoError(t, json.Unmarshal(body, &dry))
		require.Len(t, dry.Crashes, 1)
		require.Nil(t, dry.Crashes[0].Outcome)

		code, body = ts.do(t, http.MethodPost, "/scans?recover=true", nil, nil)
		require.Equal(t, http.StatusOK, code)
		var res scanResponse
		require.NoError(t, json.Unmarshal(body, &res))
		require.Len(t, res.Crashes, 1)
		require.NotNil(t, res.Crashes[0].Outcome)
		require.Equal(t, i, res.Crashes[0].Outcome.CrashCount)
	}

	code, body := ts.do(t, http.MethodGet, "/quarantine", nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"items":["poison"]}`, string(body))

	code, _ = ts.do(t, http.MethodPost, "/leases/poison", leaseRequest{WorkerID: "worker-3"}, nil)
	require.Equal(t, http.StatusLocked, code)

	code, _ = ts.do(t, http.MethodPost, "/jobs/poison/quarantine/reset", nil, nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodPost, "/jobs/poison/quarantine/reset", nil, http.Header{"X-Operator-Id": {"ops-1"}})
	require.Equal(t, http.StatusOK, code)

	code, _ = ts.do(t, http.MethodPost, "/jobs/poison/quarantine/reset", nil, http.Header{"X-Operator-Id": {"ops-1"}})
	require.Equal(t, http.StatusConflict, code)

	ts.acquire(t, "poison", "worker-3")
}

func TestStatusForErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", ledger.ErrJobNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", lease.ErrLeaseConflict), http.StatusConflict},
		{fmt.Errorf("x: %w", lease.ErrCrashPending), http.StatusConflict},
		{fmt.Errorf("x: %w", ledger.ErrStaleEpoch), http.StatusConflict},
		{fmt.Errorf("x: %w", lease.ErrQuarantined), http.StatusLocked},
		{coordinator.ErrOperatorRequired, http.StatusBadRequest},
		{fmt.Errorf("x: %w", lease.ErrInvalidTTL), http.StatusBadRequest},
		{fmt.Errorf("%w: boom", lease.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

type denyAfter struct{ n int }

func (d *denyAfter) Allow(context.Context, string) (bool, float64, error) {
	d.n--
	return d.n >= 0, float64(max(d.n, 0)), nil
}

func TestAcquireIsRateLimited(t *testing.T) {
	ts := newTestServer(t)
	ts.handler.WithLimiter(&denyAfter{n: 1})

	code, _ := ts.do(t, http.MethodPost, "/jobs", createJobRequest{ID: "job-1"}, nil)
	require.Equal(t, http.StatusCreated, code)

	ts.acquire(t, "job-1", "worker-a")
	code, _ = ts.do(t, http.MethodPost, "/leases/job-1", leaseRequest{WorkerID: "worker-a"}, nil)
	require.Equal(t, http.StatusTooManyRequests, code)
}
