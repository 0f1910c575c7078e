package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Lifeline-Treasury/internal/auth"
	xerrors "Lifeline-Treasury/internal/errors"
	"Lifeline-Treasury/internal/lifesupport"
	"Lifeline-Treasury/internal/observability/metrics"
	"Lifeline-Treasury/internal/sink"
)

type stubRunner struct {
	check lifesupport.CheckResult
	swap  lifesupport.CheckResult
	got   *lifesupport.SwapRequest
	// ctxErr 记录调用时上下文的状态。
	ctxErr error
	ctx    context.Context
}

func (s *stubRunner) Check(ctx context.Context) lifesupport.CheckResult {
	s.ctx, s.ctxErr = ctx, ctx.Err()
	return s.check
}

func (s *stubRunner) Swap(ctx context.Context, req lifesupport.SwapRequest) lifesupport.CheckResult {
	s.ctx, s.ctxErr = ctx, ctx.Err()
	s.got = &req
	return s.swap
}

func newTestServer(runner Runner, status sink.Reader) (*Server, *metrics.Collector) {
	collector := metrics.NewCollector()
	return NewServer(":0", runner, status, WithMetrics(collector)), collector
}

func TestHandleCheck(t *testing.T) {
	runner := &stubRunner{check: lifesupport.CheckResult{AttemptID: "a-1", Status: lifesupport.StatusNominal}}
	server, _ := newTestServer(runner, nil)
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/life-support/check", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got lifesupport.CheckResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.AttemptID != "a-1" || got.Status != lifesupport.StatusNominal {
		t.Fatalf("unexpected result %+v", got)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/life-support/check", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestHandleCheckInProgressConflicts(t *testing.T) {
	runner := &stubRunner{check: lifesupport.CheckResult{Status: lifesupport.StatusAlreadyInProgress}}
	server, collector := newTestServer(runner, nil)
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/life-support/check", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}

	exposition := httptest.NewRecorder()
	collector.Handler().ServeHTTP(exposition, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(exposition.Body)
	if !strings.Contains(string(body), `handler="check"`) || !strings.Contains(string(body), `code="409"`) {
		t.Fatalf("http metrics missing from exposition:\n%s", body)
	}
}

func TestHandleSwap(t *testing.T) {
	runner := &stubRunner{swap: lifesupport.CheckResult{Kind: lifesupport.KindNativeSwap, Status: lifesupport.StatusConfirmed}}
	server, _ := newTestServer(runner, nil)
	handler := server.Handler()

	body := `{"ledger":"operating","source_asset":"ETH","dest_asset":"USDC","amount":"0.1"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/swaps", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	if runner.got == nil || runner.got.DestAsset != "USDC" || runner.got.Amount != "0.1" {
		t.Fatalf("swap request not forwarded: %+v", runner.got)
	}

	t.Run("malformed body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/swaps", strings.NewReader(`{"unknown":1}`)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("rejected request", func(t *testing.T) {
		runner.swap = lifesupport.CheckResult{Status: lifesupport.StatusFailed, ErrorCode: string(xerrors.CodeInvalidArgument)}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/swaps", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestHandleStatus(t *testing.T) {
	mem := sink.NewMemory(0)
	_ = mem.Put(context.Background(), sink.KeyLifeSupportResult, sink.Record{
		AttemptID:  "a-9",
		Status:     "confirmed",
		TxHash:     "0xabc",
		RecordedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	server, _ := newTestServer(&stubRunner{}, mem)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got map[string]sink.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[sink.KeyLifeSupportResult].TxHash != "0xabc" {
		t.Fatalf("unexpected status body %+v", got)
	}
}

func TestHandleStatusWithoutReader(t *testing.T) {
	server, _ := newTestServer(&stubRunner{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(nil, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestControlSurvivesClientDisconnect(t *testing.T) {
	runner := &stubRunner{check: lifesupport.CheckResult{Status: lifesupport.StatusConfirmed}}
	base, stop := context.WithCancel(context.Background())
	defer stop()
	server := NewServer(":0", runner, nil, WithMetrics(metrics.NewCollector()), WithBaseContext(base))
	handler := server.Handler()

	gone, disconnect := context.WithCancel(context.Background())
	disconnect()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/life-support/check", nil).WithContext(gone))
	if runner.ctxErr != nil {
		t.Fatalf("check must not observe the client disconnect: %v", runner.ctxErr)
	}

	body := strings.NewReader(`{"ledger":"operating","source_asset":"ETH","dest_asset":"USDC","amount":"0.1"}`)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/swaps", body).WithContext(gone))
	if runner.ctxErr != nil {
		t.Fatalf("swap must not observe the client disconnect: %v", runner.ctxErr)
	}
	if runner.ctx.Err() == nil {
		t.Fatal("operation context must be released once the handler returns")
	}
}

func TestControlCancelledByServerShutdown(t *testing.T) {
	base, stop := context.WithCancel(context.Background())
	stop()
	runner := &stubRunner{check: lifesupport.CheckResult{Status: lifesupport.StatusNominal}}
	server := NewServer(":0", runner, nil, WithMetrics(metrics.NewCollector()), WithBaseContext(base))

	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/life-support/check", nil))
	if runner.ctxErr == nil {
		t.Fatal("server shutdown must cancel the operation")
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestTokenAuthGuardsControlEndpoints(t *testing.T) {
	sum := sha256.Sum256([]byte("viewer-secret"))
	svc, err := auth.NewService(auth.Config{
		Mode: auth.ModeToken,
		Operators: []auth.OperatorToken{{
			Name:        "viewer",
			TokenSHA256: hex.EncodeToString(sum[:]),
			Permissions: []string{auth.PermissionRead},
		}},
	})
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	runner := &stubRunner{check: lifesupport.CheckResult{Status: lifesupport.StatusNominal}}
	server := NewServer(":0", runner, sink.NewMemory(0), WithMetrics(metrics.NewCollector()), WithAuth(svc))
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/life-support/check", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/life-support/check", nil)
	req.Header.Set("Authorization", "Bearer viewer-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer viewer-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
}
