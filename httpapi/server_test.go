package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"companyflow/audit"
	"companyflow/closure"
	"companyflow/export"
	"companyflow/storage"
	"companyflow/suspension"
)

type testServer struct {
	router   http.Handler
	verifier *TokenVerifier
	closures *fakeClosures
	exports  *fakeExports
	objects  *storage.Memory
	signer   *storage.Signer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	verifier := NewTokenVerifier("api-secret")
	closures := &fakeClosures{}
	exports := &fakeExports{}
	objects := storage.NewMemory()
	signer := storage.NewSigner("download-secret", "http://api.test")
	srv := NewServer(closures, &fakeSuspensions{}, exports, objects, signer, verifier, log)
	return &testServer{
		router:   srv.Router(),
		verifier: verifier,
		closures: closures,
		exports:  exports,
		objects:  objects,
		signer:   signer,
	}
}

func (ts *testServer) request(t *testing.T, method, path, body string, role Role) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if role != "" {
		token, err := ts.verifier.Issue("user-1", role, time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_RequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/companies/co-1/closure", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestClosureStatus_IncludesAuditTrail(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/companies/co-1/closure", "", RoleMember)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var env struct {
		Data struct {
			ID         string `json:"id"`
			AuditTrail []struct {
				Action  string `json:"action"`
				Outcome string `json:"outcome"`
			} `json:"auditTrail"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	body := env.Data
	if body.ID != "cls-1" {
		t.Errorf("id = %q, want cls-1", body.ID)
	}
	if len(body.AuditTrail) != 1 || body.AuditTrail[0].Action != "closure_initiated" {
		t.Errorf("auditTrail = %+v, want the initiation entry", body.AuditTrail)
	}
}

func TestRouter_MemberCannotMutateLifecycle(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodPost, "/companies/co-1/closure", `{}`, RoleMember)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if ts.closures.initiated {
		t.Error("handler reached despite role gate")
	}
}

func TestClosureInitiate_Created(t *testing.T) {
	ts := newTestServer(t)
	ts.closures.result = closure.InitiationResult{Success: true, ClosureID: "cls-1", Status: closure.StatusScheduled}

	rec := ts.request(t, http.MethodPost, "/companies/co-1/closure",
		`{"reason":"business_closed","deleteType":"permanent","confirmation":"PERMANENTLY CLOSE COMPANY"}`, RoleOwner)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}
	if ts.closures.companyID != "co-1" || ts.closures.actor != "user-1" {
		t.Errorf("company = %q actor = %q", ts.closures.companyID, ts.closures.actor)
	}
}

func TestClosureInitiate_ValidationBlockedIs422(t *testing.T) {
	ts := newTestServer(t)
	ts.closures.result = closure.InitiationResult{
		Success: false,
		Status:  closure.StatusValidationFailed,
		Errors:  []string{"unpaid invoices"},
	}

	rec := ts.request(t, http.MethodPost, "/companies/co-1/closure", `{}`, RoleOwner)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body)
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Success {
		t.Error("envelope should report failure")
	}
}

func TestClosureInitiate_SentinelStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{closure.ErrConfirmationMismatch, http.StatusBadRequest},
		{closure.ErrInvalidReason, http.StatusBadRequest},
		{closure.ErrClosureActive, http.StatusConflict},
		{closure.ErrClosureNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		ts := newTestServer(t)
		ts.closures.err = tc.err
		rec := ts.request(t, http.MethodPost, "/companies/co-1/closure", `{}`, RoleOwner)
		if rec.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestExportInitiate_ForcesManualPurposeAndActor(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodPost, "/exports",
		`{"companyId":"co-1","purpose":"closure","includeUserData":true,"requestedBy":"spoofed"}`, RoleMember)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	if ts.exports.req.Purpose != export.PurposeManual {
		t.Errorf("purpose = %q, want manual regardless of payload", ts.exports.req.Purpose)
	}
	if ts.exports.req.RequestedBy != "user-1" {
		t.Errorf("requested by = %q, want the token subject", ts.exports.req.RequestedBy)
	}
}

func TestExportDownloadLink_PlatformAdminGetsGlobalAccess(t *testing.T) {
	ts := newTestServer(t)
	ts.exports.linkURL = "http://api.test/download?token=abc"
	ts.exports.linkExpires = time.Now().Add(time.Hour)

	rec := ts.request(t, http.MethodGet, "/exports/exp-1/download-link", "", RolePlatformAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if !ts.exports.requester.GlobalExportAccess {
		t.Error("platform admin should carry global export access")
	}

	rec = ts.request(t, http.MethodGet, "/exports/exp-1/download-link", "", RoleMember)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ts.exports.requester.GlobalExportAccess {
		t.Error("member must not carry global export access")
	}
}

func TestDownload_ServesArtifactForValidToken(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.objects.Put(context.Background(), "exports/co-1/exp-1.enc", []byte("sealed bytes")); err != nil {
		t.Fatal(err)
	}
	signed, _, err := ts.signer.SignedURL("exports/co-1/exp-1.enc", time.Hour)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}

	rec := ts.request(t, http.MethodGet, "/download?token="+url.QueryEscape(u.Query().Get("token")), "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "sealed bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("content type = %q", ct)
	}
}

func TestDownload_RejectsBadTokens(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.request(t, http.MethodGet, "/download", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing token: status = %d, want 400", rec.Code)
	}
	if rec := ts.request(t, http.MethodGet, "/download?token=garbage", "", ""); rec.Code != http.StatusForbidden {
		t.Errorf("garbage token: status = %d, want 403", rec.Code)
	}

	// Valid token for a missing artifact.
	signed, _, err := ts.signer.SignedURL("exports/co-1/missing.enc", time.Hour)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	u, _ := url.Parse(signed)
	rec := ts.request(t, http.MethodGet, "/download?token="+url.QueryEscape(u.Query().Get("token")), "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing artifact: status = %d, want 404", rec.Code)
	}
}

type fakeClosures struct {
	initiated bool
	companyID string
	actor     string
	result    closure.InitiationResult
	err       error
}

func (f *fakeClosures) Initiate(_ context.Context, companyID string, _ closure.Request, actorID string) (closure.InitiationResult, error) {
	f.initiated = true
	f.companyID = companyID
	f.actor = actorID
	if f.err != nil {
		return closure.InitiationResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeClosures) Cancel(_ context.Context, companyID, _, actorID string) (closure.Record, error) {
	f.companyID = companyID
	f.actor = actorID
	if f.err != nil {
		return closure.Record{}, f.err
	}
	return closure.Record{ID: "cls-1", CompanyID: companyID, Status: closure.StatusCancelled}, nil
}

func (f *fakeClosures) Rollback(_ context.Context, companyID, _, actorID string) (closure.Record, error) {
	f.companyID = companyID
	f.actor = actorID
	if f.err != nil {
		return closure.Record{}, f.err
	}
	return closure.Record{ID: "cls-1", CompanyID: companyID, Status: closure.StatusRolledBack}, nil
}

func (f *fakeClosures) Status(_ context.Context, companyID string) (closure.StatusView, error) {
	if f.err != nil {
		return closure.StatusView{}, f.err
	}
	return closure.StatusView{
		Record: closure.Record{ID: "cls-1", CompanyID: companyID, Status: closure.StatusScheduled},
		AuditTrail: []audit.Entry{
			{Action: "closure_initiated", PerformedBy: "user-1", Outcome: audit.OutcomeSuccess},
		},
	}, nil
}

type fakeSuspensions struct{}

func (f *fakeSuspensions) Suspend(_ context.Context, companyID string, _ suspension.SuspendRequest, _ string) (suspension.Record, error) {
	return suspension.Record{ID: "susp-1", CompanyID: companyID, Status: suspension.StatusSuspended}, nil
}

func (f *fakeSuspensions) Reactivate(_ context.Context, companyID, _ string) (suspension.Record, error) {
	return suspension.Record{ID: "susp-1", CompanyID: companyID, Status: suspension.StatusActive}, nil
}

func (f *fakeSuspensions) Status(_ context.Context, companyID string) (suspension.Record, error) {
	return suspension.Record{ID: "susp-1", CompanyID: companyID, Status: suspension.StatusSuspended}, nil
}

type fakeExports struct {
	req         export.Request
	requester   export.Requester
	linkURL     string
	linkExpires time.Time
	err         error
}

func (f *fakeExports) Initiate(_ context.Context, req export.Request) (export.Record, error) {
	f.req = req
	if f.err != nil {
		return export.Record{}, f.err
	}
	return export.Record{ID: "exp-1", CompanyID: req.CompanyID, Status: export.StatusQueued}, nil
}

func (f *fakeExports) GetStatus(context.Context, string) (export.Record, error) {
	if f.err != nil {
		return export.Record{}, f.err
	}
	return export.Record{ID: "exp-1", Status: export.StatusCompleted}, nil
}

func (f *fakeExports) GetDownloadLink(_ context.Context, _ string, req export.Requester) (string, time.Time, error) {
	f.requester = req
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return f.linkURL, f.linkExpires, nil
}
