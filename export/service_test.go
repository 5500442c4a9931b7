package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"companyflow/audit"
	"companyflow/company"
	"companyflow/storage"
)

func newTestService(pool *fakePool, repo *fakeExportStore, members *fakeMembers, signer *fakeSigner) *Service {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	enc, err := NewEncryptor(make([]byte, 32), "test-key")
	if err != nil {
		panic(err)
	}
	svc := NewService(pool, repo, members, storage.NewMemory(), signer, enc, &fakeRecorder{}, log, Options{})
	svc.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func fullRequest() Request {
	return Request{
		CompanyID:          "co-1",
		Format:             FormatJSON,
		IncludeUserData:    true,
		IncludeAssessments: true,
		RequestedBy:        "user-1",
	}
}

func TestCreate_RejectsEmptySelection(t *testing.T) {
	pool := &fakePool{}
	svc := newTestService(pool, &fakeExportStore{}, &fakeMembers{}, &fakeSigner{})

	req := fullRequest()
	req.IncludeUserData = false
	req.IncludeAssessments = false

	_, err := svc.create(context.Background(), req)
	if !errors.Is(err, ErrNoCategories) {
		t.Fatalf("err = %v, want ErrNoCategories", err)
	}
	if len(pool.txs) != 0 {
		t.Errorf("expected no transactions, got %d", len(pool.txs))
	}
}

func TestCreate_DuplicateActiveRollsBack(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeExportStore{hasActive: true}
	svc := newTestService(pool, repo, &fakeMembers{}, &fakeSigner{})

	_, err := svc.create(context.Background(), fullRequest())
	if !errors.Is(err, ErrExportActive) {
		t.Fatalf("err = %v, want ErrExportActive", err)
	}
	if repo.created {
		t.Error("expected no record creation")
	}
	if len(pool.txs) != 1 || pool.txs[0].committed || !pool.txs[0].rolled {
		t.Errorf("expected one rolled-back transaction, got %+v", pool.txs)
	}
}

func TestCreate_DefaultsAndAudit(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeExportStore{}
	rec := &fakeRecorder{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	enc, _ := NewEncryptor(make([]byte, 32), "test-key")
	svc := NewService(pool, repo, &fakeMembers{}, storage.NewMemory(), &fakeSigner{}, enc, rec, log, Options{})

	req := fullRequest()
	req.Format = ""
	req.Purpose = ""

	out, err := svc.create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if repo.createdParams.Format != FormatJSON {
		t.Errorf("format = %q, want json default", repo.createdParams.Format)
	}
	if repo.createdParams.Purpose != PurposeManual {
		t.Errorf("purpose = %q, want manual default", repo.createdParams.Purpose)
	}
	if got := repo.createdParams.Categories; len(got) != 2 || got[0] != CategoryUsers || got[1] != CategoryAssessments {
		t.Errorf("categories = %v, want fixed order [users assessments]", got)
	}
	if !pool.txs[0].committed {
		t.Error("expected committed transaction")
	}
	if len(rec.actions) != 1 || rec.actions[0] != "export_requested" {
		t.Errorf("audit actions = %v, want [export_requested]", rec.actions)
	}
	if out.ID == "" {
		t.Error("expected record id")
	}
}

func TestGetDownloadLink_FailsClosed(t *testing.T) {
	completed := Record{
		ID:         "exp-1",
		CompanyID:  "co-1",
		Status:     StatusCompleted,
		StorageKey: "exports/co-1/exp-1.enc",
	}
	cases := []struct {
		name    string
		record  Record
		members *fakeMembers
		req     Requester
		want    error
	}{
		{
			name:    "unknown user",
			record:  completed,
			members: &fakeMembers{err: errors.New("no such user")},
			req:     Requester{UserID: "ghost"},
			want:    ErrAccessDenied,
		},
		{
			name:    "empty user id",
			record:  completed,
			members: &fakeMembers{},
			req:     Requester{},
			want:    ErrAccessDenied,
		},
		{
			name:   "wrong company",
			record: completed,
			members: &fakeMembers{member: company.Member{
				ID: "user-2", CompanyID: "co-other", Role: company.RoleOwner, Status: company.UserActive,
			}},
			req:  Requester{UserID: "user-2"},
			want: ErrAccessDenied,
		},
		{
			name: "not completed",
			record: Record{
				ID: "exp-1", CompanyID: "co-1", Status: StatusInProgress,
			},
			members: &fakeMembers{member: company.Member{
				ID: "user-1", CompanyID: "co-1", Role: company.RoleOwner, Status: company.UserActive,
			}},
			req:  Requester{UserID: "user-1"},
			want: ErrNotReady,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &fakeExportStore{record: tc.record}
			svc := newTestService(&fakePool{}, repo, tc.members, &fakeSigner{})
			_, _, err := svc.GetDownloadLink(context.Background(), "exp-1", tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGetDownloadLink_ReusesUnexpiredURL(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	url := "https://dl.example/live"
	expires := now.Add(time.Hour)
	repo := &fakeExportStore{record: Record{
		ID:              "exp-1",
		CompanyID:       "co-1",
		Status:          StatusCompleted,
		StorageKey:      "exports/co-1/exp-1.enc",
		DownloadURL:     &url,
		DownloadExpires: &expires,
	}}
	signer := &fakeSigner{}
	svc := newTestService(&fakePool{}, repo, adminMembers(), signer)

	got, exp, err := svc.GetDownloadLink(context.Background(), "exp-1", Requester{UserID: "user-1"})
	if err != nil {
		t.Fatalf("GetDownloadLink: %v", err)
	}
	if got != url || !exp.Equal(expires) {
		t.Errorf("got (%q, %v), want cached (%q, %v)", got, exp, url, expires)
	}
	if signer.calls != 0 {
		t.Errorf("signer called %d times, want 0", signer.calls)
	}
}

func TestGetDownloadLink_ReissuesExpiredURL(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	stale := "https://dl.example/stale"
	expired := now.Add(-time.Minute)
	repo := &fakeExportStore{record: Record{
		ID:              "exp-1",
		CompanyID:       "co-1",
		Status:          StatusCompleted,
		StorageKey:      "exports/co-1/exp-1.enc",
		DownloadURL:     &stale,
		DownloadExpires: &expired,
	}}
	signer := &fakeSigner{url: "https://dl.example/fresh", expires: now.Add(24 * time.Hour)}
	svc := newTestService(&fakePool{}, repo, adminMembers(), signer)

	got, exp, err := svc.GetDownloadLink(context.Background(), "exp-1", Requester{UserID: "user-1"})
	if err != nil {
		t.Fatalf("GetDownloadLink: %v", err)
	}
	if got != signer.url || !exp.Equal(signer.expires) {
		t.Errorf("got (%q, %v), want reissued (%q, %v)", got, exp, signer.url, signer.expires)
	}
	if signer.calls != 1 {
		t.Errorf("signer called %d times, want 1", signer.calls)
	}
	if repo.linkURL != signer.url {
		t.Errorf("stored link %q, want %q", repo.linkURL, signer.url)
	}
}

func TestGetDownloadLink_GlobalAccessSkipsMembership(t *testing.T) {
	repo := &fakeExportStore{record: Record{
		ID:         "exp-1",
		CompanyID:  "co-1",
		Status:     StatusCompleted,
		StorageKey: "exports/co-1/exp-1.enc",
	}}
	signer := &fakeSigner{url: "https://dl.example/ops", expires: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)}
	members := &fakeMembers{err: errors.New("should not be consulted")}
	svc := newTestService(&fakePool{}, repo, members, signer)

	if _, _, err := svc.GetDownloadLink(context.Background(), "exp-1", Requester{GlobalExportAccess: true}); err != nil {
		t.Fatalf("GetDownloadLink: %v", err)
	}
	if members.calls != 0 {
		t.Errorf("member lookup called %d times, want 0", members.calls)
	}
}

func TestSweepExpired_SkipsFailedDeletes(t *testing.T) {
	repo := &fakeExportStore{due: []Record{
		{ID: "exp-1", StorageKey: "exports/co-1/exp-1.enc"},
		{ID: "exp-2", StorageKey: "exports/co-2/exp-2.enc"},
	}}
	mem := storage.NewMemory()
	if err := mem.Put(context.Background(), "exports/co-2/exp-2.enc", []byte("sealed")); err != nil {
		t.Fatal(err)
	}
	objects := &failingDelete{Memory: mem, failKey: "exports/co-1/exp-1.enc"}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	enc, _ := NewEncryptor(make([]byte, 32), "test-key")
	svc := NewService(&fakePool{}, repo, &fakeMembers{}, objects, &fakeSigner{}, enc, &fakeRecorder{}, log, Options{})

	removed, err := svc.SweepExpired(context.Background(), 10)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if len(repo.cleared) != 1 || repo.cleared[0] != "exp-2" {
		t.Errorf("cleared = %v, want [exp-2]", repo.cleared)
	}
	if mem.Len() != 0 {
		t.Errorf("objects remaining = %d, want 0", mem.Len())
	}
}

// failingDelete refuses to delete one key, standing in for an unreachable
// object store.
type failingDelete struct {
	*storage.Memory
	failKey string
}

func (f *failingDelete) Delete(ctx context.Context, key string) error {
	if key == f.failKey {
		return errors.New("object store unavailable")
	}
	return f.Memory.Delete(ctx, key)
}

func adminMembers() *fakeMembers {
	return &fakeMembers{member: company.Member{
		ID:        "user-1",
		CompanyID: "co-1",
		Role:      company.RoleOwner,
		Status:    company.UserActive,
	}}
}

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type fakeExportStore struct {
	hasActive     bool
	created       bool
	createdParams CreateParams
	record        Record
	linkURL       string
	linkExpires   time.Time
	due           []Record
	cleared       []string
}

func (f *fakeExportStore) Create(_ context.Context, _ pgx.Tx, params CreateParams) (Record, error) {
	f.created = true
	f.createdParams = params
	return Record{
		ID:         "exp-1",
		CompanyID:  params.CompanyID,
		Status:     StatusQueued,
		Format:     params.Format,
		Purpose:    params.Purpose,
		Categories: params.Categories,
	}, nil
}

func (f *fakeExportStore) HasActiveForCompany(context.Context, pgx.Tx, string) (bool, error) {
	return f.hasActive, nil
}

func (f *fakeExportStore) GetByID(context.Context, string) (Record, error) {
	if f.record.ID == "" {
		return Record{}, ErrExportNotFound
	}
	return f.record, nil
}

func (f *fakeExportStore) MarkStarted(context.Context, string, int64, Metadata) error {
	return nil
}

func (f *fakeExportStore) SetPhase(context.Context, string, Phase) error {
	return nil
}

func (f *fakeExportStore) AdvanceProgress(context.Context, string, int64) error {
	return nil
}

func (f *fakeExportStore) MarkCompleted(context.Context, string, string, string, int64, Metadata) error {
	return nil
}

func (f *fakeExportStore) MarkFailed(context.Context, string, Phase, error) error {
	return nil
}

func (f *fakeExportStore) SetDownloadLink(_ context.Context, _ string, url string, expires time.Time) error {
	f.linkURL = url
	f.linkExpires = expires
	return nil
}

func (f *fakeExportStore) CountCategory(context.Context, string, Category, *time.Time, *time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeExportStore) ExtractCategory(context.Context, string, Category, *time.Time, *time.Time) ([]map[string]any, error) {
	return nil, nil
}

func (f *fakeExportStore) DueForDeletion(context.Context, int) ([]Record, error) {
	return f.due, nil
}

func (f *fakeExportStore) ClearArtifact(_ context.Context, exportID string) error {
	f.cleared = append(f.cleared, exportID)
	return nil
}

type fakeMembers struct {
	member company.Member
	err    error
	calls  int
}

func (f *fakeMembers) GetMember(context.Context, string) (company.Member, error) {
	f.calls++
	if f.err != nil {
		return company.Member{}, f.err
	}
	return f.member, nil
}

type fakeSigner struct {
	url     string
	expires time.Time
	calls   int
}

func (f *fakeSigner) SignedURL(string, time.Duration) (string, time.Time, error) {
	f.calls++
	return f.url, f.expires, nil
}

type fakeRecorder struct {
	actions []string
}

func (f *fakeRecorder) Append(_ context.Context, params audit.AppendParams) error {
	f.actions = append(f.actions, params.Action)
	return nil
}
