package export

import "time"

// Status of an export job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Phase of the pipeline. Phases execute strictly in the order of phaseOrder;
// an unknown phase is a construction-time error, not a silent no-op.
type Phase string

const (
	PhasePreparation Phase = "preparation"
	PhaseUserData    Phase = "user_data"
	PhaseAssessment  Phase = "assessment_data"
	PhaseCandidate   Phase = "candidate_data"
	PhaseSystemLogs  Phase = "system_logs"
	PhasePackaging   Phase = "packaging"
	PhaseEncryption  Phase = "encryption"
	PhaseUpload      Phase = "upload"
	PhaseCleanup     Phase = "cleanup"
)

var phaseOrder = []Phase{
	PhasePreparation,
	PhaseUserData,
	PhaseAssessment,
	PhaseCandidate,
	PhaseSystemLogs,
	PhasePackaging,
	PhaseEncryption,
	PhaseUpload,
	PhaseCleanup,
}

// Category of exportable data. Categories map one-to-one onto the four data
// phases.
type Category string

const (
	CategoryUsers       Category = "users"
	CategoryAssessments Category = "assessments"
	CategoryCandidates  Category = "candidates"
	CategorySystemLogs  Category = "system_logs"
)

// categoryPhases fixes extraction order: user, assessment, candidate, logs.
var categoryPhases = []struct {
	Category Category
	Phase    Phase
}{
	{CategoryUsers, PhaseUserData},
	{CategoryAssessments, PhaseAssessment},
	{CategoryCandidates, PhaseCandidate},
	{CategorySystemLogs, PhaseSystemLogs},
}

// Format of the packaged artifact. JSON is the only implemented packaging;
// the others are declared so requests for them fail explicitly.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatSQL  Format = "sql"
)

// Purpose distinguishes operator-requested exports from closure-driven ones.
type Purpose string

const (
	PurposeManual  Purpose = "manual"
	PurposeClosure Purpose = "closure"
)

// Progress is the phase-level progress block of a record.
type Progress struct {
	Phase            Phase `json:"phase"`
	CompletedTables  int   `json:"completedTables"`
	TotalTables      int   `json:"totalTables"`
	RecordsProcessed int64 `json:"recordsProcessed"`
	TotalRecords     int64 `json:"totalRecords"`
	Percentage       int   `json:"percentage"`
}

// Metadata captures per-category counts and compliance bookkeeping.
type Metadata struct {
	TableCounts    map[string]int64 `json:"tablesCounts"`
	Sanitized      bool             `json:"sanitized"`
	EncryptionKeyID string          `json:"encryptionKeyId,omitempty"`
	AutoDeleteAt   *time.Time       `json:"autoDeleteAt,omitempty"`
}

// Record mirrors the export_records table.
type Record struct {
	ID              string
	CompanyID       string
	Status          Status
	Format          Format
	Purpose         Purpose
	Categories      []Category
	RangeFrom       *time.Time
	RangeTo         *time.Time
	RequestedBy     string
	RequestedAt     time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Progress        Progress
	StorageKey      string
	DownloadURL     *string
	DownloadExpires *time.Time
	FileSize        int64
	Checksum        string
	ErrorMessage    *string
	Metadata        Metadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Request carries caller options for a new export.
type Request struct {
	CompanyID          string     `json:"companyId"`
	Format             Format     `json:"format"`
	Purpose            Purpose    `json:"purpose"`
	IncludeUserData    bool       `json:"includeUserData"`
	IncludeAssessments bool       `json:"includeAssessmentData"`
	IncludeCandidates  bool       `json:"includeCandidateData"`
	IncludeSystemLogs  bool       `json:"includeSystemLogs"`
	RangeFrom          *time.Time `json:"rangeFrom,omitempty"`
	RangeTo            *time.Time `json:"rangeTo,omitempty"`
	RequestedBy        string     `json:"-"`
}

// Categories resolves the selected categories in their fixed order.
func (r Request) SelectedCategories() []Category {
	out := make([]Category, 0, 4)
	if r.IncludeUserData {
		out = append(out, CategoryUsers)
	}
	if r.IncludeAssessments {
		out = append(out, CategoryAssessments)
	}
	if r.IncludeCandidates {
		out = append(out, CategoryCandidates)
	}
	if r.IncludeSystemLogs {
		out = append(out, CategorySystemLogs)
	}
	return out
}

// percentage computes round(processed/total*100), with total 0 defined as 0.
func percentage(processed, total int64) int {
	if total <= 0 {
		return 0
	}
	return int((processed*100 + total/2) / total)
}
