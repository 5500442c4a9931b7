package export

// Sensitive-field sanitation applied to every extracted row before packaging.
// Free-text answer payloads are redacted and government identifiers stripped;
// the redaction marker keeps the field visible so consumers know data existed.

const redacted = "[REDACTED]"

// strippedFields are removed from extracted rows entirely.
var strippedFields = map[string]bool{
	"national_id":   true,
	"ssn":           true,
	"password_hash": true,
}

// redactedFields are replaced with the redaction marker when present and
// non-empty.
var redactedFields = map[string]bool{
	"answers":   true,
	"free_text": true,
	"notes":     true,
}

// sanitizeRow mutates one extracted row in place and reports whether any
// field was touched.
func sanitizeRow(row map[string]any) bool {
	touched := false
	for field := range strippedFields {
		if _, ok := row[field]; ok {
			delete(row, field)
			touched = true
		}
	}
	for field := range redactedFields {
		if v, ok := row[field]; ok && v != nil {
			row[field] = redacted
			touched = true
		}
	}
	return touched
}

// sanitizeRows applies sanitizeRow across a category's extraction.
func sanitizeRows(rows []map[string]any) {
	for _, row := range rows {
		sanitizeRow(row)
	}
}
