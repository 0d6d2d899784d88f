package models

// FieldName benennt ein extrahiertes Zertifikatsfeld.
type FieldName string

const (
	FieldStudentName   FieldName = "student_name"
	FieldRollNumber    FieldName = "roll_number"
	FieldCertificateID FieldName = "certificate_id"
	FieldCourse        FieldName = "course"
	FieldMarks         FieldName = "marks"
	FieldInstitution   FieldName = "institution"
	FieldIssueDate     FieldName = "issue_date"
)

// IdentityFields sind die Felder, deren niedrige Konfidenz das Verdict auf SUSPICIOUS deckelt.
var IdentityFields = []FieldName{FieldStudentName, FieldRollNumber, FieldCertificateID}

// ExtractedField ist ein Feldwert samt Konfidenz in [0,1] und Glyphen-Metriken, falls bekannt.
type ExtractedField struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Font       string  `json:"font,omitempty"`
	Size       float64 `json:"size,omitempty"`
}

// TextRun ist ein zusammenhängender Textabschnitt mit einheitlicher Schrift.
type TextRun struct {
	Text string
	Font string
	Size float64
	Line int
}

// ExtractedRecord ist das Ergebnis der Feldextraktion für genau ein Dokument.
type ExtractedRecord struct {
	DocumentID        string                       `json:"document_id"`
	Fields            map[FieldName]ExtractedField `json:"fields"`
	OverallConfidence float64                      `json:"overall_confidence"`
	Backend           string                       `json:"backend,omitempty"`

	Runs []TextRun `json:"-"`
}

// Value gibt den Feldwert zurück oder "" wenn das Feld fehlt.
func (r *ExtractedRecord) Value(name FieldName) string {
	if r == nil {
		return ""
	}
	return r.Fields[name].Value
}

// Confidence gibt die Feldkonfidenz zurück; fehlende Felder zählen als 0.
func (r *ExtractedRecord) Confidence(name FieldName) float64 {
	if r == nil {
		return 0
	}
	f, ok := r.Fields[name]
	if !ok {
		return 0
	}
	return f.Confidence
}
