package models

// SuspicionLevel skaliert mit dem Abstand eines Teil-Scores zur Schwelle.
type SuspicionLevel string

const (
	SuspicionLow    SuspicionLevel = "low"
	SuspicionMedium SuspicionLevel = "medium"
	SuspicionHigh   SuspicionLevel = "high"
)

// SuspiciousArea markiert einen auffälligen Bereich oder Aspekt des Dokuments.
type SuspiciousArea struct {
	Area  string         `json:"area"`
	Level SuspicionLevel `json:"level"`
	Note  string         `json:"note"`
}

// AuthenticityScore bündelt die vier Teilprüfungen und den gewichteten Gesamtwert.
type AuthenticityScore struct {
	DocumentID      string           `json:"document_id"`
	FontConsistency float64          `json:"font_consistency"`
	PixelAnalysis   float64          `json:"pixel_analysis"`
	MetadataCheck   float64          `json:"metadata_check"`
	SignatureCheck  float64          `json:"signature_check"`
	OverallScore    float64          `json:"overall_score"`
	SuspiciousAreas []SuspiciousArea `json:"suspicious_areas"`
	Notes           []string         `json:"notes,omitempty"`
}

// HasLevel meldet, ob mindestens ein Bereich die angegebene Stufe trägt.
func (s *AuthenticityScore) HasLevel(level SuspicionLevel) bool {
	if s == nil {
		return false
	}
	for _, a := range s.SuspiciousAreas {
		if a.Level == level {
			return true
		}
	}
	return false
}
