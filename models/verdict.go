package models

import "time"

// Verdict ist die finale Einstufung eines Zertifikats.
type Verdict string

const (
	VerdictAuthentic  Verdict = "AUTHENTIC"
	VerdictSuspicious Verdict = "SUSPICIOUS"
	VerdictInvalid    Verdict = "INVALID"
)

// ReasonCode identifiziert maschinenlesbar, warum ein Verdict so ausfiel.
type ReasonCode string

const (
	ReasonNotInRegistry         ReasonCode = "not_in_registry"
	ReasonRegistryTimeout       ReasonCode = "registry_timeout"
	ReasonRegistryUnavailable   ReasonCode = "registry_unavailable"
	ReasonContentHashMismatch   ReasonCode = "content_hash_mismatch"
	ReasonCertificateRevoked    ReasonCode = "certificate_revoked"
	ReasonLowIdentityConfidence ReasonCode = "low_identity_confidence"
	ReasonIllegibleDocument     ReasonCode = "illegible_document"
	ReasonExtractionUnavailable ReasonCode = "extraction_unavailable"
	ReasonAuthenticityScore     ReasonCode = "authenticity_score"
	ReasonSuspiciousArea        ReasonCode = "suspicious_area"
)

// Reason ist ein Begründungseintrag, den auch der Einreicher zu sehen bekommt.
type Reason struct {
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
}

// RegistryStatus fasst das Ergebnis des Register-Abgleichs zusammen.
type RegistryStatus string

const (
	RegistryMatched      RegistryStatus = "matched"
	RegistryNotFound     RegistryStatus = "not_found"
	RegistryTimedOut     RegistryStatus = "timeout"
	RegistryUnavailable  RegistryStatus = "unavailable"
	RegistryHashMismatch RegistryStatus = "hash_mismatch"
	RegistryRevoked      RegistryStatus = "revoked"
	RegistrySkipped      RegistryStatus = "skipped"
)

// ComponentScores sind die erklärbaren Teilergebnisse hinter einem Verdict.
type ComponentScores struct {
	ExtractionConfidence float64               `json:"extraction_confidence"`
	FieldConfidence      map[FieldName]float64 `json:"field_confidence,omitempty"`
	Authenticity         *AuthenticityScore    `json:"authenticity,omitempty"`
	Registry             RegistryStatus        `json:"registry"`
}

// StageTransition protokolliert einen Zustandswechsel des Verdict-Automaten.
type StageTransition struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// VerificationVerdict ist der terminale, nur anhängbare Eintrag im Verdict-Log.
type VerificationVerdict struct {
	ID        uint      `json:"sequence" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	DocumentID    string  `json:"document_id" gorm:"uniqueIndex;size:64;not null"`
	CertificateID *string `json:"certificate_id,omitempty" gorm:"index;size:128"`
	Verdict       Verdict `json:"verdict" gorm:"index;size:16;not null"`
	Confidence    float64 `json:"confidence"`

	ComponentScores ComponentScores   `json:"component_scores" gorm:"serializer:json"`
	Reasons         []Reason          `json:"reasons" gorm:"serializer:json"`
	Transitions     []StageTransition `json:"transitions" gorm:"serializer:json"`
	DecidedAt       time.Time         `json:"decided_at" gorm:"index"`

	// Korrelationsschlüssel
	ContentHash string `json:"content_hash" gorm:"index;size:64"`
	SubmitterID string `json:"submitter_id,omitempty" gorm:"index"`
	SubmitterIP string `json:"-" gorm:"index"`
	StudentName string `json:"student_name,omitempty"`
	RollNumber  string `json:"roll_number,omitempty"`
	Institution string `json:"institution,omitempty"`
	IssuerCode  string `json:"issuer_code,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (VerificationVerdict) TableName() string {
	return "verification_verdicts"
}

// HasReason meldet, ob das Verdict den angegebenen Code trägt.
func (v *VerificationVerdict) HasReason(code ReasonCode) bool {
	for _, r := range v.Reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}
