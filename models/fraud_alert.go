package models

import "time"

// AlertType klassifiziert ein Fraud-Signal.
type AlertType string

const (
	AlertTampering       AlertType = "tampering"
	AlertDuplicate       AlertType = "duplicate_submission"
	AlertPattern         AlertType = "suspicious_pattern"
	AlertFakeInstitution AlertType = "fake_institution"
)

// Severity eines Alerts.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AlertStatus wird ausschließlich durch Operator-Aktionen geändert.
type AlertStatus string

const (
	AlertActive        AlertStatus = "active"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
)

// ValidAlertStatus prüft, ob s ein bekannter Status ist.
func ValidAlertStatus(s AlertStatus) bool {
	switch s {
	case AlertActive, AlertInvestigating, AlertResolved, AlertFalsePositive:
		return true
	}
	return false
}

// FraudAlert ist ein korreliertes Betrugssignal über mehrere Verdicts hinweg.
// Außer Status (und UpdatedAt) ist nach dem Anlegen nichts veränderlich.
type FraudAlert struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	CreatedAt time.Time `json:"detected_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`

	Type            AlertType   `json:"type" gorm:"index;size:32;not null"`
	Severity        Severity    `json:"severity" gorm:"size:16;not null"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	CorrelationKey  string      `json:"correlation_key" gorm:"index"`
	CertificateID   string      `json:"certificate_id,omitempty"`
	Evidence        []string    `json:"evidence" gorm:"serializer:json"`
	RelatedVerdicts []string    `json:"related_verdicts" gorm:"serializer:json"`
	Status          AlertStatus `json:"status" gorm:"index;size:32;default:'active'"`
}

// TableName gibt explizit den Tabellennamen an.
func (FraudAlert) TableName() string {
	return "fraud_alerts"
}
