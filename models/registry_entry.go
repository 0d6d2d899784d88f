package models

import "time"

// RegistryEntry ist ein ausgestelltes Zertifikat im Register.
// Nach dem Anlegen ist nur noch der Widerruf veränderlich.
type RegistryEntry struct {
	ID        uint      `json:"-" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	CertificateID         string    `json:"certificate_id" gorm:"uniqueIndex;size:128;not null"`
	IssuerCode            string    `json:"issuer_code" gorm:"index;size:64"`
	IssuerName            string    `json:"issuer_name"`
	StudentID             string    `json:"student_id,omitempty" gorm:"index;size:64"`
	StudentName           string    `json:"student_name"`
	RollNumber            string    `json:"roll_number,omitempty"`
	Course                string    `json:"course,omitempty"`
	ContentHashAtIssuance string    `json:"content_hash_at_issuance" gorm:"size:64;not null"`
	IssuedAt              time.Time `json:"issued_at"`

	Revoked          bool       `json:"revoked" gorm:"default:false"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (RegistryEntry) TableName() string {
	return "registry_entries"
}

// Issuer ist eine akkreditierte Institution der Allow-List.
type Issuer struct {
	ID             uint   `json:"id" gorm:"primaryKey"`
	Code           string `json:"code" gorm:"uniqueIndex;size:64;not null"` // z.B. "JUT"
	Name           string `json:"name" gorm:"not null"`
	NormalizedName string `json:"-" gorm:"index"`
	Accredited     bool   `json:"accredited" gorm:"default:true"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (Issuer) TableName() string {
	return "issuers"
}
