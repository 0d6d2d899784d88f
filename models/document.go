package models

import "time"

// SubmittedDocument ist ein hochgeladenes Zertifikat, solange die Verifikation läuft.
// RawBytes wird nach der Extraktion verworfen, nachgelagert zählt nur der ContentHash.
type SubmittedDocument struct {
	ID          string    `json:"id"`
	RawBytes    []byte    `json:"-"`
	ContentHash string    `json:"content_hash"`
	MimeType    string    `json:"mime_type"`
	SizeBytes   int64     `json:"size_bytes"`
	ReceivedAt  time.Time `json:"received_at"`

	// Korrelationsdaten für den Fraud-Monitor
	SubmitterID string `json:"submitter_id,omitempty"`
	SubmitterIP string `json:"submitter_ip,omitempty"`
}

// IsPDF meldet, ob das Dokument als PDF eingereicht wurde.
func (d *SubmittedDocument) IsPDF() bool {
	return d.MimeType == MimePDF
}

// Erlaubte Dokumenttypen.
const (
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
	MimePDF  = "application/pdf"
)
