package services

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"academia-validator/models"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrSizeExceeded      = errors.New("document exceeds size limit")
)

// allowedMimeTypes ist die Allow-List der Intake.
var allowedMimeTypes = map[string]bool{
	models.MimePNG:  true,
	models.MimeJPEG: true,
	models.MimePDF:  true,
}

// Intake nimmt Uploads entgegen, prüft Typ und Größe und berechnet den Content-Hash.
type Intake struct {
	MaxBytes int64
	now      func() time.Time
}

// NewIntake erstellt eine Intake mit harter Größenobergrenze.
func NewIntake(maxBytes int64) *Intake {
	return &Intake{MaxBytes: maxBytes, now: time.Now}
}

// Submit validiert die Bytes gegen die Allow-List und erzeugt das Dokument.
// Der deklarierte Typ muss zum tatsächlichen Inhalt passen; ist er leer, gilt der erkannte Typ.
func (in *Intake) Submit(data []byte, declaredMime string) (*models.SubmittedDocument, error) {
	if int64(len(data)) > in.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrSizeExceeded, len(data), in.MaxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrUnsupportedFormat)
	}

	declared := normalizeMime(declaredMime)
	detected := mimetype.Detect(data)
	if declared == "" {
		declared = normalizeMime(detected.String())
	}
	if !allowedMimeTypes[declared] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, declared)
	}
	if !detected.Is(declared) {
		return nil, fmt.Errorf("%w: declared %s but content is %s", ErrUnsupportedFormat, declared, detected.String())
	}

	sum := sha256.Sum256(data)
	return &models.SubmittedDocument{
		ID:          uuid.NewString(),
		RawBytes:    data,
		ContentHash: hex.EncodeToString(sum[:]),
		MimeType:    declared,
		SizeBytes:   int64(len(data)),
		ReceivedAt:  in.now().UTC(),
	}, nil
}

// SubmitReader liest höchstens MaxBytes+1 Bytes, damit übergroße Uploads nicht komplett im Speicher landen.
func (in *Intake) SubmitReader(r io.Reader, declaredMime string) (*models.SubmittedDocument, error) {
	data, err := io.ReadAll(io.LimitReader(r, in.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return in.Submit(data, declaredMime)
}

// ContentHash berechnet den SHA-256 eines Dokuments als Hex-String.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeMime(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	switch m {
	case "image/jpg", "image/pjpeg":
		return models.MimeJPEG
	case "application/octet-stream":
		return "" // generischer Typ aus Multipart-Uploads: Inhalt entscheidet
	}
	return m
}
