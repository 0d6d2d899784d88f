package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"academia-validator/models"
)

var (
	ErrCertificateNotFound  = errors.New("certificate not found in registry")
	ErrRegistryTimeout      = errors.New("registry lookup timed out")
	ErrDuplicateCertificate = errors.New("registry holds more than one entry for certificate id")
	ErrAlreadyRevoked       = errors.New("certificate already revoked")
)

// LookupResult ist das Ergebnis eines Register-Abgleichs.
type LookupResult struct {
	Entry     *models.RegistryEntry
	HashMatch bool
}

// Registry ist die lesende Sicht der Pipeline auf das Zertifikatsregister.
type Registry interface {
	Lookup(ctx context.Context, certificateID, contentHash string) (*LookupResult, error)
}

// RegistryService greift per GORM auf registry_entries zu.
type RegistryService struct {
	DB      *gorm.DB
	Timeout time.Duration
	Issuers *IssuerDirectory
	Logger  *zap.Logger
}

func NewRegistryService(db *gorm.DB, timeout time.Duration, issuers *IssuerDirectory, logger *zap.Logger) *RegistryService {
	return &RegistryService{DB: db, Timeout: timeout, Issuers: issuers, Logger: logger}
}

// Lookup sucht genau einen Eintrag zur Zertifikats-ID und vergleicht den Inhalts-Hash.
// Ein Timeout wird als ErrRegistryTimeout gemeldet, nicht als NotFound.
func (r *RegistryService) Lookup(ctx context.Context, certificateID, contentHash string) (*LookupResult, error) {
	certificateID = strings.TrimSpace(certificateID)
	if certificateID == "" {
		return nil, ErrCertificateNotFound
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var entries []models.RegistryEntry
	err := r.DB.WithContext(ctx).
		Where("certificate_id = ?", certificateID).
		Limit(2).
		Find(&entries).Error
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.Logger.Warn("registry lookup timed out", zap.String("certificate_id", certificateID), zap.Duration("timeout", r.Timeout))
			return nil, fmt.Errorf("%w: %s", ErrRegistryTimeout, certificateID)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("registry lookup %s: %w", certificateID, err)
	}

	switch len(entries) {
	case 0:
		return nil, ErrCertificateNotFound
	case 1:
	default:
		r.Logger.Error("Registry uniqueness violated", zap.String("certificate_id", certificateID))
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCertificate, certificateID)
	}
	entry := &entries[0]
	return &LookupResult{
		Entry:     entry,
		HashMatch: strings.EqualFold(entry.ContentHashAtIssuance, contentHash),
	}, nil
}

// Get liefert einen Eintrag ohne Hash-Vergleich, z.B. für die QR-Abfrage.
func (r *RegistryService) Get(ctx context.Context, certificateID string) (*models.RegistryEntry, error) {
	var entry models.RegistryEntry
	err := r.DB.WithContext(ctx).Where("certificate_id = ?", strings.TrimSpace(certificateID)).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCertificateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Revoke setzt das Widerrufsflag. Andere Felder eines Eintrags werden nie verändert.
func (r *RegistryService) Revoke(ctx context.Context, certificateID, reason string) (*models.RegistryEntry, error) {
	entry, err := r.Get(ctx, certificateID)
	if err != nil {
		return nil, err
	}
	if entry.Revoked {
		return entry, ErrAlreadyRevoked
	}
	now := time.Now().UTC()
	res := r.DB.WithContext(ctx).Model(&models.RegistryEntry{}).
		Where("id = ? AND revoked = ?", entry.ID, false).
		Updates(map[string]interface{}{
			"revoked":           true,
			"revoked_at":        now,
			"revocation_reason": reason,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return entry, ErrAlreadyRevoked
	}
	entry.Revoked = true
	entry.RevokedAt = &now
	entry.RevocationReason = reason
	r.Logger.Info("Certificate revoked", zap.String("certificate_id", entry.CertificateID), zap.String("reason", reason))
	return entry, nil
}

// ImportResult fasst einen Bulk-Import zusammen.
type ImportResult struct {
	Inserted int      `json:"inserted"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Import legt neue Einträge an. Bereits vorhandene Zertifikats-IDs bleiben unverändert.
func (r *RegistryService) Import(ctx context.Context, entries []models.RegistryEntry) (ImportResult, error) {
	var result ImportResult
	for i := range entries {
		e := &entries[i]
		if e.IssuerCode == "" && r.Issuers != nil {
			if issuer, ok := r.Issuers.Resolve("", e.IssuerName); ok {
				e.IssuerCode = issuer.Code
			}
		}
		res := r.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "certificate_id"}},
			DoNothing: true,
		}).Create(e)
		if res.Error != nil {
			return result, fmt.Errorf("import %s: %w", e.CertificateID, res.Error)
		}
		if res.RowsAffected == 0 {
			result.Skipped++
		} else {
			result.Inserted++
		}
	}
	r.Logger.Info("Registry import completed", zap.Int("inserted", result.Inserted), zap.Int("skipped", result.Skipped))
	return result, nil
}

// requiredColumns sind die Pflichtspalten des Bulk-Issuance-CSV.
var requiredColumns = []string{"student_id", "name", "university", "certificate_id", "certificate_hash"}

// ParseRegistryCSV liest das Bulk-Issuance-Format. Zeilen mit Fehlern werden übersprungen und gemeldet.
func ParseRegistryCSV(rd io.Reader) ([]models.RegistryEntry, []string, error) {
	cr := csv.NewReader(rd)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, req := range requiredColumns {
		if _, ok := col[req]; !ok {
			return nil, nil, fmt.Errorf("missing column %q", req)
		}
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var (
		entries []models.RegistryEntry
		issues  []string
		line    = 1
	)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			issues = append(issues, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		certID := get(row, "certificate_id")
		hash := strings.ToLower(get(row, "certificate_hash"))
		if certID == "" || hash == "" {
			issues = append(issues, fmt.Sprintf("line %d: certificate_id and certificate_hash are required", line))
			continue
		}
		course := get(row, "course")
		if branch := get(row, "branch"); branch != "" {
			course = strings.TrimSpace(course + " " + branch)
		}
		entry := models.RegistryEntry{
			CertificateID:         certID,
			IssuerCode:            get(row, "issuer_code"),
			IssuerName:            get(row, "university"),
			StudentID:             get(row, "student_id"),
			StudentName:           get(row, "name"),
			RollNumber:            get(row, "roll_number"),
			Course:                course,
			ContentHashAtIssuance: hash,
		}
		if entry.RollNumber == "" {
			entry.RollNumber = entry.StudentID
		}
		entry.IssuedAt = parseIssuedAt(get(row, "issued_at"), get(row, "year_of_passing"))
		entries = append(entries, entry)
	}
	return entries, issues, nil
}

func parseIssuedAt(issuedAt, yearOfPassing string) time.Time {
	if issuedAt != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02", "02/01/2006"} {
			if t, err := time.Parse(layout, issuedAt); err == nil {
				return t.UTC()
			}
		}
	}
	if y, err := strconv.Atoi(yearOfPassing); err == nil && y > 1900 {
		return time.Date(y, time.July, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Time{}
}
