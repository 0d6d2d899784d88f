package services

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"academia-validator/models"
)

// IssuerDirectory hält die Allow-List akkreditierter Institutionen im Speicher.
// Refresh wird periodisch per Cron aufgerufen.
type IssuerDirectory struct {
	DB     *gorm.DB
	Logger *zap.Logger

	mu     sync.RWMutex
	byCode map[string]models.Issuer
	byName map[string]models.Issuer
}

func NewIssuerDirectory(db *gorm.DB, logger *zap.Logger) *IssuerDirectory {
	return &IssuerDirectory{
		DB:     db,
		Logger: logger,
		byCode: map[string]models.Issuer{},
		byName: map[string]models.Issuer{},
	}
}

// Refresh lädt alle akkreditierten Institutionen neu.
func (d *IssuerDirectory) Refresh(ctx context.Context) error {
	var issuers []models.Issuer
	if err := d.DB.WithContext(ctx).Where("accredited = ?", true).Find(&issuers).Error; err != nil {
		return err
	}
	d.Set(issuers)
	d.Logger.Debug("Issuer directory refreshed", zap.Int("issuers", len(issuers)))
	return nil
}

// Set ersetzt den Cache vollständig.
func (d *IssuerDirectory) Set(issuers []models.Issuer) {
	byCode := make(map[string]models.Issuer, len(issuers))
	byName := make(map[string]models.Issuer, len(issuers))
	for _, is := range issuers {
		byCode[strings.ToUpper(is.Code)] = is
		name := is.NormalizedName
		if name == "" {
			name = CanonicalIdentity(is.Name)
		}
		byName[name] = is
	}
	d.mu.Lock()
	d.byCode, d.byName = byCode, byName
	d.mu.Unlock()
}

// Resolve findet eine Institution über Code oder kanonisierten Namen.
func (d *IssuerDirectory) Resolve(code, name string) (models.Issuer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if code != "" {
		if is, ok := d.byCode[strings.ToUpper(strings.TrimSpace(code))]; ok {
			return is, true
		}
	}
	if name != "" {
		if is, ok := d.byName[CanonicalIdentity(name)]; ok {
			return is, true
		}
	}
	return models.Issuer{}, false
}

// Len gibt die Anzahl bekannter Institutionen zurück. Eine leere Liste deaktiviert die Prüfung.
func (d *IssuerDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byCode)
}
