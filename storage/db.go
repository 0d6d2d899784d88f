package storage

import (
	"fmt"
	"time"

	"academia-validator/config"
	"academia-validator/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// OpenDatabase öffnet die Datenbank für den konfigurierten Treiber.
func OpenDatabase(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath)
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
}

// Migrate legt alle Tabellen an bzw. ergänzt fehlende Spalten.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Issuer{},
		&models.RegistryEntry{},
		&models.VerificationVerdict{},
		&models.FraudAlert{},
	)
}

// DefaultIssuers sind die bekannten Institutionen für eine frische Installation.
var DefaultIssuers = []models.Issuer{
	{Code: "JUT", Name: "Jharkhand University of Technology", Accredited: true},
	{Code: "RU", Name: "Ranchi University", Accredited: true},
	{Code: "BIT", Name: "Birsa Institute of Technology", Accredited: true},
	{Code: "SKMU", Name: "Sido Kanhu Murmu University", Accredited: true},
	{Code: "IITDHN", Name: "IIT Dhanbad", Accredited: true},
	{Code: "VBU", Name: "Vinoba Bhave University", Accredited: true},
	{Code: "KU", Name: "Kolhan University", Accredited: true},
}

// SeedIssuers fügt fehlende Standard-Institutionen ein, bestehende bleiben unberührt.
func SeedIssuers(db *gorm.DB, log *zap.Logger, normalize func(string) string) error {
	issuers := make([]models.Issuer, len(DefaultIssuers))
	copy(issuers, DefaultIssuers)
	for i := range issuers {
		issuers[i].NormalizedName = normalize(issuers[i].Name)
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&issuers)
	if res.Error != nil {
		return res.Error
	}
	log.Info("Issuer seeding completed", zap.Int64("inserted", res.RowsAffected))
	return nil
}
