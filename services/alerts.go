package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"academia-validator/models"
)

var (
	ErrAlertNotFound     = errors.New("fraud alert not found")
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// alertTransitions sind die einzigen erlaubten Statuswechsel durch Operatoren.
var alertTransitions = map[models.AlertStatus][]models.AlertStatus{
	models.AlertActive:        {models.AlertInvestigating, models.AlertFalsePositive},
	models.AlertInvestigating: {models.AlertResolved, models.AlertFalsePositive},
}

// CanTransition meldet, ob from -> to erlaubt ist.
func CanTransition(from, to models.AlertStatus) bool {
	for _, s := range alertTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AlertStore persistiert Fraud-Alerts. Nach dem Anlegen ist nur der Status änderbar.
type AlertStore struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

func NewAlertStore(db *gorm.DB, logger *zap.Logger) *AlertStore {
	return &AlertStore{DB: db, Logger: logger}
}

func (s *AlertStore) Create(ctx context.Context, a *models.FraudAlert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = models.AlertActive
	if err := s.DB.WithContext(ctx).Create(a).Error; err != nil {
		return err
	}
	fraudAlertsCounter.WithLabelValues(string(a.Type)).Inc()
	s.Logger.Info("Fraud alert raised",
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.String("key", a.CorrelationKey))
	return nil
}

func (s *AlertStore) Get(ctx context.Context, id string) (*models.FraudAlert, error) {
	var a models.FraudAlert
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List liefert Alerts, neueste zuerst. Ein leerer Status liefert alle.
func (s *AlertStore) List(ctx context.Context, status models.AlertStatus) ([]models.FraudAlert, error) {
	q := s.DB.WithContext(ctx).Model(&models.FraudAlert{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.FraudAlert
	err := q.Order("created_at desc").Order("id").Find(&out).Error
	return out, err
}

// ExistsSince prüft, ob für (Typ, Schlüssel) seit t bereits ein Alert existiert.
func (s *AlertStore) ExistsSince(ctx context.Context, typ models.AlertType, key string, t time.Time) (bool, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&models.FraudAlert{}).
		Where("type = ? AND correlation_key = ? AND created_at >= ?", typ, key, t.UTC()).
		Count(&n).Error
	return n > 0, err
}

// UpdateStatus setzt den Status, sofern der Wechsel erlaubt ist.
func (s *AlertStore) UpdateStatus(ctx context.Context, id string, to models.AlertStatus) (*models.FraudAlert, error) {
	if !models.ValidAlertStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := a.Status
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	res := s.DB.WithContext(ctx).Model(&models.FraudAlert{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
	}
	s.Logger.Info("Fraud alert status changed", zap.String("alert_id", id), zap.String("from", string(from)), zap.String("to", string(to)))
	return s.Get(ctx, id)
}

// ActiveCounts zählt aktive Alerts insgesamt und mit hoher Schwere.
func (s *AlertStore) ActiveCounts(ctx context.Context) (total, high int64, err error) {
	q := s.DB.WithContext(ctx).Model(&models.FraudAlert{}).Where("status = ?", models.AlertActive)
	if err = q.Count(&total).Error; err != nil {
		return
	}
	err = s.DB.WithContext(ctx).Model(&models.FraudAlert{}).
		Where("status = ? AND severity = ?", models.AlertActive, models.SeverityHigh).
		Count(&high).Error
	return
}
