package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"academia-validator/models"
)

var ErrVerdictNotFound = errors.New("verdict not found")

// VerdictSink empfängt jedes angehängte Verdict in Erstellungsreihenfolge. Publish darf nicht blockieren.
type VerdictSink interface {
	Publish(v models.VerificationVerdict)
}

// VerdictLedger ist das nur anhängbare Verdict-Log. Es gibt bewusst kein Update und kein Delete.
type VerdictLedger struct {
	DB     *gorm.DB
	Logger *zap.Logger

	mu    sync.Mutex
	sinks []VerdictSink
}

func NewVerdictLedger(db *gorm.DB, logger *zap.Logger) *VerdictLedger {
	return &VerdictLedger{DB: db, Logger: logger}
}

// Subscribe registriert einen Konsumenten des Verdict-Streams.
func (l *VerdictLedger) Subscribe(s VerdictSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Append schreibt das Verdict und reicht es an alle Konsumenten weiter.
// Einfügen und Weiterreichen laufen unter demselben Lock, damit die Reihenfolge der Sequenz entspricht.
func (l *VerdictLedger) Append(ctx context.Context, v *models.VerificationVerdict) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.DB.WithContext(ctx).Create(v).Error; err != nil {
		return err
	}
	for _, s := range l.sinks {
		s.Publish(*v)
	}
	return nil
}

// Get liefert das Verdict zu einer Dokument-ID.
func (l *VerdictLedger) Get(ctx context.Context, documentID string) (*models.VerificationVerdict, error) {
	var v models.VerificationVerdict
	err := l.DB.WithContext(ctx).Where("document_id = ?", documentID).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVerdictNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// List gibt die neuesten Verdicts zuerst zurück.
func (l *VerdictLedger) List(ctx context.Context, limit int) ([]models.VerificationVerdict, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.VerificationVerdict
	err := l.DB.WithContext(ctx).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

// Since liefert alle Verdicts ab einem Zeitpunkt in Erstellungsreihenfolge.
func (l *VerdictLedger) Since(ctx context.Context, t time.Time) ([]models.VerificationVerdict, error) {
	var out []models.VerificationVerdict
	err := l.DB.WithContext(ctx).Where("decided_at >= ?", t.UTC()).Order("id asc").Find(&out).Error
	return out, err
}

// Counts zählt die Verdicts je Label.
func (l *VerdictLedger) Counts(ctx context.Context) (map[models.Verdict]int64, error) {
	var rows []struct {
		Verdict models.Verdict
		Count   int64
	}
	err := l.DB.WithContext(ctx).Model(&models.VerificationVerdict{}).
		Select("verdict, count(*) as count").
		Group("verdict").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[models.Verdict]int64{
		models.VerdictAuthentic:  0,
		models.VerdictSuspicious: 0,
		models.VerdictInvalid:    0,
	}
	for _, r := range rows {
		counts[r.Verdict] = r.Count
	}
	return counts, nil
}
