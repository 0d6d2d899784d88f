package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"academia-validator/config"
	"academia-validator/models"
)

// Weights gewichtet die vier Teilprüfungen zum Gesamtscore.
type Weights struct {
	Font      float64
	Pixel     float64
	Metadata  float64
	Signature float64
}

// DefaultWeights entsprechen der dokumentierten Standard-Policy.
var DefaultWeights = Weights{Font: 0.25, Pixel: 0.3, Metadata: 0.2, Signature: 0.25}

// WeightsFromConfig übernimmt die Gewichte aus der Konfiguration.
func WeightsFromConfig(cfg *config.Config) Weights {
	return Weights{
		Font:      cfg.WeightFont,
		Pixel:     cfg.WeightPixel,
		Metadata:  cfg.WeightMetadata,
		Signature: cfg.WeightSignature,
	}
}

func (w Weights) Validate() error {
	for _, v := range []float64{w.Font, w.Pixel, w.Metadata, w.Signature} {
		if v < 0 {
			return errors.New("weights must not be negative")
		}
	}
	if sum := w.Font + w.Pixel + w.Metadata + w.Signature; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("weights must sum to 1, got %.4f", sum)
	}
	return nil
}

// Combine berechnet den gewichteten Gesamtscore.
func (w Weights) Combine(font, pixel, metadata, signature float64) float64 {
	return w.Font*font + w.Pixel*pixel + w.Metadata*metadata + w.Signature*signature
}

// SuspicionLevelFor skaliert die Stufe mit dem Abstand zur Schwelle: bis 15 low, bis 30 medium, darüber high.
// Ein Score auf oder über der Schwelle ist unauffällig.
func SuspicionLevelFor(score, threshold float64) (models.SuspicionLevel, bool) {
	gap := threshold - score
	switch {
	case gap <= 0:
		return "", false
	case gap <= 15:
		return models.SuspicionLow, true
	case gap <= 30:
		return models.SuspicionMedium, true
	default:
		return models.SuspicionHigh, true
	}
}

// Analyzer bewertet die Echtheit eines Dokuments.
type Analyzer interface {
	Analyze(ctx context.Context, doc *models.SubmittedDocument, rec *models.ExtractedRecord) (*models.AuthenticityScore, error)
}

// AuthenticityAnalyzer führt die Prüfungen auf Schrift, Pixel, Metadaten und Signatur aus.
type AuthenticityAnalyzer struct {
	Weights   Weights
	Threshold float64
	Logger    *zap.Logger
}

func NewAuthenticityAnalyzer(weights Weights, threshold float64, logger *zap.Logger) (*AuthenticityAnalyzer, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &AuthenticityAnalyzer{Weights: weights, Threshold: threshold, Logger: logger}, nil
}

// Analyze ist deterministisch für identische Bytes, Extraktion und Eingangszeitpunkt.
func (a *AuthenticityAnalyzer) Analyze(ctx context.Context, doc *models.SubmittedDocument, rec *models.ExtractedRecord) (*models.AuthenticityScore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, err := parseSubmitted(ctx, doc)
	if err != nil {
		return nil, err
	}

	font := checkFontConsistency(rec, parsed.Meta)
	pixel, err := checkPixels(ctx, doc, parsed.Meta)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	meta := checkMetadata(doc, parsed.Meta)
	sig := checkSignature(doc, parsed.Meta)

	score := &models.AuthenticityScore{
		DocumentID:      doc.ID,
		FontConsistency: font.Score,
		PixelAnalysis:   pixel.Score,
		MetadataCheck:   meta.Score,
		SignatureCheck:  sig.Score,
		OverallScore:    a.Weights.Combine(font.Score, pixel.Score, meta.Score, sig.Score),
		SuspiciousAreas: []models.SuspiciousArea{},
	}

	for _, c := range []struct {
		area string
		res  checkResult
	}{
		{"font_consistency", font},
		{"pixel_analysis", pixel},
		{"metadata", meta},
		{"signature", sig},
	} {
		for _, n := range c.res.Notes {
			score.Notes = append(score.Notes, c.area+": "+n)
		}
		level, suspicious := SuspicionLevelFor(c.res.Score, a.Threshold)
		if !suspicious {
			continue
		}
		note := strings.Join(c.res.Notes, "; ")
		if note == "" {
			note = fmt.Sprintf("score %.1f below %.0f", c.res.Score, a.Threshold)
		}
		score.SuspiciousAreas = append(score.SuspiciousAreas, models.SuspiciousArea{Area: c.area, Level: level, Note: note})
	}

	a.Logger.Debug("Authenticity analysed",
		zap.String("document_id", doc.ID),
		zap.Float64("overall", score.OverallScore),
		zap.Int("suspicious_areas", len(score.SuspiciousAreas)))
	return score, nil
}
