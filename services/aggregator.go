package services

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"academia-validator/config"
	"academia-validator/models"
)

// Stage ist ein Zustand des Verdict-Automaten.
type Stage string

const (
	StagePending    Stage = "PENDING"
	StageExtracting Stage = "EXTRACTING"
	StageScoring    Stage = "SCORING"
	StageResolved   Stage = "RESOLVED"
)

var ErrIllegalTransition = errors.New("illegal stage transition")

// allowedTransitions: RESOLVED ist terminal, Extraktionsfehler springen direkt nach RESOLVED.
var allowedTransitions = map[Stage][]Stage{
	StagePending:    {StageExtracting},
	StageExtracting: {StageScoring, StageResolved},
	StageScoring:    {StageResolved},
}

// VerdictMachine protokolliert den Fortschritt einer einzelnen Verifikation.
type VerdictMachine struct {
	stage       Stage
	transitions []models.StageTransition
	now         func() time.Time
}

func NewVerdictMachine(now func() time.Time) *VerdictMachine {
	if now == nil {
		now = time.Now
	}
	return &VerdictMachine{stage: StagePending, now: now}
}

func (m *VerdictMachine) Stage() Stage {
	return m.stage
}

// Advance wechselt in den nächsten Zustand oder liefert ErrIllegalTransition.
func (m *VerdictMachine) Advance(to Stage) error {
	for _, next := range allowedTransitions[m.stage] {
		if next == to {
			m.transitions = append(m.transitions, models.StageTransition{
				From: string(m.stage),
				To:   string(to),
				At:   m.now().UTC(),
			})
			m.stage = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.stage, to)
}

// Transitions gibt eine Kopie des Protokolls zurück.
func (m *VerdictMachine) Transitions() []models.StageTransition {
	return append([]models.StageTransition(nil), m.transitions...)
}

// Policy enthält die Schwellwerte für die Entscheidung.
type Policy struct {
	AuthenticThreshold    float64
	SuspiciousThreshold   float64
	IdentityConfidenceMin float64
}

var DefaultPolicy = Policy{AuthenticThreshold: 90, SuspiciousThreshold: 70, IdentityConfidenceMin: 0.6}

func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		AuthenticThreshold:    cfg.AuthenticThreshold,
		SuspiciousThreshold:   cfg.SuspiciousThreshold,
		IdentityConfidenceMin: cfg.IdentityConfidenceMin,
	}
}

// Evidence sind die gesammelten Ergebnisse aller Stufen.
type Evidence struct {
	Extracted     *models.ExtractedRecord
	Illegible     bool
	ExtractionErr error // kein Backend erreichbar, nicht dasselbe wie unleserlich
	Authenticity  *models.AuthenticityScore
	Lookup        *LookupResult
	RegistryErr   error
}

// RegistryStatus leitet den Register-Status aus dem Lookup ab.
func (e Evidence) RegistryStatus() models.RegistryStatus {
	switch {
	case e.Illegible, e.ExtractionErr != nil:
		return models.RegistrySkipped
	case errors.Is(e.RegistryErr, ErrRegistryTimeout):
		return models.RegistryTimedOut
	case errors.Is(e.RegistryErr, ErrCertificateNotFound):
		return models.RegistryNotFound
	case e.RegistryErr != nil || e.Lookup == nil || e.Lookup.Entry == nil:
		return models.RegistryUnavailable
	case e.Lookup.Entry.Revoked:
		return models.RegistryRevoked
	case !e.Lookup.HashMatch:
		return models.RegistryHashMismatch
	}
	return models.RegistryMatched
}

// Decision ist das Ergebnis der Regelauswertung.
type Decision struct {
	Verdict    models.Verdict
	Confidence float64
	Reasons    []models.Reason
}

// Decide wendet die Regeln in fester Reihenfolge an. Identische Evidenz ergibt identische Entscheidungen.
func Decide(p Policy, ev Evidence) Decision {
	var score float64
	if ev.Authenticity != nil {
		score = ev.Authenticity.OverallScore
	}

	if ev.Illegible {
		return Decision{
			Verdict:    models.VerdictSuspicious,
			Confidence: p.SuspiciousThreshold,
			Reasons: []models.Reason{{
				Code:    models.ReasonIllegibleDocument,
				Message: "document could not be read; manual review required",
			}},
		}
	}
	if ev.ExtractionErr != nil {
		return Decision{
			Verdict:    models.VerdictSuspicious,
			Confidence: p.SuspiciousThreshold,
			Reasons: []models.Reason{{
				Code:    models.ReasonExtractionUnavailable,
				Message: "text extraction service unavailable; manual review required",
			}},
		}
	}

	var hard []models.Reason
	switch {
	case errors.Is(ev.RegistryErr, ErrRegistryTimeout):
		hard = append(hard, models.Reason{Code: models.ReasonRegistryTimeout, Message: "registry did not answer in time; certificate treated as not found"})
	case errors.Is(ev.RegistryErr, ErrCertificateNotFound):
		hard = append(hard, models.Reason{Code: models.ReasonNotInRegistry, Message: "certificate ID not found in registry"})
	case ev.RegistryErr == nil && ev.Lookup != nil && ev.Lookup.Entry != nil:
		if !ev.Lookup.HashMatch {
			hard = append(hard, models.Reason{Code: models.ReasonContentHashMismatch, Message: "content hash does not match issuance record"})
		}
		if ev.Lookup.Entry.Revoked {
			msg := "certificate has been revoked by the issuer"
			if r := ev.Lookup.Entry.RevocationReason; r != "" {
				msg += ": " + r
			}
			hard = append(hard, models.Reason{Code: models.ReasonCertificateRevoked, Message: msg})
		}
	}
	if len(hard) > 0 {
		return Decision{
			Verdict:    models.VerdictInvalid,
			Confidence: p.clip(models.VerdictInvalid, score),
			Reasons:    append(hard, areaReasons(ev.Authenticity)...),
		}
	}

	var capped []models.Reason
	if ev.RegistryErr != nil || ev.Lookup == nil || ev.Lookup.Entry == nil {
		capped = append(capped, models.Reason{Code: models.ReasonRegistryUnavailable, Message: "registry could not be consulted; manual review required"})
	}
	if low := lowConfidenceFields(ev.Extracted, p.IdentityConfidenceMin); len(low) > 0 {
		capped = append(capped, models.Reason{
			Code:    models.ReasonLowIdentityConfidence,
			Message: fmt.Sprintf("identity fields read with low confidence: %s", strings.Join(low, ", ")),
		})
	}

	if ev.Authenticity == nil {
		score = p.SuspiciousThreshold
		capped = append(capped, models.Reason{Code: models.ReasonAuthenticityScore, Message: "authenticity analysis unavailable; manual review required"})
	}

	verdict := p.bucket(score)
	if len(capped) > 0 && verdict == models.VerdictAuthentic {
		verdict = models.VerdictSuspicious
	}
	reasons := capped
	if ev.Authenticity != nil {
		reasons = append(reasons, scoreReason(score, p))
		reasons = append(reasons, areaReasons(ev.Authenticity)...)
	}
	return Decision{
		Verdict:    verdict,
		Confidence: p.clip(verdict, score),
		Reasons:    reasons,
	}
}

func (p Policy) bucket(score float64) models.Verdict {
	switch {
	case score >= p.AuthenticThreshold:
		return models.VerdictAuthentic
	case score >= p.SuspiciousThreshold:
		return models.VerdictSuspicious
	}
	return models.VerdictInvalid
}

// clip hält die Konfidenz im Wertebereich des gewählten Labels.
func (p Policy) clip(v models.Verdict, score float64) float64 {
	lo, hi := 0.0, 100.0
	switch v {
	case models.VerdictInvalid:
		hi = p.SuspiciousThreshold - 0.01
	case models.VerdictSuspicious:
		lo, hi = p.SuspiciousThreshold, p.AuthenticThreshold-0.01
	case models.VerdictAuthentic:
		lo = p.AuthenticThreshold
	}
	return math.Max(lo, math.Min(hi, round2(score)))
}

func lowConfidenceFields(rec *models.ExtractedRecord, min float64) []string {
	var low []string
	for _, name := range models.IdentityFields {
		if rec.Confidence(name) < min {
			low = append(low, string(name))
		}
	}
	return low
}

func scoreReason(score float64, p Policy) models.Reason {
	var msg string
	switch {
	case score >= p.AuthenticThreshold:
		msg = fmt.Sprintf("authenticity score %.1f meets the threshold of %.0f", score, p.AuthenticThreshold)
	case score >= p.SuspiciousThreshold:
		msg = fmt.Sprintf("authenticity score %.1f is below %.0f", score, p.AuthenticThreshold)
	default:
		msg = fmt.Sprintf("authenticity score %.1f is below %.0f", score, p.SuspiciousThreshold)
	}
	return models.Reason{Code: models.ReasonAuthenticityScore, Message: msg}
}

// areaReasons macht auffällige Bereiche ab Stufe medium für den Einreicher sichtbar.
func areaReasons(score *models.AuthenticityScore) []models.Reason {
	if score == nil {
		return nil
	}
	var out []models.Reason
	for _, a := range score.SuspiciousAreas {
		if a.Level == models.SuspicionLow {
			continue
		}
		out = append(out, models.Reason{
			Code:    models.ReasonSuspiciousArea,
			Message: fmt.Sprintf("%s (%s): %s", a.Area, a.Level, a.Note),
		})
	}
	return out
}
