package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"academia-validator/models"
)

// MonitorConfig steuert die Korrelationsfenster.
type MonitorConfig struct {
	Window      time.Duration
	IPThreshold int
}

// observation ist ein Verdict im Rolling Window eines Schlüssels.
type observation struct {
	documentID string
	at         time.Time
	name       string
	roll       string
}

func (o observation) conflicts(other observation) bool {
	if o.name != "" && other.name != "" && o.name != other.name {
		return true
	}
	return o.roll != "" && other.roll != "" && o.roll != other.roll
}

// FraudMonitor korreliert den Verdict-Stream. Publish blockiert nie; Run verarbeitet in Erstellungsreihenfolge.
type FraudMonitor struct {
	Alerts  *AlertStore
	Issuers *IssuerDirectory
	Logger  *zap.Logger
	cfg     MonitorConfig

	qmu    sync.Mutex
	queue  []models.VerificationVerdict
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	byHash map[string][]observation
	byCert map[string][]observation
	byIP   map[string][]observation
	raised map[string]time.Time
}

func NewFraudMonitor(cfg MonitorConfig, alerts *AlertStore, issuers *IssuerDirectory, logger *zap.Logger) *FraudMonitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.IPThreshold <= 0 {
		cfg.IPThreshold = 10
	}
	return &FraudMonitor{
		Alerts:  alerts,
		Issuers: issuers,
		Logger:  logger,
		cfg:     cfg,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		byHash:  map[string][]observation{},
		byCert:  map[string][]observation{},
		byIP:    map[string][]observation{},
		raised:  map[string]time.Time{},
	}
}

// Publish reiht ein Verdict ein.
func (m *FraudMonitor) Publish(v models.VerificationVerdict) {
	m.qmu.Lock()
	m.queue = append(m.queue, v)
	fraudMonitorQueueDepth.Set(float64(len(m.queue)))
	m.qmu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Run verarbeitet die Queue bis ctx beendet ist und arbeitet danach die Reste ab.
func (m *FraudMonitor) Run(ctx context.Context) {
	defer close(m.done)
	for {
		m.drain(context.Background())
		select {
		case <-ctx.Done():
			m.drain(context.Background())
			m.Logger.Info("Fraud monitor stopped")
			return
		case <-m.notify:
		}
	}
}

// Done ist geschlossen, sobald Run die Queue nach dem Stopp geleert hat.
func (m *FraudMonitor) Done() <-chan struct{} {
	return m.done
}

func (m *FraudMonitor) drain(ctx context.Context) {
	for {
		m.qmu.Lock()
		batch := m.queue
		m.queue = nil
		fraudMonitorQueueDepth.Set(0)
		m.qmu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, v := range batch {
			m.Observe(ctx, v)
		}
	}
}

// Observe korreliert ein einzelnes Verdict und legt neue Alerts an.
func (m *FraudMonitor) Observe(ctx context.Context, v models.VerificationVerdict) []models.FraudAlert {
	return m.observe(ctx, v, false)
}

// Replay baut das Rolling Window aus dem Verdict-Log wieder auf. Bereits gespeicherte Alerts werden nicht doppelt angelegt.
func (m *FraudMonitor) Replay(ctx context.Context, ledger *VerdictLedger, now time.Time) (int, error) {
	verdicts, err := ledger.Since(ctx, now.Add(-m.cfg.Window))
	if err != nil {
		return 0, err
	}
	for _, v := range verdicts {
		m.observe(ctx, v, true)
	}
	m.Logger.Info("Fraud monitor state replayed", zap.Int("verdicts", len(verdicts)))
	return len(verdicts), nil
}

func (m *FraudMonitor) observe(ctx context.Context, v models.VerificationVerdict, replay bool) []models.FraudAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := v.DecidedAt
	obs := observation{
		documentID: v.DocumentID,
		at:         at,
		name:       CanonicalIdentity(v.StudentName),
		roll:       CanonicalIdentity(v.RollNumber),
	}
	cutoff := at.Add(-m.cfg.Window)

	var raised []models.FraudAlert
	raise := func(a models.FraudAlert) {
		if created, ok := m.raise(ctx, a, at, replay); ok {
			raised = append(raised, created)
		}
	}

	if v.ContentHash != "" {
		if a, ok := m.duplicate(m.byHash, "hash:"+v.ContentHash, v.ContentHash, obs, cutoff); ok {
			a.Title = "Same document submitted under different identities"
			a.CertificateID = derefString(v.CertificateID)
			raise(a)
		}
	}
	if v.CertificateID != nil && *v.CertificateID != "" {
		if a, ok := m.duplicate(m.byCert, "cert:"+*v.CertificateID, *v.CertificateID, obs, cutoff); ok {
			a.Title = "Certificate ID claimed by different identities"
			a.CertificateID = *v.CertificateID
			raise(a)
		}
	}

	if v.SubmitterIP != "" {
		list := append(pruneObservations(m.byIP[v.SubmitterIP], cutoff), obs)
		m.byIP[v.SubmitterIP] = list
		if n := len(list); n > m.cfg.IPThreshold {
			severity := models.SeverityMedium
			if n > 2*m.cfg.IPThreshold {
				severity = models.SeverityHigh
			}
			raise(models.FraudAlert{
				Type:            models.AlertPattern,
				Severity:        severity,
				Title:           "Unusual submission volume from one address",
				Description:     fmt.Sprintf("%d submissions from %s within %s (threshold %d)", n, v.SubmitterIP, m.cfg.Window, m.cfg.IPThreshold),
				CorrelationKey:  "ip:" + v.SubmitterIP + "|" + string(severity),
				Evidence:        []string{"submitter_ip=" + v.SubmitterIP, fmt.Sprintf("count=%d", n)},
				RelatedVerdicts: documentIDs(list),
			})
		}
	}

	if m.Issuers != nil && m.Issuers.Len() > 0 && (v.IssuerCode != "" || v.Institution != "") {
		if _, known := m.Issuers.Resolve(v.IssuerCode, v.Institution); !known {
			claimed := v.Institution
			if claimed == "" {
				claimed = v.IssuerCode
			}
			raise(models.FraudAlert{
				Type:            models.AlertFakeInstitution,
				Severity:        models.SeverityHigh,
				Title:           "Certificate names an unknown institution",
				Description:     fmt.Sprintf("institution %q is not in the accredited issuer list", claimed),
				CorrelationKey:  "issuer:" + CanonicalIdentity(claimed),
				CertificateID:   derefString(v.CertificateID),
				Evidence:        []string{"institution=" + claimed},
				RelatedVerdicts: []string{v.DocumentID},
			})
		}
	}

	tampered := v.HasReason(models.ReasonContentHashMismatch)
	highArea := v.ComponentScores.Authenticity.HasLevel(models.SuspicionHigh)
	if tampered || highArea {
		var evidence []string
		if tampered {
			evidence = append(evidence, "content hash differs from issuance record")
		}
		if a := v.ComponentScores.Authenticity; a != nil {
			for _, area := range a.SuspiciousAreas {
				if area.Level == models.SuspicionHigh {
					evidence = append(evidence, area.Area+": "+area.Note)
				}
			}
		}
		raise(models.FraudAlert{
			Type:            models.AlertTampering,
			Severity:        models.SeverityHigh,
			Title:           "Document shows signs of tampering",
			Description:     strings.Join(evidence, "; "),
			CorrelationKey:  "doc:" + v.DocumentID,
			CertificateID:   derefString(v.CertificateID),
			Evidence:        evidence,
			RelatedVerdicts: []string{v.DocumentID},
		})
	}
	return raised
}

// duplicate prüft das Fenster eines Schlüssels auf abweichende Identitäten und nimmt obs auf.
func (m *FraudMonitor) duplicate(index map[string][]observation, key, value string, obs observation, cutoff time.Time) (models.FraudAlert, bool) {
	list := pruneObservations(index[key], cutoff)
	var conflicting []observation
	for _, o := range list {
		if o.conflicts(obs) {
			conflicting = append(conflicting, o)
		}
	}
	index[key] = append(list, obs)
	if len(conflicting) == 0 {
		return models.FraudAlert{}, false
	}
	related := append(documentIDs(conflicting), obs.documentID)
	evidence := []string{key}
	for _, o := range append(conflicting, obs) {
		evidence = append(evidence, fmt.Sprintf("%s: name=%q roll=%q", o.documentID, o.name, o.roll))
	}
	return models.FraudAlert{
		Type:            models.AlertDuplicate,
		Severity:        models.SeverityMedium,
		Description:     fmt.Sprintf("%s submitted by %d different identities within %s", value, len(conflicting)+1, m.cfg.Window),
		CorrelationKey:  key,
		Evidence:        evidence,
		RelatedVerdicts: related,
	}, true
}

// raise legt einen Alert an, außer (Typ, Schlüssel) wurde im aktuellen Fenster schon gemeldet.
func (m *FraudMonitor) raise(ctx context.Context, a models.FraudAlert, at time.Time, replay bool) (models.FraudAlert, bool) {
	dedupe := string(a.Type) + "|" + a.CorrelationKey
	if until, ok := m.raised[dedupe]; ok && at.Before(until) {
		suppressedAlertsCounter.WithLabelValues(string(a.Type)).Inc()
		return models.FraudAlert{}, false
	}
	m.raised[dedupe] = at.Add(m.cfg.Window)

	if replay {
		exists, err := m.Alerts.ExistsSince(ctx, a.Type, a.CorrelationKey, at.Add(-m.cfg.Window))
		if err != nil || exists {
			return models.FraudAlert{}, false
		}
	}
	if err := m.Alerts.Create(ctx, &a); err != nil {
		m.Logger.Error("Failed to persist fraud alert", zap.String("type", string(a.Type)), zap.String("key", a.CorrelationKey), zap.Error(err))
		delete(m.raised, dedupe)
		return models.FraudAlert{}, false
	}
	return a, true
}

// Prune entfernt abgelaufene Beobachtungen. Wird periodisch per Cron aufgerufen.
func (m *FraudMonitor) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-m.cfg.Window)
	var removed int
	for _, index := range []map[string][]observation{m.byHash, m.byCert, m.byIP} {
		for k, list := range index {
			kept := pruneObservations(list, cutoff)
			removed += len(list) - len(kept)
			if len(kept) == 0 {
				delete(index, k)
			} else {
				index[k] = kept
			}
		}
	}
	for k, until := range m.raised {
		if !until.After(now) {
			delete(m.raised, k)
		}
	}
	return removed
}

// WindowSize gibt die Anzahl verfolgter Schlüssel je Index zurück.
func (m *FraudMonitor) WindowSize() (hashes, certs, ips int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byHash), len(m.byCert), len(m.byIP)
}

func pruneObservations(list []observation, cutoff time.Time) []observation {
	kept := list[:0:0]
	for _, o := range list {
		if !o.at.Before(cutoff) {
			kept = append(kept, o)
		}
	}
	return kept
}

func documentIDs(list []observation) []string {
	out := make([]string, len(list))
	for i, o := range list {
		out[i] = o.documentID
	}
	return out
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
