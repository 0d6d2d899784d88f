package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"academia-validator/models"
	"academia-validator/storage"
)

// VerificationService führt ein Dokument durch Extraktion, Analyse und Registerabgleich zum Verdict.
type VerificationService struct {
	Extractor Extractor
	Analyzer  Analyzer
	Registry  Registry
	Ledger    *VerdictLedger
	Blobs     storage.BlobStore
	Policy    Policy
	Logger    *zap.Logger

	now func() time.Time
}

func NewVerificationService(extractor Extractor, analyzer Analyzer, registry Registry, ledger *VerdictLedger, blobs storage.BlobStore, policy Policy, logger *zap.Logger) *VerificationService {
	return &VerificationService{
		Extractor: extractor,
		Analyzer:  analyzer,
		Registry:  registry,
		Ledger:    ledger,
		Blobs:     blobs,
		Policy:    policy,
		Logger:    logger,
		now:       time.Now,
	}
}

// Verify liefert genau ein persistiertes Verdict pro Dokument. Wird ctx abgebrochen,
// wird nichts persistiert und ctx.Err() zurückgegeben.
func (s *VerificationService) Verify(ctx context.Context, doc *models.SubmittedDocument) (*models.VerificationVerdict, error) {
	start := time.Now()
	log := s.Logger.With(zap.String("document_id", doc.ID))
	machine := NewVerdictMachine(s.now)
	ctx = withParseCache(ctx)

	if s.Blobs != nil {
		key := "staging/" + doc.ID
		if err := s.Blobs.Put(ctx, key, doc.RawBytes, doc.MimeType); err != nil {
			log.Warn("Staging upload failed, continuing in memory", zap.Error(err))
		} else {
			defer func() {
				if err := s.Blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
					log.Warn("Failed to delete staged document", zap.String("key", key), zap.Error(err))
				}
			}()
		}
	}
	defer func() { doc.RawBytes = nil }()

	if err := machine.Advance(StageExtracting); err != nil {
		return nil, err
	}
	ev := Evidence{}
	rec, err := s.Extractor.Extract(ctx, doc)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	switch {
	case errors.Is(err, ErrIllegibleDocument):
		log.Info("Document illegible", zap.Error(err))
		ev.Illegible = true
	case err != nil:
		log.Error("Extraction failed", zap.Error(err))
		ev.ExtractionErr = err
	default:
		ev.Extracted = rec
		if err := machine.Advance(StageScoring); err != nil {
			return nil, err
		}
		if err := s.score(ctx, doc, &ev, log); err != nil {
			return nil, err
		}
	}

	if err := machine.Advance(StageResolved); err != nil {
		return nil, err
	}
	decision := Decide(s.Policy, ev)
	verdict := s.buildVerdict(doc, ev, decision, machine)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.Ledger.Append(ctx, verdict); err != nil {
		return nil, err
	}

	verificationsCounter.WithLabelValues(string(verdict.Verdict)).Inc()
	verificationDuration.Observe(time.Since(start).Seconds())
	log.Info("Verification resolved",
		zap.String("verdict", string(verdict.Verdict)),
		zap.Float64("confidence", verdict.Confidence),
		zap.String("registry", string(verdict.ComponentScores.Registry)))
	return verdict, nil
}

// score führt Authentizitätsanalyse und Registerabgleich parallel aus.
// Nur ein Abbruch des Aufrufers ist ein Fehler, alles andere ist Evidenz.
func (s *VerificationService) score(ctx context.Context, doc *models.SubmittedDocument, ev *Evidence, log *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		score, err := s.Analyzer.Analyze(gctx, doc, ev.Extracted)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("Authenticity analysis failed", zap.Error(err))
			return nil
		}
		ev.Authenticity = score
		return nil
	})

	var (
		lookup *LookupResult
		regErr error
	)
	g.Go(func() error {
		lookup, regErr = s.Registry.Lookup(gctx, ev.Extracted.Value(models.FieldCertificateID), doc.ContentHash)
		if regErr != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ev.Lookup, ev.RegistryErr = lookup, regErr
	switch {
	case errors.Is(regErr, ErrRegistryTimeout):
		registryTimeoutsCounter.Inc()
	case regErr != nil && !errors.Is(regErr, ErrCertificateNotFound):
		log.Error("Registry lookup failed", zap.Error(regErr))
	}
	return nil
}

func (s *VerificationService) buildVerdict(doc *models.SubmittedDocument, ev Evidence, d Decision, machine *VerdictMachine) *models.VerificationVerdict {
	scores := models.ComponentScores{
		Authenticity: ev.Authenticity,
		Registry:     ev.RegistryStatus(),
	}
	v := &models.VerificationVerdict{
		DocumentID:  doc.ID,
		Verdict:     d.Verdict,
		Confidence:  d.Confidence,
		Reasons:     d.Reasons,
		Transitions: machine.Transitions(),
		DecidedAt:   s.now().UTC(),
		ContentHash: doc.ContentHash,
		SubmitterID: doc.SubmitterID,
		SubmitterIP: doc.SubmitterIP,
	}
	if rec := ev.Extracted; rec != nil {
		scores.ExtractionConfidence = rec.OverallConfidence
		scores.FieldConfidence = make(map[models.FieldName]float64, len(rec.Fields))
		for name, f := range rec.Fields {
			scores.FieldConfidence[name] = f.Confidence
		}
		if id := rec.Value(models.FieldCertificateID); id != "" {
			v.CertificateID = &id
		}
		v.StudentName = rec.Value(models.FieldStudentName)
		v.RollNumber = rec.Value(models.FieldRollNumber)
		v.Institution = rec.Value(models.FieldInstitution)
	}
	if ev.Lookup != nil && ev.Lookup.Entry != nil {
		v.IssuerCode = ev.Lookup.Entry.IssuerCode
		if v.Institution == "" {
			v.Institution = ev.Lookup.Entry.IssuerName
		}
	}
	v.ComponentScores = scores
	return v
}
