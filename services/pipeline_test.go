package services

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"academia-validator/models"
	"academia-validator/storage"
)

type stubRegistry struct {
	result *LookupResult
	err    error
}

func (s stubRegistry) Lookup(context.Context, string, string) (*LookupResult, error) {
	return s.result, s.err
}

type pipelineFixture struct {
	service *VerificationService
	ledger  *VerdictLedger
	blobs   *storage.MemoryBlobStore
}

// newPipeline baut die echte Pipeline; ohne reg wird ein SQLite-Register mit dem Testzertifikat verwendet.
func newPipeline(t *testing.T, reg Registry) pipelineFixture {
	t.Helper()
	db := newTestDB(t)
	analyzer, err := NewAuthenticityAnalyzer(DefaultWeights, 80, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ledger := NewVerdictLedger(db, zap.NewNop())
	blobs := storage.NewMemoryBlobStore()

	if reg == nil {
		issuers := NewIssuerDirectory(db, zap.NewNop())
		issuers.Set([]models.Issuer{{Code: "JUT", Name: "Jharkhand University of Technology", Accredited: true}})
		rs := NewRegistryService(db, time.Second, issuers, zap.NewNop())
		if _, err := rs.Import(context.Background(), []models.RegistryEntry{{
			CertificateID:         "CERT845291",
			IssuerName:            "Jharkhand University of Technology",
			StudentName:           "Aarav Sharma",
			RollNumber:            "21CS045",
			ContentHashAtIssuance: ContentHash(certificatePDF()),
		}}); err != nil {
			t.Fatal(err)
		}
		reg = rs
	}

	svc := NewVerificationService(NewTextLayerExtractor(zap.NewNop()), analyzer, reg, ledger, blobs, DefaultPolicy, zap.NewNop())
	return pipelineFixture{service: svc, ledger: ledger, blobs: blobs}
}

func pdfDocument(id string, data []byte) *models.SubmittedDocument {
	return &models.SubmittedDocument{
		ID:          id,
		RawBytes:    data,
		ContentHash: ContentHash(data),
		MimeType:    models.MimePDF,
		SizeBytes:   int64(len(data)),
		ReceivedAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		SubmitterIP: "192.0.2.10",
	}
}

func TestVerifyAuthenticCertificate(t *testing.T) {
	f := newPipeline(t, nil)
	ctx := context.Background()
	doc := pdfDocument("doc-1", certificatePDF())

	v, err := f.service.Verify(ctx, doc)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if v.Verdict != models.VerdictAuthentic || v.Confidence != 92.5 {
		t.Fatalf("verdict = %s %v, reasons %+v", v.Verdict, v.Confidence, v.Reasons)
	}
	if v.ComponentScores.Registry != models.RegistryMatched {
		t.Errorf("registry status = %s", v.ComponentScores.Registry)
	}
	if v.CertificateID == nil || *v.CertificateID != "CERT845291" || v.IssuerCode != "JUT" {
		t.Errorf("correlation fields = %v / %q", v.CertificateID, v.IssuerCode)
	}
	if v.StudentName != "Aarav Sharma" || v.SubmitterIP != "192.0.2.10" {
		t.Errorf("identity = %q from %q", v.StudentName, v.SubmitterIP)
	}

	if len(v.Transitions) != 3 || v.Transitions[0].From != "PENDING" || v.Transitions[2].To != "RESOLVED" {
		t.Errorf("Transitions = %+v", v.Transitions)
	}
	if doc.RawBytes != nil {
		t.Error("raw bytes must be discarded after verification")
	}
	if f.blobs.Len() != 0 {
		t.Errorf("staging store still holds %d objects", f.blobs.Len())
	}

	stored, err := f.ledger.Get(ctx, "doc-1")
	if err != nil || stored.Verdict != models.VerdictAuthentic || stored.ID != v.ID {
		t.Errorf("ledger entry = %+v, %v", stored, err)
	}
}

func TestVerifyIllegibleDocument(t *testing.T) {
	f := newPipeline(t, nil)
	doc := pdfDocument("doc-blank", buildPDF(defaultPDFInfo, nil))

	v, err := f.service.Verify(context.Background(), doc)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if v.Verdict != models.VerdictSuspicious || len(v.Reasons) != 1 || v.Reasons[0].Code != models.ReasonIllegibleDocument {
		t.Fatalf("verdict = %s %+v", v.Verdict, v.Reasons)
	}
	if v.ComponentScores.Registry != models.RegistrySkipped || v.CertificateID != nil {
		t.Errorf("illegible documents must skip the registry: %+v", v.ComponentScores)
	}
	want := []string{"PENDING", "EXTRACTING", "RESOLVED"}
	var got []string
	for i, tr := range v.Transitions {
		if i == 0 {
			got = append(got, tr.From)
		}
		got = append(got, tr.To)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("stages = %v, want %v", got, want)
	}
}

func TestVerifyExtractionUnavailable(t *testing.T) {
	f := newPipeline(t, nil)
	f.service.Extractor = NewChainExtractor(zap.NewNop(),
		NewTextLayerExtractor(zap.NewNop()),
		&stubExtractor{name: "ocr", err: errors.New("ocr request failed: connection refused")},
	)
	// gescanntes Zertifikat ohne Textlayer, nur OCR könnte es lesen
	doc := pdfDocument("doc-scan", buildPDF(defaultPDFInfo, nil))

	v, err := f.service.Verify(context.Background(), doc)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if v.Verdict != models.VerdictSuspicious || v.Confidence != 70 {
		t.Errorf("verdict = %s %v", v.Verdict, v.Confidence)
	}
	if len(v.Reasons) != 1 || v.Reasons[0].Code != models.ReasonExtractionUnavailable {
		t.Errorf("Reasons = %+v, want extraction_unavailable", v.Reasons)
	}
	if v.ComponentScores.Registry != models.RegistrySkipped {
		t.Errorf("registry status = %s", v.ComponentScores.Registry)
	}
}

func TestVerifyDeeplyNestedDocument(t *testing.T) {
	f := newPipeline(t, nil)
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n1 0 obj\n<< /Length 0 >>\nstream\nBT ")
	b.WriteString(strings.Repeat("[", 1<<20))
	b.WriteString("\nendstream\nendobj\n%%EOF\n")

	v, err := f.service.Verify(context.Background(), pdfDocument("doc-nested", b.Bytes()))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if v.Verdict != models.VerdictSuspicious || v.Reasons[0].Code != models.ReasonIllegibleDocument {
		t.Errorf("verdict = %s %+v", v.Verdict, v.Reasons)
	}
}

func TestVerifyCancelledPersistsNothing(t *testing.T) {
	f := newPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	doc := pdfDocument("doc-cancelled", certificatePDF())

	if _, err := f.service.Verify(ctx, doc); !errors.Is(err, context.Canceled) {
		t.Fatalf("Verify() error = %v, want context.Canceled", err)
	}
	if _, err := f.ledger.Get(context.Background(), "doc-cancelled"); !errors.Is(err, ErrVerdictNotFound) {
		t.Errorf("cancelled verification left a verdict behind: %v", err)
	}
	if f.blobs.Len() != 0 {
		t.Errorf("staging store still holds %d objects", f.blobs.Len())
	}
	if doc.RawBytes != nil {
		t.Error("raw bytes must be discarded on cancellation too")
	}
}

func TestVerifyRegistryFailures(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantVerdict models.Verdict
		wantCode    models.ReasonCode
		wantStatus  models.RegistryStatus
	}{
		{"timeout", ErrRegistryTimeout, models.VerdictInvalid, models.ReasonRegistryTimeout, models.RegistryTimedOut},
		{"not found", ErrCertificateNotFound, models.VerdictInvalid, models.ReasonNotInRegistry, models.RegistryNotFound},
		{"unavailable", errors.New("connection reset"), models.VerdictSuspicious, models.ReasonRegistryUnavailable, models.RegistryUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipeline(t, stubRegistry{err: tt.err})
			v, err := f.service.Verify(context.Background(), pdfDocument("doc-"+tt.name, certificatePDF()))
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if v.Verdict != tt.wantVerdict || v.Reasons[0].Code != tt.wantCode {
				t.Errorf("verdict = %s %+v", v.Verdict, v.Reasons)
			}
			if v.ComponentScores.Registry != tt.wantStatus {
				t.Errorf("registry status = %s, want %s", v.ComponentScores.Registry, tt.wantStatus)
			}
		})
	}
}

func TestVerifyIsDeterministic(t *testing.T) {
	f := newPipeline(t, nil)
	ctx := context.Background()
	data := certificatePDF()

	first, err := f.service.Verify(ctx, pdfDocument("doc-a", append([]byte(nil), data...)))
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.service.Verify(ctx, pdfDocument("doc-b", append([]byte(nil), data...)))
	if err != nil {
		t.Fatal(err)
	}
	if first.Verdict != second.Verdict || first.Confidence != second.Confidence ||
		!reflect.DeepEqual(first.Reasons, second.Reasons) ||
		!reflect.DeepEqual(first.ComponentScores.Authenticity.SuspiciousAreas, second.ComponentScores.Authenticity.SuspiciousAreas) {
		t.Errorf("identical bytes produced different decisions:\n%+v\n%+v", first, second)
	}
}
