package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"academia-validator/models"
)

type recordingSink struct {
	got []models.VerificationVerdict
}

func (s *recordingSink) Publish(v models.VerificationVerdict) {
	s.got = append(s.got, v)
}

func testVerdict(docID string, verdict models.Verdict, at time.Time) *models.VerificationVerdict {
	return &models.VerificationVerdict{
		DocumentID: docID,
		Verdict:    verdict,
		Confidence: 80,
		Reasons:    []models.Reason{{Code: models.ReasonAuthenticityScore, Message: "score"}},
		DecidedAt:  at,
	}
}

func TestVerdictLedger(t *testing.T) {
	ledger := NewVerdictLedger(newTestDB(t), zap.NewNop())
	sink := &recordingSink{}
	ledger.Subscribe(sink)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, v := range []*models.VerificationVerdict{
		testVerdict("doc-1", models.VerdictAuthentic, now.Add(-2*time.Hour)),
		testVerdict("doc-2", models.VerdictInvalid, now.Add(-time.Minute)),
		testVerdict("doc-3", models.VerdictInvalid, now),
	} {
		if err := ledger.Append(ctx, v); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
		if v.ID == 0 {
			t.Fatalf("Append(%d) must assign a sequence number", i)
		}
	}

	if len(sink.got) != 3 || sink.got[0].DocumentID != "doc-1" || sink.got[2].DocumentID != "doc-3" {
		t.Fatalf("sink received %+v, want all verdicts in append order", sink.got)
	}

	if err := ledger.Append(ctx, testVerdict("doc-1", models.VerdictInvalid, now)); err == nil {
		t.Error("a second verdict for the same document must be rejected")
	}
	if len(sink.got) != 3 {
		t.Error("rejected verdicts must not be published")
	}

	got, err := ledger.Get(ctx, "doc-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Verdict != models.VerdictInvalid || len(got.Reasons) != 1 {
		t.Errorf("Get() = %+v", got)
	}
	if _, err := ledger.Get(ctx, "missing"); !errors.Is(err, ErrVerdictNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}

	list, err := ledger.List(ctx, 2)
	if err != nil || len(list) != 2 || list[0].DocumentID != "doc-3" {
		t.Errorf("List(2) = %+v, %v", list, err)
	}

	recent, err := ledger.Since(ctx, now.Add(-time.Hour))
	if err != nil || len(recent) != 2 || recent[0].DocumentID != "doc-2" {
		t.Errorf("Since() = %+v, %v", recent, err)
	}

	counts, err := ledger.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.VerdictAuthentic] != 1 || counts[models.VerdictInvalid] != 2 || counts[models.VerdictSuspicious] != 0 {
		t.Errorf("Counts() = %v", counts)
	}
	if _, ok := counts[models.VerdictSuspicious]; !ok {
		t.Error("Counts() must report every label")
	}
}
