package services

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"academia-validator/models"
)

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		weights Weights
		wantErr bool
	}{
		{"defaults", DefaultWeights, false},
		{"signature only", Weights{Signature: 1}, false},
		{"sum below one", Weights{Font: 0.25, Pixel: 0.25, Metadata: 0.25, Signature: 0.1}, true},
		{"negative weight", Weights{Font: 1.2, Pixel: -0.2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.weights.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if _, err := NewAuthenticityAnalyzer(Weights{Font: 1, Pixel: 1}, 70, zap.NewNop()); err == nil {
		t.Error("analyzer must reject invalid weights")
	}
}

func TestSuspicionLevelFor(t *testing.T) {
	tests := []struct {
		score      float64
		want       models.SuspicionLevel
		suspicious bool
	}{
		{100, "", false},
		{80, "", false},
		{79.9, models.SuspicionLow, true},
		{65, models.SuspicionLow, true},
		{64.9, models.SuspicionMedium, true},
		{50, models.SuspicionMedium, true},
		{49.9, models.SuspicionHigh, true},
		{0, models.SuspicionHigh, true},
	}
	for _, tt := range tests {
		level, suspicious := SuspicionLevelFor(tt.score, 80)
		if level != tt.want || suspicious != tt.suspicious {
			t.Errorf("SuspicionLevelFor(%v, 80) = %q, %v; want %q, %v", tt.score, level, suspicious, tt.want, tt.suspicious)
		}
	}
}

func TestCheckSignature(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		sig   *signatureInfo
		score float64
	}{
		{"unsigned", 100, nil, unsignedScore},
		{"covers whole file", 500, &signatureInfo{ByteRange: [4]int64{0, 100, 200, 300}}, 100},
		{"bytes appended", 600, &signatureInfo{ByteRange: [4]int64{0, 100, 200, 300}}, 35},
		{"range beyond file", 400, &signatureInfo{ByteRange: [4]int64{0, 100, 200, 300}}, 20},
		{"range not starting at zero", 500, &signatureInfo{ByteRange: [4]int64{10, 100, 200, 300}}, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &models.SubmittedDocument{RawBytes: make([]byte, tt.size), MimeType: models.MimePDF}
			res := checkSignature(doc, docMetadata{Signature: tt.sig})
			if res.Score != tt.score {
				t.Errorf("score = %v, want %v (notes %v)", res.Score, tt.score, res.Notes)
			}
			if len(res.Notes) == 0 {
				t.Error("signature check must always explain its result")
			}
		})
	}
}

func TestCheckMetadata(t *testing.T) {
	received := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	created := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	sig := &signatureInfo{ByteRange: [4]int64{0, 1, 2, 3}}

	tests := []struct {
		name  string
		meta  docMetadata
		score float64
	}{
		{"clean", docMetadata{Producer: "Registrar Office", CreatedAt: created, EOFMarkers: 1}, 100},
		{"editor in producer", docMetadata{Producer: "Adobe Photoshop CS6", CreatedAt: created, EOFMarkers: 1}, 65},
		{"editor in xmp tool list", docMetadata{Software: []string{"GIMP 2.10"}}, 65},
		{"photoshop resource block", docMetadata{HasPhotoshopIRB: true}, 75},
		{"modified long after creation", docMetadata{CreatedAt: created, ModifiedAt: created.Add(48 * time.Hour), EOFMarkers: 1}, 80},
		{"modified on the same day", docMetadata{CreatedAt: created, ModifiedAt: created.Add(2 * time.Hour), EOFMarkers: 1}, 100},
		{"created after submission", docMetadata{CreatedAt: received.Add(10 * time.Minute)}, 70},
		{"created within clock skew", docMetadata{CreatedAt: received.Add(2 * time.Minute)}, 100},
		{"one incremental update", docMetadata{EOFMarkers: 2}, 85},
		{"signature accounts for one update", docMetadata{EOFMarkers: 2, Signature: sig}, 100},
		{"update penalty capped", docMetadata{EOFMarkers: 6}, 70},
		{"everything at once", docMetadata{Producer: "Canva", HasPhotoshopIRB: true, CreatedAt: received.Add(time.Hour), EOFMarkers: 6}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &models.SubmittedDocument{ReceivedAt: received}
			if res := checkMetadata(doc, tt.meta); res.Score != tt.score {
				t.Errorf("score = %v, want %v (notes %v)", res.Score, tt.score, res.Notes)
			}
		})
	}
}

func TestCheckFontConsistency(t *testing.T) {
	t.Run("no glyph data", func(t *testing.T) {
		res := checkFontConsistency(&models.ExtractedRecord{}, docMetadata{})
		if res.Score != 100 || len(res.Notes) != 1 {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("identity field in foreign font", func(t *testing.T) {
		rec := &models.ExtractedRecord{
			Fields: map[models.FieldName]models.ExtractedField{
				models.FieldStudentName:   {Value: "Aarav Sharma", Font: "Times", Size: 12},
				models.FieldCertificateID: {Value: "CERT845291", Font: "Arial", Size: 12},
			},
			Runs: []models.TextRun{
				{Text: "a", Font: "Times"}, {Text: "b", Font: "Times"}, {Text: "c", Font: "Times"},
				{Text: "CERT845291", Font: "Arial"},
			},
		}
		if res := checkFontConsistency(rec, docMetadata{}); res.Score != 85 {
			t.Errorf("score = %v, want 85 (notes %v)", res.Score, res.Notes)
		}
	})

	t.Run("size outlier", func(t *testing.T) {
		rec := &models.ExtractedRecord{
			Fields: map[models.FieldName]models.ExtractedField{
				models.FieldStudentName: {Value: "Aarav Sharma", Size: 12},
				models.FieldRollNumber:  {Value: "21CS045", Size: 12},
				models.FieldInstitution: {Value: "Ranchi University", Size: 12},
				models.FieldMarks:       {Value: "9.8", Size: 20},
			},
		}
		res := checkFontConsistency(rec, docMetadata{})
		if res.Score != 80 {
			t.Errorf("score = %v, want 80 (notes %v)", res.Score, res.Notes)
		}
		if len(res.Notes) != 1 || !strings.HasPrefix(res.Notes[0], "marks") {
			t.Errorf("notes = %v", res.Notes)
		}
	})

	t.Run("many fonts", func(t *testing.T) {
		meta := docMetadata{BaseFonts: []string{"A", "B", "C", "D", "E", "F", "G"}}
		if res := checkFontConsistency(&models.ExtractedRecord{}, meta); res.Score != 70 {
			t.Errorf("score = %v, want 70", res.Score)
		}
	})
}

func TestBlockinessOutliers(t *testing.T) {
	uniform := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	if n := blockinessOutliers(uniform); n != 0 {
		t.Errorf("uniform tiles: %d outliers", n)
	}
	spliced := []float64{1, 1.02, 0.98, 1, 1.01, 0.99, 1, 2.5}
	if n := blockinessOutliers(spliced); n != 1 {
		t.Errorf("spliced tiles: %d outliers, want 1", n)
	}
}

func TestAuthenticityAnalyzerPDF(t *testing.T) {
	analyzer, err := NewAuthenticityAnalyzer(DefaultWeights, 80, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	doc := &models.SubmittedDocument{
		ID:         "doc-1",
		RawBytes:   certificatePDF(),
		MimeType:   models.MimePDF,
		ReceivedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	rec, err := NewTextLayerExtractor(zap.NewNop()).Extract(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}

	score, err := analyzer.Analyze(context.Background(), doc, rec)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if score.FontConsistency != 100 || score.PixelAnalysis != 100 || score.MetadataCheck != 100 || score.SignatureCheck != unsignedScore {
		t.Errorf("sub-scores = %+v", score)
	}
	if math.Abs(score.OverallScore-92.5) > 1e-9 {
		t.Errorf("OverallScore = %v, want 92.5", score.OverallScore)
	}
	if len(score.SuspiciousAreas) != 1 {
		t.Fatalf("SuspiciousAreas = %+v, want only the signature", score.SuspiciousAreas)
	}
	if a := score.SuspiciousAreas[0]; a.Area != "signature" || a.Level != models.SuspicionLow {
		t.Errorf("area = %+v", a)
	}

	again, err := analyzer.Analyze(context.Background(), doc, rec)
	if err != nil || again.OverallScore != score.OverallScore {
		t.Errorf("analysis must be deterministic: %v vs %v (%v)", again.OverallScore, score.OverallScore, err)
	}
}

func TestAuthenticityAnalyzerImage(t *testing.T) {
	analyzer, err := NewAuthenticityAnalyzer(DefaultWeights, 70, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	doc := &models.SubmittedDocument{
		ID:         "img-1",
		RawBytes:   buildPNG(t, 256, 256, "Software", "GIMP 2.10"),
		MimeType:   models.MimePNG,
		ReceivedAt: time.Now(),
	}
	score, err := analyzer.Analyze(context.Background(), doc, &models.ExtractedRecord{})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if score.PixelAnalysis != 100 {
		t.Errorf("PixelAnalysis = %v, want 100 for a uniform image", score.PixelAnalysis)
	}
	if score.MetadataCheck != 65 {
		t.Errorf("MetadataCheck = %v, want 65", score.MetadataCheck)
	}
	var found bool
	for _, a := range score.SuspiciousAreas {
		if a.Area == "metadata" {
			found = a.Level == models.SuspicionLow
		}
	}
	if !found {
		t.Errorf("metadata area missing or wrong level: %+v", score.SuspiciousAreas)
	}
}

func TestAuthenticityAnalyzerCancelled(t *testing.T) {
	analyzer, _ := NewAuthenticityAnalyzer(DefaultWeights, 70, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	doc := &models.SubmittedDocument{RawBytes: certificatePDF(), MimeType: models.MimePDF}
	if _, err := analyzer.Analyze(ctx, doc, nil); err == nil {
		t.Fatal("Analyze() must fail on a cancelled context")
	}
}
