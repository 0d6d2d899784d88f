package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"academia-validator/models"
)

// ErrIllegibleDocument signalisiert, dass kein verwertbarer Text gefunden wurde.
var ErrIllegibleDocument = errors.New("document is illegible")

// Extractor ist das Interface, das jedes Extraktions-Backend (Textlayer, OCR-Dienst) implementieren muss.
type Extractor interface {
	// Extract liefert die strukturierten Felder samt Konfidenz.
	Extract(ctx context.Context, doc *models.SubmittedDocument) (*models.ExtractedRecord, error)

	// Name gibt den eindeutigen Namen des Backends zurück (z.B. "textlayer").
	Name() string
}

// fieldPattern beschreibt ein Muster für ein Feld und die Basis-Konfidenz eines Treffers.
type fieldPattern struct {
	field      models.FieldName
	re         *regexp.Regexp
	confidence float64
}

// Reihenfolge ist relevant: gelabelte Muster vor heuristischen Fallbacks.
var fieldPatterns = []fieldPattern{
	{models.FieldCertificateID, regexp.MustCompile(`(?i)certificate\s*(?:no|number|id)\.?\s*[:#]?\s*([A-Z0-9][A-Z0-9/_-]{3,})`), 0.95},
	{models.FieldCertificateID, regexp.MustCompile(`\b(CERT[A-Z0-9_/-]{3,})\b`), 0.7},
	{models.FieldRollNumber, regexp.MustCompile(`(?i)roll\s*(?:no|number)\.?\s*[:#]?\s*([A-Z0-9][A-Z0-9/-]{2,})`), 0.95},
	{models.FieldRollNumber, regexp.MustCompile(`(?i)(?:student\s*id|enrol?ment\s*no\.?)\s*[:#]?\s*([A-Z0-9][A-Z0-9/-]{2,})`), 0.8},
	{models.FieldStudentName, regexp.MustCompile(`(?i)^(?:student\s*name|name\s*of\s*(?:the\s*)?student|name)\s*:\s*([\p{L}][\p{L} .'-]{2,})`), 0.92},
	{models.FieldStudentName, regexp.MustCompile(`(?i)certify\s+that\s+([\p{L}][\p{L} .'-]{2,}?)(?:\s*,|\s+has\b|\s+son\b|\s+daughter\b|$)`), 0.85},
	{models.FieldCourse, regexp.MustCompile(`(?i)(?:course|programme|program|degree)\s*:\s*(.{3,})`), 0.9},
	{models.FieldCourse, regexp.MustCompile(`(?i)completed\s+the\s+(?:course|programme|program)\s+of\s+(.{3,})`), 0.8},
	{models.FieldMarks, regexp.MustCompile(`(?i)(?:marks|grade|cgpa|percentage|division)\s*:\s*(.+)`), 0.9},
	{models.FieldMarks, regexp.MustCompile(`(?i)awarded\s+(first class|second class|third class|distinction)`), 0.8},
	{models.FieldInstitution, regexp.MustCompile(`(?i)^(?:university|institution|institute|issued\s+by)\s*:\s*(.{3,})`), 0.9},
	{models.FieldInstitution, regexp.MustCompile(`(?i)^((?:[\p{L}.]+\s+){0,5}(?:university|institute of technology|institute|college)(?:\s+of\s+[\p{L} ]+)?)$`), 0.75},
	{models.FieldIssueDate, regexp.MustCompile(`(?i)(?:date\s*of\s*issue|issue\s*date|date)\s*:\s*(.{6,})`), 0.85},
}

// ParseFields wendet die Feldmuster zeilenweise auf normalisierten Text an.
// Runs mit Schriftinformation werden den Feldern zugeordnet, deren Wert sie enthalten.
func ParseFields(lines []string, runs []models.TextRun) map[models.FieldName]models.ExtractedField {
	fields := make(map[models.FieldName]models.ExtractedField)
	for _, p := range fieldPatterns {
		if _, done := fields[p.field]; done {
			continue
		}
		for _, line := range lines {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			value := strings.TrimSpace(strings.Trim(m[1], " .,;:"))
			if value == "" {
				continue
			}
			f := models.ExtractedField{
				Value:      value,
				Confidence: round2(p.confidence * valueQuality(p.field, value)),
			}
			if run, ok := runForValue(runs, value); ok {
				f.Font = run.Font
				f.Size = run.Size
			}
			fields[p.field] = f
			break
		}
	}
	return fields
}

// valueQuality bewertet die Plausibilität eines Wertes in [0,1].
func valueQuality(field models.FieldName, value string) float64 {
	var letters, digits, other int
	for _, r := range value {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		case r == ' ' || r == '/' || r == '-' || r == '_' || r == '.' || r == '\'' || r == '%':
		default:
			other++
		}
	}
	total := letters + digits + other
	if total == 0 {
		return 0
	}
	q := 1.0 - float64(other)/float64(total)
	switch field {
	case models.FieldStudentName:
		if digits > 0 {
			q *= 0.5
		}
	case models.FieldCertificateID, models.FieldRollNumber:
		if digits == 0 {
			q *= 0.6
		}
	}
	return q
}

func runForValue(runs []models.TextRun, value string) (models.TextRun, bool) {
	for _, r := range runs {
		if r.Font == "" {
			continue
		}
		if strings.Contains(NormalizeText(r.Text), value) {
			return r, true
		}
	}
	return models.TextRun{}, false
}

// overallConfidence ist der Mittelwert aller gefundenen Felder.
func overallConfidence(fields map[models.FieldName]models.ExtractedField) float64 {
	if len(fields) == 0 {
		return 0
	}
	var sum float64
	for _, f := range fields {
		sum += f.Confidence
	}
	return round2(sum / float64(len(fields)))
}

// TextLayerExtractor liest den eingebetteten Textlayer (PDF-Content, PNG-Textchunks, JPEG-Kommentare).
type TextLayerExtractor struct {
	Logger *zap.Logger
}

func NewTextLayerExtractor(logger *zap.Logger) *TextLayerExtractor {
	return &TextLayerExtractor{Logger: logger}
}

func (e *TextLayerExtractor) Name() string {
	return "textlayer"
}

// Extract parst das Dokument und die Felder. Ohne identifizierbares Feld gilt das Dokument als unleserlich.
func (e *TextLayerExtractor) Extract(ctx context.Context, doc *models.SubmittedDocument) (*models.ExtractedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, err := parseSubmitted(ctx, doc)
	if err != nil {
		return nil, err
	}
	text := NormalizeText(strings.Join(parsed.Lines, "\n"))
	if text == "" {
		return nil, fmt.Errorf("%w: no text layer", ErrIllegibleDocument)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fields := ParseFields(splitLines(text), parsed.Runs)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no certificate fields recognised", ErrIllegibleDocument)
	}
	rec := &models.ExtractedRecord{
		DocumentID:        doc.ID,
		Fields:            fields,
		OverallConfidence: overallConfidence(fields),
		Backend:           e.Name(),
		Runs:              parsed.Runs,
	}
	e.Logger.Debug("Text layer extracted",
		zap.String("document_id", doc.ID),
		zap.Int("lines", len(parsed.Lines)),
		zap.Strings("fields", fieldNames(fields)))
	return rec, nil
}

// ChainExtractor probiert die Backends der Reihe nach, bis eines Felder liefert.
type ChainExtractor struct {
	Backends []Extractor
	Logger   *zap.Logger
}

func NewChainExtractor(logger *zap.Logger, backends ...Extractor) *ChainExtractor {
	return &ChainExtractor{Backends: backends, Logger: logger}
}

func (c *ChainExtractor) Name() string {
	names := make([]string, len(c.Backends))
	for i, b := range c.Backends {
		names[i] = b.Name()
	}
	return strings.Join(names, ",")
}

// Extract liefert ErrIllegibleDocument nur, wenn jedes Backend das Dokument für unleserlich hielt.
// Ist ein Backend ausgefallen, wird dessen Fehler durchgereicht.
func (c *ChainExtractor) Extract(ctx context.Context, doc *models.SubmittedDocument) (*models.ExtractedRecord, error) {
	var illegibleErr, backendErr error
	for _, b := range c.Backends {
		rec, err := b.Extract(ctx, doc)
		if err == nil {
			return rec, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.Logger.Info("Extraction backend failed, trying next",
			zap.String("backend", b.Name()), zap.String("document_id", doc.ID), zap.Error(err))
		if errors.Is(err, ErrIllegibleDocument) {
			illegibleErr = err
		} else {
			backendErr = fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	switch {
	case backendErr != nil:
		return nil, backendErr
	case illegibleErr != nil:
		return nil, illegibleErr
	}
	return nil, ErrIllegibleDocument
}

func fieldNames(fields map[models.FieldName]models.ExtractedField) []string {
	out := make([]string, 0, len(fields))
	for k := range fields {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
