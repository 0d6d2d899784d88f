package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"academia-validator/config"
	"academia-validator/models"
	"academia-validator/services"
)

// maxConcurrent begrenzt parallele Anfragen an den OCR-Dienst.
const maxConcurrent = 4

// userAgentTransport fügt jeder Anfrage einen User-Agent-Header hinzu.
type userAgentTransport struct {
	Transport http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", "academia-validator/1.0")
	return t.Transport.RoundTrip(req)
}

// Fetcher kapselt die Interaktion mit dem OCR-Dienst und implementiert services.Extractor.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger

	client    *http.Client
	semaphore chan struct{}
}

// NewFetcher erstellt eine neue Instanz des OCR-Fetchers.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		Config: cfg,
		Logger: logger,
		client: &http.Client{
			Timeout:   cfg.OCRTimeout,
			Transport: &userAgentTransport{Transport: http.DefaultTransport},
		},
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

// Name gibt den Namen des Backends zurück.
func (f *Fetcher) Name() string {
	return "ocr"
}

// Extract schickt die Dokument-Bytes an den Dienst und übersetzt die Antwort in Felder.
func (f *Fetcher) Extract(ctx context.Context, doc *models.SubmittedDocument) (*models.ExtractedRecord, error) {
	select {
	case f.semaphore <- struct{}{}:
		defer func() { <-f.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	resp, err := f.recognize(ctx, doc)
	if err != nil {
		return nil, err
	}

	var runs []models.TextRun
	var lines []string
	for i, l := range resp.Lines {
		text := services.NormalizeText(l.Text)
		if text == "" {
			continue
		}
		lines = append(lines, text)
		runs = append(runs, models.TextRun{Text: text, Font: l.Font, Size: l.Height, Line: i})
	}

	fields := make(map[models.FieldName]models.ExtractedField)
	for name, fld := range resp.Fields {
		if strings.TrimSpace(fld.Value) == "" {
			continue
		}
		fields[models.FieldName(name)] = models.ExtractedField{
			Value:      services.NormalizeText(fld.Value),
			Confidence: clamp01(fld.Confidence),
			Size:       fld.Height,
		}
	}
	// Felder, die der Dienst nicht liefert, aus den Zeilen parsen; Zeilenkonfidenz dämpft die Musterkonfidenz.
	for name, fld := range services.ParseFields(lines, runs) {
		if _, ok := fields[name]; ok {
			continue
		}
		if l, ok := lineFor(resp.Lines, fld.Value); ok {
			fld.Confidence = clamp01(fld.Confidence * l.Confidence)
			fld.Size = l.Height
			fld.Font = l.Font
		}
		fields[name] = fld
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: ocr returned %d lines without certificate fields", services.ErrIllegibleDocument, len(resp.Lines))
	}

	var sum float64
	for _, fld := range fields {
		sum += fld.Confidence
	}
	f.Logger.Debug("OCR extraction completed", zap.String("document_id", doc.ID), zap.Int("lines", len(lines)), zap.Int("fields", len(fields)))
	return &models.ExtractedRecord{
		DocumentID:        doc.ID,
		Fields:            fields,
		OverallConfidence: sum / float64(len(fields)),
		Backend:           f.Name(),
		Runs:              runs,
	}, nil
}

func (f *Fetcher) recognize(ctx context.Context, doc *models.SubmittedDocument) (*Response, error) {
	endpoint := strings.TrimRight(f.Config.OCRServiceURL, "/") + "/v1/ocr"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(doc.RawBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", doc.MimeType)
	req.Header.Set("Accept", "application/json")
	if f.Config.OCRAPIKey != "" {
		req.Header.Set("X-API-KEY", f.Config.OCRAPIKey)
	}

	res, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read ocr response: %w", err)
	}
	switch {
	case res.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: ocr service rejected document", services.ErrIllegibleDocument)
	case res.StatusCode >= 400:
		var e errorResponse
		_ = json.Unmarshal(body, &e)
		return nil, fmt.Errorf("ocr service returned status %d: %s", res.StatusCode, e.Error)
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode ocr response: %w", err)
	}
	return &out, nil
}

func lineFor(lines []Line, value string) (Line, bool) {
	for _, l := range lines {
		if strings.Contains(services.NormalizeText(l.Text), value) {
			return l, true
		}
	}
	return Line{}, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
