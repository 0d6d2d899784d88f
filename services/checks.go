package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"sort"
	"strings"
	"time"

	"academia-validator/models"
)

// maxDecodePixels begrenzt die Bildgröße für die Pixelanalyse (40 MP).
const maxDecodePixels = 40_000_000

const (
	tileSize  = 64
	blockSize = 8
)

// checkResult ist das Ergebnis einer einzelnen Teilprüfung.
type checkResult struct {
	Score float64
	Notes []string
}

func (r *checkResult) penalize(points float64, note string) {
	r.Score -= points
	r.Notes = append(r.Notes, note)
}

func (r *checkResult) clamp() checkResult {
	r.Score = math.Max(0, math.Min(100, r.Score))
	return *r
}

// ---------------------------------------------------------------------------
// Schriftkonsistenz

func checkFontConsistency(rec *models.ExtractedRecord, meta docMetadata) checkResult {
	res := checkResult{Score: 100}

	fontRuns := map[string]int{}
	var runCount int
	if rec != nil {
		for _, r := range rec.Runs {
			if r.Font == "" {
				continue
			}
			fontRuns[r.Font]++
			runCount++
		}
	}

	var sizes []float64
	if rec != nil {
		for _, f := range rec.Fields {
			if f.Size > 0 {
				sizes = append(sizes, f.Size)
			}
		}
	}

	if runCount == 0 && len(sizes) == 0 && len(meta.BaseFonts) == 0 {
		res.Notes = append(res.Notes, "no glyph metrics available")
		return res
	}

	distinct := len(fontRuns)
	if len(meta.BaseFonts) > distinct {
		distinct = len(meta.BaseFonts)
	}
	if distinct > 3 {
		res.penalize(math.Min(30, float64(distinct-3)*10),
			fmt.Sprintf("%d distinct fonts in use", distinct))
	}

	if rec != nil && runCount > 1 {
		for _, name := range models.IdentityFields {
			f, ok := rec.Fields[name]
			if !ok || f.Font == "" {
				continue
			}
			if fontRuns[f.Font] == 1 {
				res.penalize(15, fmt.Sprintf("%s is set in font %s used nowhere else", name, f.Font))
			}
		}
	}

	if len(sizes) >= 3 {
		med := median(sizes)
		for _, name := range sortedFieldNames(rec.Fields) {
			f := rec.Fields[name]
			if f.Size <= 0 || med == 0 {
				continue
			}
			if dev := math.Abs(f.Size-med) / med; dev > 0.25 {
				res.penalize(20, fmt.Sprintf("%s size %.1f deviates %.0f%% from median %.1f", name, f.Size, dev*100, med))
			}
		}
	}
	return res.clamp()
}

// ---------------------------------------------------------------------------
// Pixelanalyse

func checkPixels(ctx context.Context, doc *models.SubmittedDocument, meta docMetadata) (checkResult, error) {
	res := checkResult{Score: 100}
	if doc.IsPDF() {
		if n := meta.ImagesAfterFirstEOF; n > 0 {
			res.penalize(math.Min(100, float64(n)*30), fmt.Sprintf("%d image object(s) added in an incremental update", n))
		}
		return res.clamp(), nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(doc.RawBytes))
	if err != nil {
		res.Notes = append(res.Notes, "image header not decodable")
		return res, nil
	}
	if cfg.Width*cfg.Height > maxDecodePixels {
		res.Notes = append(res.Notes, fmt.Sprintf("image %dx%d too large for pixel analysis", cfg.Width, cfg.Height))
		return res, nil
	}
	img, _, err := image.Decode(bytes.NewReader(doc.RawBytes))
	if err != nil {
		res.penalize(20, "image data is corrupt")
		return res.clamp(), nil
	}

	ratios, err := tileBlockiness(ctx, img)
	if err != nil {
		return res, err
	}
	if len(ratios) < 4 {
		res.Notes = append(res.Notes, "image too small for tile comparison")
		return res, nil
	}

	outliers := blockinessOutliers(ratios)
	if outliers > 0 {
		frac := float64(outliers) / float64(len(ratios))
		res.penalize(math.Min(100, frac*400),
			fmt.Sprintf("%d of %d tiles show compression artefacts unlike the rest of the image", outliers, len(ratios)))
	}
	return res.clamp(), nil
}

// tileBlockiness berechnet pro 64x64-Kachel das Verhältnis der Gradienten an 8x8-Blockgrenzen
// zu den Gradienten innerhalb der Blöcke.
func tileBlockiness(ctx context.Context, img image.Image) ([]float64, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	gray := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			gray[y*w+x] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257
		}
	}

	var ratios []float64
	for ty := 0; ty+tileSize <= h; ty += tileSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for tx := 0; tx+tileSize <= w; tx += tileSize {
			var edge, inner float64
			var nEdge, nInner int
			for y := ty; y < ty+tileSize; y++ {
				for x := tx; x < tx+tileSize; x++ {
					if x+1 < w {
						d := math.Abs(gray[y*w+x+1] - gray[y*w+x])
						if x%blockSize == blockSize-1 {
							edge += d
							nEdge++
						} else {
							inner += d
							nInner++
						}
					}
					if y+1 < h {
						d := math.Abs(gray[(y+1)*w+x] - gray[y*w+x])
						if y%blockSize == blockSize-1 {
							edge += d
							nEdge++
						} else {
							inner += d
							nInner++
						}
					}
				}
			}
			if nEdge == 0 || nInner == 0 {
				continue
			}
			ratios = append(ratios, (edge/float64(nEdge)+1)/(inner/float64(nInner)+1))
		}
	}
	return ratios, nil
}

// blockinessOutliers zählt Kacheln, die mehr als drei MADs vom Median abweichen.
func blockinessOutliers(ratios []float64) int {
	med := median(ratios)
	dev := make([]float64, len(ratios))
	for i, r := range ratios {
		dev[i] = math.Abs(r - med)
	}
	limit := 3 * math.Max(median(dev), 0.05)
	var n int
	for _, d := range dev {
		if d > limit {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Metadaten

// editorSignatures sind Werkzeuge, die bei ausgestellten Zertifikaten nicht im Producer stehen sollten.
var editorSignatures = []string{
	"photoshop", "gimp", "paint.net", "pixlr", "snapseed", "canva",
	"ilovepdf", "smallpdf", "sejda", "pdfescape", "pdf-xchange editor", "foxit phantompdf",
}

// allowedClockSkew toleriert abweichende Uhren beim Vergleich mit dem Eingangszeitpunkt.
const allowedClockSkew = 5 * time.Minute

func checkMetadata(doc *models.SubmittedDocument, meta docMetadata) checkResult {
	res := checkResult{Score: 100}

	tools := append([]string{meta.Producer, meta.Creator}, meta.Software...)
	if tool := matchEditor(tools); tool != "" {
		res.penalize(35, fmt.Sprintf("produced or saved with editing tool %q", tool))
	}
	if meta.HasPhotoshopIRB {
		res.penalize(25, "Photoshop resource block embedded")
	}

	if !meta.CreatedAt.IsZero() && !meta.ModifiedAt.IsZero() && meta.ModifiedAt.Sub(meta.CreatedAt) > 24*time.Hour {
		res.penalize(20, fmt.Sprintf("modified %s after creation", meta.ModifiedAt.Sub(meta.CreatedAt).Round(time.Hour)))
	}
	if !meta.CreatedAt.IsZero() && !doc.ReceivedAt.IsZero() && meta.CreatedAt.After(doc.ReceivedAt.Add(allowedClockSkew)) {
		res.penalize(30, "creation date lies after submission")
	}

	// Eine Signatur bringt legitim genau ein inkrementelles Update mit.
	updates := meta.EOFMarkers - 1
	if meta.Signature != nil {
		updates--
	}
	if updates > 0 {
		res.penalize(math.Min(30, float64(updates)*15), fmt.Sprintf("%d incremental update(s) after initial save", updates))
	}

	if meta.Producer == "" && meta.Creator == "" && len(meta.Software) == 0 && meta.CreatedAt.IsZero() && meta.ModifiedAt.IsZero() {
		res.Notes = append(res.Notes, "no embedded metadata")
	}
	return res.clamp()
}

func matchEditor(tools []string) string {
	for _, t := range tools {
		lt := strings.ToLower(t)
		for _, sig := range editorSignatures {
			if strings.Contains(lt, sig) {
				return strings.TrimSpace(t)
			}
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// Signatur

const unsignedScore = 70

func checkSignature(doc *models.SubmittedDocument, meta docMetadata) checkResult {
	sig := meta.Signature
	if sig == nil {
		return checkResult{Score: unsignedScore, Notes: []string{"no embedded digital signature"}}
	}
	br := sig.ByteRange
	size := int64(len(doc.RawBytes))
	switch {
	case br[0] != 0 || br[1] <= 0 || br[2] < br[1] || br[3] <= 0 || br[2]+br[3] > size:
		return checkResult{Score: 20, Notes: []string{"signature byte range is malformed"}}
	case br[2]+br[3] < size:
		return checkResult{Score: 35, Notes: []string{fmt.Sprintf("%d bytes appended after the signed range", size-br[2]-br[3])}}
	}
	note := "signature covers the whole document"
	if sig.SubFilter != "" {
		note += " (" + sig.SubFilter + ")"
	}
	return checkResult{Score: 100, Notes: []string{note}}
}

// ---------------------------------------------------------------------------

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}

func sortedFieldNames(fields map[models.FieldName]models.ExtractedField) []models.FieldName {
	out := make([]models.FieldName, 0, len(fields))
	for k := range fields {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
