package services

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"academia-validator/models"
)

func mustParse(t *testing.T, data []byte, mime string) *parsedDocument {
	t.Helper()
	doc, err := parseDocument(context.Background(), data, mime)
	if err != nil {
		t.Fatalf("parseDocument() error = %v", err)
	}
	return doc
}

func deflate(data []byte) []byte {
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	zw.Write(data)
	zw.Close()
	return z.Bytes()
}

// flatePDF baut ein PDF aus count identischen Flate-Streams.
func flatePDF(compressed []byte, count int) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.5\n")
	for i := 0; i < count; i++ {
		fmt.Fprintf(&b, "%d 0 obj\n<< /Length %d /Filter /FlateDecode >>\nstream\n", i+4, len(compressed))
		b.Write(compressed)
		b.WriteString("\nendstream\nendobj\n")
	}
	b.WriteString("%%EOF\n")
	return b.Bytes()
}

func TestParsePDFTextLayer(t *testing.T) {
	doc := mustParse(t, certificatePDF(), models.MimePDF)

	if !reflect.DeepEqual(doc.Lines, certificateLines) {
		t.Fatalf("Lines = %q, want %q", doc.Lines, certificateLines)
	}
	for _, r := range doc.Runs {
		if r.Font != "F1" || r.Size != 12 {
			t.Errorf("run %q has font %q size %v, want F1 12", r.Text, r.Font, r.Size)
		}
	}
	meta := doc.Meta
	if meta.Producer != "Registrar Office" {
		t.Errorf("Producer = %q", meta.Producer)
	}
	if want := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC); !meta.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", meta.CreatedAt, want)
	}
	if meta.EOFMarkers != 1 {
		t.Errorf("EOFMarkers = %d, want 1", meta.EOFMarkers)
	}
	if !reflect.DeepEqual(meta.BaseFonts, []string{"Helvetica"}) {
		t.Errorf("BaseFonts = %v", meta.BaseFonts)
	}
	if meta.Signature != nil {
		t.Errorf("unexpected signature %+v", meta.Signature)
	}
}

func TestParsePDFFlateStream(t *testing.T) {
	content := "BT /F2 10 Tf 1 0 0 2 50 700 Tm (Roll No: 21CS045) Tj ET"
	doc := mustParse(t, flatePDF(deflate([]byte(content)), 1), models.MimePDF)
	if len(doc.Runs) != 1 {
		t.Fatalf("Runs = %+v, want one run", doc.Runs)
	}
	run := doc.Runs[0]
	if run.Text != "Roll No: 21CS045" || run.Font != "F2" || run.Size != 20 {
		t.Errorf("run = %+v, want text with font F2 and effective size 20", run)
	}
}

func TestParsePDFIncrementalUpdate(t *testing.T) {
	base := certificatePDF()
	var b bytes.Buffer
	b.Write(base)
	b.WriteString("5 0 obj\n<< /Type /XObject /Subtype /Image /Width 10 /Height 10 /Filter /DCTDecode >>\nstream\n\xff\xd8\xff\nendstream\nendobj\n")
	b.WriteString("1 0 obj\n<< /Producer (iLovePDF) /ModDate (D:20250101000000) >>\nendobj\n%%EOF\n")

	meta := mustParse(t, b.Bytes(), models.MimePDF).Meta
	if meta.EOFMarkers != 2 {
		t.Errorf("EOFMarkers = %d, want 2", meta.EOFMarkers)
	}
	if meta.ImagesAfterFirstEOF != 1 {
		t.Errorf("ImagesAfterFirstEOF = %d, want 1", meta.ImagesAfterFirstEOF)
	}
	if meta.Producer != "iLovePDF" {
		t.Errorf("Producer = %q, want the most recent value", meta.Producer)
	}
	if meta.ModifiedAt.Year() != 2025 {
		t.Errorf("ModifiedAt = %v", meta.ModifiedAt)
	}
}

func TestParsePDFSignature(t *testing.T) {
	data := []byte("%PDF-1.7\n1 0 obj\n<< /Type /Sig /Filter /Adobe.PPKLite /SubFilter /adbe.pkcs7.detached /ByteRange [0 100 200 300] >>\nendobj\n%%EOF\n")
	sig := mustParse(t, data, models.MimePDF).Meta.Signature
	if sig == nil {
		t.Fatal("signature not detected")
	}
	if sig.ByteRange != [4]int64{0, 100, 200, 300} {
		t.Errorf("ByteRange = %v", sig.ByteRange)
	}
	if sig.SubFilter != "adbe.pkcs7.detached" {
		t.Errorf("SubFilter = %q", sig.SubFilter)
	}
}

func TestPDFLiteralDecoding(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`Name\: A\(B\)`, "Name: A(B)"},
		{`line\nbreak`, "line\nbreak"},
		{`\101\102C`, "ABC"},
		{"caf\xe9", "café"},
	}
	for _, tt := range tests {
		if got := decodePDFLiteral([]byte(tt.raw)); got != tt.want {
			t.Errorf("decodePDFLiteral(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
	if got := decodePDFText([]byte{0xfe, 0xff, 0x00, 'O', 0x00, 'K'}); got != "OK" {
		t.Errorf("UTF-16 text = %q", got)
	}
}

func TestParsePNGTextChunks(t *testing.T) {
	data := buildPNG(t, 8, 8,
		"Certificate", "Certificate No: CERT845291\nName: Aarav Sharma",
		"Software", "GIMP 2.10",
		"Creation Time", "2024-06-30T12:00:00Z",
	)
	doc := mustParse(t, data, models.MimePNG)

	want := []string{"Certificate No: CERT845291", "Name: Aarav Sharma"}
	if !reflect.DeepEqual(doc.Lines, want) {
		t.Errorf("Lines = %q, want %q", doc.Lines, want)
	}
	if !reflect.DeepEqual(doc.Meta.Software, []string{"GIMP 2.10"}) {
		t.Errorf("Software = %v", doc.Meta.Software)
	}
	if doc.Meta.CreatedAt.Year() != 2024 {
		t.Errorf("CreatedAt = %v", doc.Meta.CreatedAt)
	}
}

func jpegSegment(marker byte, body string) []byte {
	n := len(body) + 2
	return append([]byte{0xff, marker, byte(n >> 8), byte(n)}, body...)
}

type tiffEntry struct {
	tag   uint16
	value string
}

// buildTIFF erzeugt einen Little-Endian-TIFF-Block mit einer IFD aus ASCII-Tags.
// next ist der Offset der Folge-IFD, 0 beendet die Kette.
func buildTIFF(entries []tiffEntry, next uint32) []byte {
	le := binary.LittleEndian
	ifdSize := 2 + 12*len(entries) + 4
	valueOff := 8 + ifdSize

	b := []byte{'I', 'I', 42, 0, 8, 0, 0, 0}
	b = le.AppendUint16(b, uint16(len(entries)))
	var values []byte
	for _, e := range entries {
		v := e.value + "\x00"
		b = le.AppendUint16(b, e.tag)
		b = le.AppendUint16(b, 2) // ASCII
		b = le.AppendUint32(b, uint32(len(v)))
		b = le.AppendUint32(b, uint32(valueOff+len(values)))
		values = append(values, v...)
	}
	b = le.AppendUint32(b, next)
	return append(b, values...)
}

func TestParseJPEGSegments(t *testing.T) {
	exifBlock := buildTIFF([]tiffEntry{
		{0x0131, "Adobe Photoshop CC 2019 (Windows)"},
		{0x0132, "2025:01:02 03:04:05"},
	}, 0)
	var b bytes.Buffer
	b.Write([]byte{0xff, 0xd8})
	b.Write(jpegSegment(0xfe, "Roll No: 21CS045"))
	b.Write(jpegSegment(0xe1, "Exif\x00\x00"+string(exifBlock)))
	b.Write(jpegSegment(0xed, "Photoshop 3.0\x008BIM"))
	b.Write(jpegSegment(0xda, "\x00"))

	doc := mustParse(t, b.Bytes(), models.MimeJPEG)
	if !reflect.DeepEqual(doc.Lines, []string{"Roll No: 21CS045"}) {
		t.Errorf("Lines = %q", doc.Lines)
	}
	if len(doc.Meta.Software) != 1 || doc.Meta.Software[0] != "Adobe Photoshop CC 2019 (Windows)" {
		t.Errorf("Software = %q", doc.Meta.Software)
	}
	if want := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC); !doc.Meta.ModifiedAt.Equal(want) {
		t.Errorf("ModifiedAt = %v, want %v", doc.Meta.ModifiedAt, want)
	}
	if !doc.Meta.HasPhotoshopIRB {
		t.Error("Photoshop resource block not detected")
	}
}

func TestParseJPEGMalformedExif(t *testing.T) {
	cyclic := buildTIFF([]tiffEntry{{0x0131, "GIMP 2.10"}}, 8)
	// zweite IFD direkt hinter den Werten, die zurück auf die erste zeigt
	second := uint32(len(cyclic))
	cyclic = binary.LittleEndian.AppendUint16(cyclic, 0)
	cyclic = binary.LittleEndian.AppendUint32(cyclic, 8)
	binary.LittleEndian.PutUint32(cyclic[8+2+12:], second)

	tests := []struct {
		name string
		body string
	}{
		{"ifd cycle", "Exif\x00\x00" + string(cyclic)},
		{"self reference", "Exif\x00\x00" + string(buildTIFF([]tiffEntry{{0x0131, "GIMP 2.10"}}, 8))},
		{"truncated", "Exif\x00\x00II*\x00\x08\x00\x00\x00\x05\x00"},
		{"not tiff", "Exif\x00\x00Adobe Photoshop CC 2019\x00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b bytes.Buffer
			b.Write([]byte{0xff, 0xd8})
			b.Write(jpegSegment(0xe1, tt.body))
			b.Write(jpegSegment(0xfe, "Roll No: 21CS045"))
			b.Write(jpegSegment(0xda, "\x00"))

			doc := mustParse(t, b.Bytes(), models.MimeJPEG)
			if len(doc.Meta.Software) != 0 {
				t.Errorf("Software = %q, want nothing from a broken Exif block", doc.Meta.Software)
			}
			if !reflect.DeepEqual(doc.Lines, []string{"Roll No: 21CS045"}) {
				t.Errorf("segments after the Exif block must still be read, Lines = %q", doc.Lines)
			}
		})
	}
}

func TestPDFArrayNesting(t *testing.T) {
	t.Run("nested TJ array keeps the top level", func(t *testing.T) {
		doc := mustParse(t, flatePDF(deflate([]byte("BT /F1 12 Tf [(Roll ) [(x)] (No: 21CS045)] TJ ET")), 1), models.MimePDF)
		if len(doc.Runs) != 1 || doc.Runs[0].Text != "Roll No: 21CS045" {
			t.Errorf("Runs = %+v", doc.Runs)
		}
	})

	t.Run("deep nesting makes the document unreadable", func(t *testing.T) {
		var b bytes.Buffer
		b.WriteString("%PDF-1.4\n1 0 obj\n<< /Length 0 >>\nstream\nBT ")
		b.WriteString(strings.Repeat("[", 9<<20))
		b.WriteString("\nendstream\nendobj\n%%EOF\n")

		_, err := parseDocument(context.Background(), b.Bytes(), models.MimePDF)
		if !errors.Is(err, ErrIllegibleDocument) {
			t.Fatalf("parseDocument() error = %v, want ErrIllegibleDocument", err)
		}
	})

	t.Run("nesting at the limit is accepted", func(t *testing.T) {
		content := "BT /F1 12 Tf [(Roll No: 21CS045) " + strings.Repeat("[", maxArrayDepth-1) + strings.Repeat("]", maxArrayDepth) + " TJ ET"
		doc := mustParse(t, flatePDF(deflate([]byte(content)), 1), models.MimePDF)
		if len(doc.Runs) != 1 {
			t.Errorf("Runs = %+v", doc.Runs)
		}
	})
}

func TestParsePDFInflateBudget(t *testing.T) {
	spaces := deflate(bytes.Repeat([]byte{' '}, maxInflatedStream))

	t.Run("many large streams exhaust the budget", func(t *testing.T) {
		p := &docParser{ctx: context.Background()}
		_, err := p.parsePDF(flatePDF(spaces, 100))
		if !errors.Is(err, ErrIllegibleDocument) {
			t.Fatalf("parsePDF() error = %v, want ErrIllegibleDocument", err)
		}
		if p.inflated > maxInflatedTotal {
			t.Errorf("inflated %d bytes, budget is %d", p.inflated, maxInflatedTotal)
		}
	})

	t.Run("streams within the budget are read", func(t *testing.T) {
		p := &docParser{ctx: context.Background()}
		if _, err := p.parsePDF(flatePDF(spaces, maxInflatedTotal/maxInflatedStream)); err != nil {
			t.Fatalf("parsePDF() error = %v", err)
		}
		if p.inflated != maxInflatedTotal {
			t.Errorf("inflated = %d, want %d", p.inflated, maxInflatedTotal)
		}
	})

	t.Run("oversized single stream is truncated", func(t *testing.T) {
		p := &docParser{ctx: context.Background()}
		big := deflate(bytes.Repeat([]byte{' '}, maxInflatedStream+1024))
		if _, err := p.parsePDF(flatePDF(big, 1)); err != nil {
			t.Fatalf("parsePDF() error = %v", err)
		}
		if p.inflated != maxInflatedStream {
			t.Errorf("inflated = %d, want %d", p.inflated, maxInflatedStream)
		}
	})
}

func TestParseDocumentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, mime := range []string{models.MimePDF, models.MimePNG, models.MimeJPEG} {
		if _, err := parseDocument(ctx, certificatePDF(), mime); !errors.Is(err, context.Canceled) {
			t.Errorf("%s: parseDocument() error = %v, want context.Canceled", mime, err)
		}
	}
}

func TestParseSubmittedCache(t *testing.T) {
	doc := pdfDocument("doc-1", certificatePDF())

	ctx := withParseCache(context.Background())
	first, err := parseSubmitted(ctx, doc)
	if err != nil {
		t.Fatal(err)
	}
	second, err := parseSubmitted(ctx, doc)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("document parsed twice within one verification")
	}

	other, err := parseSubmitted(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	if other == first {
		t.Error("parse result leaked outside the verification context")
	}
}

func TestParseDocumentUnknownType(t *testing.T) {
	doc := mustParse(t, []byte("irrelevant"), "text/plain")
	if len(doc.Lines) != 0 || len(doc.Runs) != 0 {
		t.Fatalf("unexpected content %+v", doc)
	}
}
