package services

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"academia-validator/storage"
)

// newTestDB öffnet eine In-Memory-SQLite-Datenbank pro Test und migriert das Schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

var certificateLines = []string{
	"Jharkhand University of Technology",
	"Certificate No: CERT845291",
	"Name: Aarav Sharma",
	"Roll No: 21CS045",
	"Course: Bachelor of Technology Computer Science",
	"CGPA: 8.7",
	"Date of Issue: 2024-06-30",
}

// buildPDF erzeugt ein minimales unkomprimiertes PDF mit einer Textzeile pro Eintrag.
func buildPDF(info string, lines []string) []byte {
	var content strings.Builder
	content.WriteString("BT /F1 12 Tf 72 720 Td ")
	for i, l := range lines {
		if i > 0 {
			content.WriteString("0 -20 Td ")
		}
		content.WriteString("(" + l + ") Tj ")
	}
	content.WriteString("ET")

	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	b.WriteString("1 0 obj\n<< " + info + " >>\nendobj\n")
	b.WriteString("2 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")
	fmt.Fprintf(&b, "3 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", content.Len(), content.String())
	b.WriteString("trailer\n<< /Info 1 0 R >>\n%%EOF\n")
	return b.Bytes()
}

const defaultPDFInfo = "/Producer (Registrar Office) /CreationDate (D:20240630120000)"

func certificatePDF() []byte {
	return buildPDF(defaultPDFInfo, certificateLines)
}

// pngChunk baut einen PNG-Chunk mit korrekter CRC.
func pngChunk(typ string, body []byte) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, uint32(len(body)))
	b.WriteString(typ)
	b.Write(body)
	binary.Write(&b, binary.BigEndian, crc32.ChecksumIEEE(append([]byte(typ), body...)))
	return b.Bytes()
}

// buildPNG erzeugt ein einfarbiges Bild und fügt tEXt-Chunks (Schlüssel, Wert) hinter IHDR ein.
func buildPNG(t *testing.T, w, h int, text ...string) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	data := buf.Bytes()

	// Signatur (8) + IHDR (4+4+13+4)
	const ihdrEnd = 33
	var out bytes.Buffer
	out.Write(data[:ihdrEnd])
	for i := 0; i+1 < len(text); i += 2 {
		out.Write(pngChunk("tEXt", []byte(text[i]+"\x00"+text[i+1])))
	}
	out.Write(data[ihdrEnd:])
	return out.Bytes()
}
