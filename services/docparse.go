package services

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rwcarlsen/goexif/exif"

	"academia-validator/models"
)

const (
	// maxInflatedStream begrenzt einen einzelnen entpackten Stream, maxInflatedTotal alle Streams eines Dokuments.
	maxInflatedStream = 8 << 20
	maxInflatedTotal  = 32 << 20

	maxArrayDepth = 64
	maxArrayLen   = 4096
	maxOperands   = 64
	maxTIFFDirs   = 16

	// ctxCheckTokens: alle so viele Tokens wird der Kontext geprüft.
	ctxCheckTokens = 4096
)

// errDocumentTooComplex markiert Dokumente, deren Struktur die Parser-Grenzen sprengt. Sie gelten als unleserlich.
var errDocumentTooComplex = fmt.Errorf("%w: document structure exceeds parser limits", ErrIllegibleDocument)

var (
	pdfProducerRE  = regexp.MustCompile(`/Producer\s*\(((?:\\.|[^\\)])*)\)`)
	pdfCreatorRE   = regexp.MustCompile(`/Creator\s*\(((?:\\.|[^\\)])*)\)`)
	pdfCreationRE  = regexp.MustCompile(`/CreationDate\s*\(D:(\d{4,14})`)
	pdfModRE       = regexp.MustCompile(`/ModDate\s*\(D:(\d{4,14})`)
	pdfByteRangeRE = regexp.MustCompile(`/ByteRange\s*\[\s*(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s*\]`)
	pdfImageRE     = regexp.MustCompile(`/Subtype\s*/Image`)
	pdfFontRE      = regexp.MustCompile(`/BaseFont\s*/([A-Za-z0-9+_,.-]+)`)
	pdfStreamRE    = regexp.MustCompile(`stream\r?\n`)
	pdfSubFilterRE = regexp.MustCompile(`/SubFilter\s*/([A-Za-z0-9.]+)`)
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// signatureInfo beschreibt ein eingebettetes PDF-Signaturfeld.
type signatureInfo struct {
	ByteRange [4]int64
	SubFilter string
}

// docMetadata fasst alles zusammen, was Textlayer und Metadaten über ein Dokument verraten.
type docMetadata struct {
	Producer   string
	Creator    string
	Software   []string
	CreatedAt  time.Time
	ModifiedAt time.Time

	// PDF-spezifisch
	EOFMarkers          int
	ImagesAfterFirstEOF int
	BaseFonts           []string
	Signature           *signatureInfo

	// JPEG-spezifisch
	HasPhotoshopIRB bool
}

// parsedDocument ist das Ergebnis des Parsens eines Dokuments.
type parsedDocument struct {
	Runs  []models.TextRun
	Lines []string
	Meta  docMetadata
}

// docParser hält den Zustand eines Parse-Vorgangs: Kontext und verbrauchtes Entpack-Budget.
type docParser struct {
	ctx      context.Context
	inflated int
}

// parseDocument zerlegt ein Dokument anhand seines MIME-Typs.
// Fehler sind entweder ctx.Err() oder errDocumentTooComplex.
func parseDocument(ctx context.Context, data []byte, mime string) (*parsedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := &docParser{ctx: ctx}
	switch mime {
	case models.MimePDF:
		return p.parsePDF(data)
	case models.MimePNG:
		return p.parsePNG(data)
	case models.MimeJPEG:
		return parseJPEG(data), nil
	}
	return &parsedDocument{}, nil
}

type parseCacheKey struct{}

// parseCache hält das Parse-Ergebnis für die Dauer eines Verify-Aufrufs, damit Extraktion und Analyse nur einmal parsen.
type parseCache struct {
	mu     sync.Mutex
	doc    *models.SubmittedDocument
	parsed *parsedDocument
}

func withParseCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, parseCacheKey{}, &parseCache{})
}

// parseSubmitted parst doc, im Kontext eines Verify-Aufrufs höchstens einmal.
func parseSubmitted(ctx context.Context, doc *models.SubmittedDocument) (*parsedDocument, error) {
	c, _ := ctx.Value(parseCacheKey{}).(*parseCache)
	if c == nil {
		return parseDocument(ctx, doc.RawBytes, doc.MimeType)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == doc {
		return c.parsed, nil
	}
	parsed, err := parseDocument(ctx, doc.RawBytes, doc.MimeType)
	if err != nil {
		return nil, err
	}
	c.doc, c.parsed = doc, parsed
	return parsed, nil
}

// ---------------------------------------------------------------------------
// PDF

func (p *docParser) parsePDF(data []byte) (*parsedDocument, error) {
	doc := &parsedDocument{}
	meta := &doc.Meta

	if m := lastSubmatch(pdfProducerRE, data); m != "" {
		meta.Producer = decodePDFLiteral([]byte(m))
	}
	if m := lastSubmatch(pdfCreatorRE, data); m != "" {
		meta.Creator = decodePDFLiteral([]byte(m))
	}
	if m := lastSubmatch(pdfCreationRE, data); m != "" {
		meta.CreatedAt = parsePDFDate(m)
	}
	if m := lastSubmatch(pdfModRE, data); m != "" {
		meta.ModifiedAt = parsePDFDate(m)
	}

	eofs := allIndexes(data, []byte("%%EOF"))
	meta.EOFMarkers = len(eofs)
	if len(eofs) > 1 {
		first := eofs[0]
		for _, loc := range pdfImageRE.FindAllIndex(data, -1) {
			if loc[0] > first {
				meta.ImagesAfterFirstEOF++
			}
		}
	}

	seen := map[string]bool{}
	for _, m := range pdfFontRE.FindAllSubmatch(data, -1) {
		name := string(m[1])
		if i := strings.IndexByte(name, '+'); i == 6 {
			name = name[i+1:] // Subset-Präfix "ABCDEF+"
		}
		if !seen[name] {
			seen[name] = true
			meta.BaseFonts = append(meta.BaseFonts, name)
		}
	}
	sort.Strings(meta.BaseFonts)

	if m := pdfByteRangeRE.FindSubmatch(data); m != nil {
		sig := &signatureInfo{}
		for i := 0; i < 4; i++ {
			sig.ByteRange[i], _ = strconv.ParseInt(string(m[i+1]), 10, 64)
		}
		if sf := pdfSubFilterRE.FindSubmatch(data); sf != nil {
			sig.SubFilter = string(sf[1])
		}
		meta.Signature = sig
	}

	line := 0
	err := p.contentStreams(data, func(content []byte) error {
		runs, next, err := p.parseContentStream(content, line)
		if err != nil {
			return err
		}
		doc.Runs = append(doc.Runs, runs...)
		line = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	doc.Lines = runsToLines(doc.Runs)
	return doc, nil
}

// contentStreams ruft fn für jeden Stream ohne Bildinhalt auf, bei Bedarf Flate-dekodiert.
// Entpackte Streams werden nicht gesammelt; nach fn sind sie wieder freigegeben.
func (p *docParser) contentStreams(data []byte, fn func([]byte) error) error {
	next := 0
	for _, loc := range pdfStreamRE.FindAllIndex(data, -1) {
		if err := p.ctx.Err(); err != nil {
			return err
		}
		if loc[0] < next || (loc[0] >= 3 && string(data[loc[0]-3:loc[0]]) == "end") {
			continue
		}
		start := loc[1]
		end := bytes.Index(data[start:], []byte("endstream"))
		if end < 0 {
			break
		}
		next = start + end
		body := data[start : start+end]

		dictStart := loc[0] - 512
		if dictStart < 0 {
			dictStart = 0
		}
		dict := data[dictStart:loc[0]]
		if i := bytes.LastIndex(dict, []byte("obj")); i >= 0 {
			dict = dict[i:]
		}
		if pdfImageRE.Match(dict) || bytes.Contains(dict, []byte("/XRef")) || bytes.Contains(dict, []byte("/ObjStm")) {
			continue
		}
		if bytes.Contains(dict, []byte("/FlateDecode")) {
			inflated, err := p.inflate(body)
			if errors.Is(err, errDocumentTooComplex) {
				return err
			}
			if err != nil {
				continue
			}
			body = inflated
		} else if bytes.Contains(dict, []byte("/Filter")) {
			continue // andere Filter (DCT, LZW, ...) tragen keinen Text
		}
		if err := fn(body); err != nil {
			return err
		}
	}
	return nil
}

// inflate entpackt zlib-Daten. Ein einzelner Stream wird bei maxInflatedStream abgeschnitten,
// das Überschreiten von maxInflatedTotal macht das ganze Dokument unlesbar.
func (p *docParser) inflate(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	limit := maxInflatedStream
	budget := maxInflatedTotal - p.inflated
	capped := budget <= limit
	if capped {
		limit = budget
	}
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if len(out) > limit {
		if capped {
			p.inflated = maxInflatedTotal
			return nil, errDocumentTooComplex
		}
		out, err = out[:limit], nil
	}
	p.inflated += len(out)
	return out, err
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokName
	tokArray
	tokOperator
	tokOther
)

type pdfToken struct {
	kind tokenKind
	str  string
	num  float64
	arr  []pdfToken
}

// parseContentStream wertet Text-Operatoren aus und liefert Runs mit Schrift und Größe.
func (p *docParser) parseContentStream(b []byte, firstLine int) ([]models.TextRun, int, error) {
	var (
		runs     []models.TextRun
		operands []pdfToken
		font     string
		size     float64
		scale    = 1.0
		line     = firstLine
		lastY    = 0.0
		inText   bool
		hasRun   bool
	)
	newLine := func() {
		if hasRun {
			line++
			hasRun = false
		}
	}
	emit := func(text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		runs = append(runs, models.TextRun{Text: text, Font: font, Size: size * scale, Line: line})
		hasRun = true
	}

	lx := &pdfLexer{buf: b}
	for n := 1; ; n++ {
		if n%ctxCheckTokens == 0 {
			if err := p.ctx.Err(); err != nil {
				return nil, 0, err
			}
		}
		tok, ok := lx.next()
		if !ok {
			break
		}
		if tok.kind != tokOperator {
			// Text-Operatoren brauchen höchstens sechs Operanden
			if len(operands) >= maxOperands {
				operands = append(operands[:0], operands[len(operands)-8:]...)
			}
			operands = append(operands, tok)
			continue
		}
		switch tok.str {
		case "BT":
			inText = true
		case "ET":
			inText = false
			newLine()
		case "Tf":
			if n := len(operands); n >= 2 && operands[n-2].kind == tokName {
				font = operands[n-2].str
				size = operands[n-1].num
			}
		case "Td", "TD":
			if n := len(operands); n >= 2 && operands[n-1].num != 0 {
				newLine()
			}
		case "Tm":
			if n := len(operands); n >= 6 {
				y := operands[n-1].num
				if y != lastY {
					newLine()
				}
				lastY = y
				// vertikale Skalierung der Textmatrix ergibt mit Tf die effektive Größe
				if d := operands[n-3].num; d > 0 {
					scale = d
				}
			}
		case "T*":
			newLine()
		case "Tj":
			if inText && len(operands) > 0 {
				emit(operands[len(operands)-1].str)
			}
		case "'", "\"":
			newLine()
			if inText && len(operands) > 0 {
				emit(operands[len(operands)-1].str)
			}
		case "TJ":
			if inText && len(operands) > 0 && operands[len(operands)-1].kind == tokArray {
				var sb strings.Builder
				for _, el := range operands[len(operands)-1].arr {
					switch el.kind {
					case tokString:
						sb.WriteString(el.str)
					case tokNumber:
						if el.num < -200 {
							sb.WriteByte(' ')
						}
					}
				}
				emit(sb.String())
			}
		}
		operands = operands[:0]
	}
	if lx.err != nil {
		return nil, 0, lx.err
	}
	if hasRun {
		line++
	}
	return runs, line, nil
}

// runsToLines fasst Runs zeilenweise zusammen.
func runsToLines(runs []models.TextRun) []string {
	var lines []string
	current := -1
	var sb strings.Builder
	for _, r := range runs {
		if r.Line != current {
			if sb.Len() > 0 {
				lines = append(lines, sb.String())
				sb.Reset()
			}
			current = r.Line
		} else if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.TrimSpace(r.Text))
	}
	if sb.Len() > 0 {
		lines = append(lines, sb.String())
	}
	return lines
}

type pdfLexer struct {
	buf []byte
	pos int
	err error
}

func isPDFDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return isPDFSpace(c)
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

// next liefert das nächste Token; Arrays werden iterativ zu einem tokArray zusammengefasst.
// Von verschachtelten Arrays bleibt nur die oberste Ebene erhalten, TJ braucht nicht mehr.
func (l *pdfLexer) next() (pdfToken, bool) {
	tok, ok := l.scan()
	if !ok || tok.kind != tokOther || tok.str != "[" {
		return tok, ok
	}
	var arr []pdfToken
	for depth := 1; depth > 0; {
		t, ok := l.scan()
		if !ok {
			break
		}
		switch {
		case t.kind == tokOther && t.str == "[":
			depth++
			if depth > maxArrayDepth {
				l.err = errDocumentTooComplex
				l.pos = len(l.buf)
				return pdfToken{}, false
			}
		case t.kind == tokOther && t.str == "]":
			depth--
		case depth == 1 && len(arr) < maxArrayLen:
			arr = append(arr, t)
		}
	}
	return pdfToken{kind: tokArray, arr: arr}, true
}

func (l *pdfLexer) scan() (pdfToken, bool) {
	for l.pos < len(l.buf) {
		c := l.buf[l.pos]
		switch {
		case isPDFSpace(c):
			l.pos++
		case c == '%':
			for l.pos < len(l.buf) && l.buf[l.pos] != '\n' && l.buf[l.pos] != '\r' {
				l.pos++
			}
		case c == '(':
			return pdfToken{kind: tokString, str: l.literal()}, true
		case c == '<':
			if l.pos+1 < len(l.buf) && l.buf[l.pos+1] == '<' {
				l.pos += 2
				return pdfToken{kind: tokOther, str: "<<"}, true
			}
			return pdfToken{kind: tokString, str: l.hexString()}, true
		case c == '>':
			l.pos++
			if l.pos < len(l.buf) && l.buf[l.pos] == '>' {
				l.pos++
			}
			return pdfToken{kind: tokOther, str: ">>"}, true
		case c == '[' || c == ']':
			l.pos++
			return pdfToken{kind: tokOther, str: string(c)}, true
		case c == '/':
			l.pos++
			start := l.pos
			for l.pos < len(l.buf) && !isPDFDelimiter(l.buf[l.pos]) {
				l.pos++
			}
			return pdfToken{kind: tokName, str: string(l.buf[start:l.pos])}, true
		case c == '{' || c == '}' || c == ')':
			l.pos++
		default:
			start := l.pos
			for l.pos < len(l.buf) && !isPDFDelimiter(l.buf[l.pos]) {
				l.pos++
			}
			word := string(l.buf[start:l.pos])
			if n, err := strconv.ParseFloat(word, 64); err == nil {
				return pdfToken{kind: tokNumber, num: n}, true
			}
			return pdfToken{kind: tokOperator, str: word}, true
		}
	}
	return pdfToken{}, false
}

// literal liest einen (…)-String inklusive Verschachtelung und Escapes.
func (l *pdfLexer) literal() string {
	l.pos++ // '('
	depth := 1
	start := l.pos
	for l.pos < len(l.buf) {
		c := l.buf[l.pos]
		switch c {
		case '\\':
			l.pos += 2
			continue
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				raw := l.buf[start:l.pos]
				l.pos++
				return decodePDFLiteral(raw)
			}
		}
		l.pos++
	}
	return decodePDFLiteral(l.buf[start:])
}

func (l *pdfLexer) hexString() string {
	l.pos++ // '<'
	start := l.pos
	for l.pos < len(l.buf) && l.buf[l.pos] != '>' {
		l.pos++
	}
	raw := bytes.Map(func(r rune) rune {
		if isPDFSpace(byte(r)) {
			return -1
		}
		return r
	}, l.buf[start:l.pos])
	if l.pos < len(l.buf) {
		l.pos++
	}
	if len(raw)%2 == 1 {
		raw = append(raw, '0')
	}
	decoded, err := hex.DecodeString(string(raw))
	if err != nil {
		return ""
	}
	return decodePDFText(decoded)
}

// decodePDFLiteral löst Escape-Sequenzen eines Literal-Strings auf.
func decodePDFLiteral(raw []byte) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 >= len(raw) {
			out = append(out, c)
			continue
		}
		i++
		switch e := raw[i]; e {
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case 'b':
			out = append(out, '\b')
		case 'f':
			out = append(out, '\f')
		case '\r', '\n':
			// Zeilenfortsetzung
		default:
			if e >= '0' && e <= '7' {
				v := 0
				j := 0
				for ; j < 3 && i+j < len(raw) && raw[i+j] >= '0' && raw[i+j] <= '7'; j++ {
					v = v*8 + int(raw[i+j]-'0')
				}
				i += j - 1
				out = append(out, byte(v))
				continue
			}
			out = append(out, e)
		}
	}
	return decodePDFText(out)
}

// decodePDFText behandelt UTF-16BE mit BOM, alles andere gilt als Latin-1.
func decodePDFText(b []byte) string {
	if len(b) >= 2 && b[0] == 0xfe && b[1] == 0xff {
		var sb strings.Builder
		for i := 2; i+1 < len(b); i += 2 {
			sb.WriteRune(rune(binary.BigEndian.Uint16(b[i:])))
		}
		return sb.String()
	}
	rs := make([]rune, len(b))
	for i, c := range b {
		rs[i] = rune(c)
	}
	return string(rs)
}

// parsePDFDate liest "YYYYMMDDHHmmSS" (beliebig gekürzt) als UTC.
func parsePDFDate(s string) time.Time {
	layout := "20060102150405"
	if len(s) < len(layout) {
		layout = layout[:len(s)]
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func lastSubmatch(re *regexp.Regexp, data []byte) string {
	all := re.FindAllSubmatch(data, -1)
	if len(all) == 0 {
		return ""
	}
	return string(all[len(all)-1][1])
}

func allIndexes(data, sep []byte) []int {
	var out []int
	offset := 0
	for {
		i := bytes.Index(data[offset:], sep)
		if i < 0 {
			return out
		}
		out = append(out, offset+i)
		offset += i + len(sep)
	}
}

// ---------------------------------------------------------------------------
// PNG

// pngTextKeys sind tEXt/iTXt-Schlüssel, deren Inhalt als Zertifikatstext gilt.
var pngTextKeys = map[string]bool{
	"Comment":     true,
	"Description": true,
	"Certificate": true,
	"Text":        true,
	"Title":       true,
}

func (p *docParser) parsePNG(data []byte) (*parsedDocument, error) {
	doc := &parsedDocument{}
	if !bytes.HasPrefix(data, pngSignature) {
		return doc, nil
	}
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		if err := p.ctx.Err(); err != nil {
			return nil, err
		}
		length := int(binary.BigEndian.Uint32(data[pos:]))
		typ := string(data[pos+4 : pos+8])
		start := pos + 8
		end := start + length
		if length < 0 || end+4 > len(data) {
			break
		}
		chunk := data[start:end]
		switch typ {
		case "tEXt":
			if key, val, ok := bytes.Cut(chunk, []byte{0}); ok {
				doc.addPNGText(string(key), decodePDFText(val))
			}
		case "zTXt":
			if key, rest, ok := bytes.Cut(chunk, []byte{0}); ok && len(rest) > 1 {
				val, err := p.inflate(rest[1:])
				if errors.Is(err, errDocumentTooComplex) {
					return nil, err
				}
				if err == nil {
					doc.addPNGText(string(key), decodePDFText(val))
				}
			}
		case "iTXt":
			if err := p.parseITXt(doc, chunk); err != nil {
				return nil, err
			}
		case "tIME":
			if len(chunk) == 7 {
				doc.Meta.ModifiedAt = time.Date(int(binary.BigEndian.Uint16(chunk)), time.Month(chunk[2]),
					int(chunk[3]), int(chunk[4]), int(chunk[5]), int(chunk[6]), 0, time.UTC)
			}
		case "IEND":
			pos = len(data)
			continue
		}
		pos = end + 4 // CRC
	}
	return doc, nil
}

func (p *docParser) parseITXt(d *parsedDocument, chunk []byte) error {
	key, rest, ok := bytes.Cut(chunk, []byte{0})
	if !ok || len(rest) < 2 {
		return nil
	}
	compressed := rest[0] == 1
	rest = rest[2:]
	_, rest, ok = bytes.Cut(rest, []byte{0}) // Sprache
	if !ok {
		return nil
	}
	_, text, ok := bytes.Cut(rest, []byte{0}) // übersetztes Keyword
	if !ok {
		return nil
	}
	if compressed {
		inflated, err := p.inflate(text)
		if errors.Is(err, errDocumentTooComplex) {
			return err
		}
		if err != nil {
			return nil
		}
		text = inflated
	}
	d.addPNGText(string(key), string(text))
	return nil
}

func (d *parsedDocument) addPNGText(key, val string) {
	switch key {
	case "Software":
		d.Meta.Software = append(d.Meta.Software, val)
	case "Creation Time":
		if t, err := time.Parse(time.RFC1123Z, val); err == nil {
			d.Meta.CreatedAt = t.UTC()
		} else if t, err := time.Parse(time.RFC3339, val); err == nil {
			d.Meta.CreatedAt = t.UTC()
		}
	case "XML:com.adobe.xmp":
		d.Meta.Software = append(d.Meta.Software, xmpCreatorTool(val)...)
	}
	if pngTextKeys[key] {
		d.Lines = append(d.Lines, splitLines(val)...)
	}
}

// ---------------------------------------------------------------------------
// JPEG

func parseJPEG(data []byte) *parsedDocument {
	doc := &parsedDocument{}
	if len(data) < 4 || data[0] != 0xff || data[1] != 0xd8 {
		return doc
	}
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xff {
			break
		}
		marker := data[pos+1]
		if marker == 0xd8 || (marker >= 0xd0 && marker <= 0xd7) || marker == 0x01 || marker == 0xff {
			pos++
			if marker == 0xff {
				continue
			}
			pos++
			continue
		}
		length := int(binary.BigEndian.Uint16(data[pos+2:]))
		start := pos + 4
		end := pos + 2 + length
		if length < 2 || end > len(data) {
			break
		}
		seg := data[start:end]
		switch marker {
		case 0xfe: // COM
			doc.Lines = append(doc.Lines, splitLines(decodePDFText(seg))...)
		case 0xe1: // APP1: Exif oder XMP
			if bytes.HasPrefix(seg, []byte("Exif\x00\x00")) {
				doc.readExif(seg[6:])
			} else if bytes.HasPrefix(seg, []byte("http://ns.adobe.com/xap/")) {
				doc.Meta.Software = append(doc.Meta.Software, xmpCreatorTool(string(seg))...)
			}
		case 0xed: // APP13
			if bytes.HasPrefix(seg, []byte("Photoshop 3.0")) {
				doc.Meta.HasPhotoshopIRB = true
			}
		case 0xda: // SOS: danach folgen Bilddaten
			return doc
		}
		pos = end
	}
	return doc
}

// readExif übernimmt Software und Zeitstempel aus dem TIFF-Block eines Exif-Segments.
func (d *parsedDocument) readExif(raw []byte) {
	if !tiffChainSane(raw) {
		return
	}
	defer func() {
		// beschädigte Tags können den Decoder in Panics laufen lassen; das Segment wird dann ignoriert
		_ = recover()
	}()
	// bei Fehlern in Unterverzeichnissen liefert Decode trotzdem IFD0
	x, _ := exif.Decode(bytes.NewReader(raw))
	if x == nil {
		return
	}
	if s := exifString(x, exif.Software); s != "" {
		d.Meta.Software = append(d.Meta.Software, s)
	}
	if t, ok := exifTime(x, exif.DateTimeOriginal); ok {
		d.Meta.CreatedAt = t
	}
	if t, ok := exifTime(x, exif.DateTime); ok {
		d.Meta.ModifiedAt = t
	}
}

func exifString(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

// exifTime liest "2006:01:02 15:04:05". Exif kennt keine Zeitzone, der Wert gilt als UTC.
func exifTime(x *exif.Exif, name exif.FieldName) (time.Time, bool) {
	s := exifString(x, name)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006:01:02 15:04:05", s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// tiffChainSane prüft die IFD-Kette vor dem Dekodieren auf Zyklen und übermäßige Länge;
// der Decoder erkennt nur direkte Selbstverweise.
func tiffChainSane(raw []byte) bool {
	if len(raw) < 8 {
		return false
	}
	var order binary.ByteOrder
	switch string(raw[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return false
	}
	if order.Uint16(raw[2:]) != 42 {
		return false
	}
	seen := map[uint32]bool{}
	for off := order.Uint32(raw[4:]); off != 0; {
		if seen[off] || len(seen) >= maxTIFFDirs {
			return false
		}
		seen[off] = true
		if uint64(off)+2 > uint64(len(raw)) {
			return true // der Decoder meldet den Fehler selbst
		}
		n := int64(int16(order.Uint16(raw[off:])))
		if n < 0 {
			n = 0
		}
		next := int64(off) + 2 + 12*n
		if next+4 > int64(len(raw)) {
			return true
		}
		off = order.Uint32(raw[next:])
	}
	return true
}

var xmpCreatorToolRE = regexp.MustCompile(`(?:xmp:CreatorTool>|xmp:CreatorTool=")([^<"]+)`)

func xmpCreatorTool(xmp string) []string {
	var out []string
	for _, m := range xmpCreatorToolRE.FindAllStringSubmatch(xmp, -1) {
		out = append(out, m[1])
	}
	return out
}
