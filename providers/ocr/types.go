// Package ocr enthält die Anbindung an einen externen OCR-Dienst.
package ocr

// Response ist die JSON-Antwort des OCR-Dienstes.
type Response struct {
	Lines  []Line           `json:"lines"`
	Fields map[string]Field `json:"fields"`
}

// Line ist eine erkannte Textzeile mit Höhe der Bounding-Box in Pixeln.
type Line struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Height     float64 `json:"height"`
	Font       string  `json:"font,omitempty"`
}

// Field ist ein vom Dienst selbst erkanntes Feld.
type Field struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Height     float64 `json:"height,omitempty"`
}

// errorResponse wird bei Statuscodes >= 400 zurückgegeben.
type errorResponse struct {
	Error string `json:"error"`
}
