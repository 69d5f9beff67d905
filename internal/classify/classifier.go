// Package classify assigns fetched content a routing kind: HTML, text PDF,
// scanned PDF, or one of the office document formats.
package classify

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/regwatch/sentinel/internal/sentinel"
)

// Config holds classifier thresholds. The chars-per-page boundary is a
// heuristic tie-break between text and scanned PDFs, injected rather than
// compiled in.
type Config struct {
	MinCharsPerPage float64
}

func (c Config) withDefaults() Config {
	if c.MinCharsPerPage <= 0 {
		c.MinCharsPerPage = 50
	}
	return c
}

// Result is a proposed classification. The classifier persists nothing; the
// scheduler owns the item lifecycle.
type Result struct {
	Kind         sentinel.Kind
	Text         string
	Pages        int
	CharsPerPage float64
}

// PDFExtractor pulls plain text and a page count out of PDF bytes.
type PDFExtractor interface {
	Extract(data []byte) (text string, pages int, err error)
}

// Converter extracts plain text from one office document format.
type Converter interface {
	Extract(data []byte) (string, error)
}

// Classifier inspects a fetched response and assigns a content kind.
type Classifier struct {
	cfg         Config
	pdf         PDFExtractor
	converters  map[sentinel.Kind]Converter
	docFallback Converter
}

// New builds a Classifier with the real format converters.
func New(cfg Config) *Classifier {
	return &Classifier{
		cfg: cfg.withDefaults(),
		pdf: &pdfExtractor{},
		converters: map[sentinel.Kind]Converter{
			sentinel.KindDOCX: &docxConverter{},
			sentinel.KindXLSX: &xlsxConverter{},
			sentinel.KindDOC:  &compoundConverter{stream: "WordDocument"},
			sentinel.KindXLS:  &compoundConverter{stream: "Workbook"},
		},
		docFallback: &printableConverter{},
	}
}

var extensionKinds = map[string]sentinel.Kind{
	".pdf":  sentinel.KindPDFText, // refined by the chars-per-page heuristic
	".docx": sentinel.KindDOCX,
	".doc":  sentinel.KindDOC,
	".xlsx": sentinel.KindXLSX,
	".xls":  sentinel.KindXLS,
}

var headerKinds = map[string]sentinel.Kind{
	"application/pdf": sentinel.KindPDFText,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": sentinel.KindDOCX,
	"application/msword": sentinel.KindDOC,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": sentinel.KindXLSX,
	"application/vnd.ms-excel": sentinel.KindXLS,
}

// Classify labels the fetched bytes. The URL extension takes precedence over
// the content-type header when they disagree, since source servers sometimes
// misreport headers. Classification errors are terminal per-item outcomes:
// malformed or empty content will not improve on retry.
func (c *Classifier) Classify(rawURL, contentType string, body []byte) (Result, error) {
	if kind, ok := binaryKind(rawURL, contentType); ok {
		return c.classifyBinary(kind, body)
	}

	if htmlLike(contentType, body) {
		if len(strings.TrimSpace(string(body))) == 0 {
			return Result{}, sentinel.ErrEmptyContent
		}
		// Stored as-is; structural extraction happens downstream.
		return Result{Kind: sentinel.KindHTMLRaw}, nil
	}

	return Result{}, fmt.Errorf("unsupported content type %q for %s", contentType, rawURL)
}

func (c *Classifier) classifyBinary(kind sentinel.Kind, body []byte) (Result, error) {
	if kind == sentinel.KindPDFText {
		return c.classifyPDF(body)
	}

	text, err := c.extractOffice(kind, body)
	if err != nil {
		return Result{}, &sentinel.ParseError{Kind: kind, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, sentinel.ErrEmptyContent
	}
	return Result{Kind: kind, Text: text}, nil
}

func (c *Classifier) classifyPDF(body []byte) (Result, error) {
	text, pages, err := c.pdf.Extract(body)
	if err != nil {
		return Result{}, &sentinel.ParseError{Kind: sentinel.KindPDFText, Err: err}
	}
	if pages <= 0 {
		return Result{}, &sentinel.ParseError{Kind: sentinel.KindPDFText, Err: fmt.Errorf("pdf has no pages")}
	}
	charsPerPage := float64(len(strings.TrimSpace(text))) / float64(pages)
	result := Result{Text: text, Pages: pages, CharsPerPage: charsPerPage}
	if charsPerPage >= c.cfg.MinCharsPerPage {
		result.Kind = sentinel.KindPDFText
		return result, nil
	}
	// Too little embedded text: almost certainly page scans that need
	// image recognition downstream.
	result.Kind = sentinel.KindPDFScanned
	result.Text = ""
	return result, nil
}

func (c *Classifier) extractOffice(kind sentinel.Kind, body []byte) (string, error) {
	converter, ok := c.converters[kind]
	if !ok {
		return "", fmt.Errorf("no converter for %s", kind)
	}
	text, err := converter.Extract(body)
	if err == nil {
		return text, nil
	}
	if kind == sentinel.KindDOC && c.docFallback != nil {
		if fallbackText, fallbackErr := c.docFallback.Extract(body); fallbackErr == nil {
			return fallbackText, nil
		}
	}
	return "", err
}

// binaryKind resolves a binary document kind from the URL extension or the
// content-type header, extension first.
func binaryKind(rawURL, contentType string) (sentinel.Kind, bool) {
	if u, err := url.Parse(rawURL); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if kind, ok := extensionKinds[ext]; ok {
			return kind, true
		}
	}
	if kind, ok := headerKinds[strings.ToLower(contentType)]; ok {
		return kind, true
	}
	return "", false
}

// htmlLike accepts declared HTML-ish content types and falls back to
// sniffing when the server sent nothing usable.
func htmlLike(contentType string, body []byte) bool {
	switch strings.ToLower(contentType) {
	case "text/html", "application/xhtml+xml", "text/plain", "text/xml", "application/xml":
		return true
	}
	if contentType != "" {
		return false
	}
	detected := mimetype.Detect(body)
	for mt := detected; mt != nil; mt = mt.Parent() {
		if mt.Is("text/html") || mt.Is("text/plain") || mt.Is("text/xml") {
			return true
		}
	}
	return false
}
