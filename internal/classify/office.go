package classify

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	docx "github.com/fumiama/go-docx"
	"github.com/richardlehane/mscfb"
	"github.com/xuri/excelize/v2"
)

// docxConverter extracts paragraph text from OOXML word documents.
type docxConverter struct{}

func (c *docxConverter) Extract(data []byte) (string, error) {
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse docx: %w", err)
	}
	var sb strings.Builder
	for _, item := range doc.Document.Body.Items {
		if s, ok := item.(fmt.Stringer); ok {
			sb.WriteString(s.String())
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// xlsxConverter extracts cell text from OOXML spreadsheets, rows joined by
// tabs so downstream extraction keeps table structure.
type xlsxConverter struct{}

func (c *xlsxConverter) Extract(data []byte) (string, error) {
	file, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	var sb strings.Builder
	for _, sheet := range file.GetSheetList() {
		rows, rowsErr := file.GetRows(sheet)
		if rowsErr != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, rowsErr)
		}
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// compoundConverter pulls the named stream out of a legacy OLE compound file
// (DOC's WordDocument, XLS's Workbook) and keeps its printable runs. Legacy
// formats only need enough text to route and seed extraction; exact layout
// is recovered downstream.
type compoundConverter struct {
	stream string
}

func (c *compoundConverter) Extract(data []byte) (string, error) {
	doc, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open compound file: %w", err)
	}
	for entry, entryErr := doc.Next(); entryErr == nil; entry, entryErr = doc.Next() {
		if entry.Name != c.stream {
			continue
		}
		raw, readErr := io.ReadAll(entry)
		if readErr != nil {
			return "", fmt.Errorf("read stream %q: %w", c.stream, readErr)
		}
		return printableRuns(raw, 4), nil
	}
	return "", fmt.Errorf("stream %q not found", c.stream)
}

// printableConverter is the last-resort fallback for DOC files the compound
// reader rejects: scan the raw bytes for printable runs.
type printableConverter struct{}

func (c *printableConverter) Extract(data []byte) (string, error) {
	text := printableRuns(data, 4)
	if text == "" {
		return "", fmt.Errorf("no printable text found")
	}
	return text, nil
}
