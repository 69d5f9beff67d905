// Package queue routes classified items to the downstream queue that can
// process their content kind.
package queue

import (
	"context"
	"fmt"

	"github.com/regwatch/sentinel/internal/sentinel"
)

// Router dispatches handoffs between the text extraction queue and the
// image recognition queue based on content kind.
type Router struct {
	extraction sentinel.Queue
	imageRecog sentinel.Queue
}

// NewRouter constructs a Router. Both queues are required.
func NewRouter(extraction, imageRecog sentinel.Queue) (*Router, error) {
	if extraction == nil || imageRecog == nil {
		return nil, fmt.Errorf("both extraction and image recognition queues are required")
	}
	return &Router{extraction: extraction, imageRecog: imageRecog}, nil
}

// Handoff publishes the item reference to the queue matching its kind and
// returns the broker message ID. Scanned PDFs need OCR and go to the image
// recognition queue; every other kind carries extractable text.
func (r *Router) Handoff(ctx context.Context, item sentinel.Item) (string, error) {
	attrs := map[string]string{
		"kind":         string(item.Kind),
		"endpoint_id":  item.EndpointID,
		"url":          item.URL,
		"content_hash": item.ContentHash,
	}
	switch item.Kind {
	case sentinel.KindHTMLRaw, sentinel.KindPDFText, sentinel.KindDOCX,
		sentinel.KindDOC, sentinel.KindXLSX, sentinel.KindXLS:
		return r.extraction.Publish(ctx, item.ID, attrs)
	case sentinel.KindPDFScanned:
		return r.imageRecog.Publish(ctx, item.ID, attrs)
	default:
		return "", fmt.Errorf("no queue for content kind %q", item.Kind)
	}
}
