// Package sentinel defines the core types and interfaces for the regulatory
// content discovery pipeline shared across subsystems.
package sentinel

import (
	"mime"
	"net/http"
	"time"
)

// Priority orders endpoints within a discovery cycle.
type Priority string

// Endpoint priorities, highest first.
const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Rank maps a priority to a sortable integer, lower is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Frequency controls how often an endpoint is polled.
type Frequency string

// Endpoint check frequencies.
const (
	FrequencyEveryRun    Frequency = "EVERY_RUN"
	FrequencyDaily       Frequency = "DAILY"
	FrequencyTwiceWeekly Frequency = "TWICE_WEEKLY"
	FrequencyWeekly      Frequency = "WEEKLY"
)

// Interval returns the minimum gap between checks for the frequency.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyEveryRun:
		return 0
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyTwiceWeekly:
		return 84 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// ItemStatus represents the lifecycle state of a discovered item.
type ItemStatus string

// Item lifecycle states persisted in the item store.
const (
	StatusPending    ItemStatus = "PENDING"
	StatusFetched    ItemStatus = "FETCHED"
	StatusClassified ItemStatus = "CLASSIFIED"
	StatusHandedOff  ItemStatus = "HANDED_OFF"
	StatusFailed     ItemStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s ItemStatus) Terminal() bool {
	return s == StatusHandedOff || s == StatusFailed
}

// Kind is the routing label assigned to fetched content.
type Kind string

// Classification kinds. The set is closed: queue routing switches over it
// exhaustively.
const (
	KindHTMLRaw    Kind = "HTML_RAW"
	KindPDFText    Kind = "PDF_TEXT"
	KindPDFScanned Kind = "PDF_SCANNED"
	KindDOCX       Kind = "DOCX"
	KindDOC        Kind = "DOC"
	KindXLSX       Kind = "XLSX"
	KindXLS        Kind = "XLS"
)

// Source is a government or institutional origin of regulatory content.
// Sources are seeded by configuration and deactivated rather than deleted.
type Source struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
	Active bool   `json:"active"`
}

// Endpoint is one concrete URL polled on behalf of a Source, together with
// its scheduling parameters and health state. Health fields are written only
// with the values returned by a rate limiter permit release.
type Endpoint struct {
	ID                string     `json:"id"`
	SourceID          string     `json:"source_id"`
	URL               string     `json:"url"`
	Priority          Priority   `json:"priority"`
	Frequency         Frequency  `json:"frequency"`
	Active            bool       `json:"active"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	CircuitOpenUntil  *time.Time `json:"circuit_open_until,omitempty"`
}

// Due reports whether the endpoint's frequency interval has elapsed.
func (e Endpoint) Due(now time.Time) bool {
	if !e.Active {
		return false
	}
	if e.LastCheckedAt == nil {
		return true
	}
	return !e.LastCheckedAt.Add(e.Frequency.Interval()).After(now)
}

// CircuitOpen reports whether the endpoint's domain circuit is still open.
func (e Endpoint) CircuitOpen(now time.Time) bool {
	return e.CircuitOpenUntil != nil && e.CircuitOpenUntil.After(now)
}

// EndpointHealth is the durable slice of endpoint state owned by the rate
// limiter. The scheduler persists it verbatim after each permit release.
type EndpointHealth struct {
	LastCheckedAt     time.Time
	LastError         string
	ConsecutiveErrors int
	CircuitOpenUntil  *time.Time
}

// Item is one fetched, deduplicated, classified unit of content. The pair
// (EndpointID, URL) is unique; terminal rows are retained for audit.
type Item struct {
	ID           string     `json:"id"`
	EndpointID   string     `json:"endpoint_id"`
	URL          string     `json:"url"`
	ContentHash  string     `json:"content_hash"`
	Status       ItemStatus `json:"status"`
	Kind         Kind       `json:"kind,omitempty"`
	BlobURI      string     `json:"blob_uri,omitempty"`
	RetryCount   int        `json:"retry_count"`
	LastError    string     `json:"last_error,omitempty"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	FetchedAt    *time.Time `json:"fetched_at,omitempty"`
	ClassifiedAt *time.Time `json:"classified_at,omitempty"`
}

// RunSummary is returned by every discovery cycle, failed or not.
type RunSummary struct {
	Selected       int       `json:"selected"`
	Fetched        int       `json:"fetched"`
	Duplicates     int       `json:"duplicates"`
	Classified     int       `json:"classified"`
	Failed         int       `json:"failed"`
	CircuitSkipped int       `json:"circuit_skipped"`
	BlockSkipped   int       `json:"block_skipped"`
	Retried        int       `json:"retried"`
	Redelivered    int       `json:"redelivered"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// FetchRequest captures everything needed to fetch an endpoint URL.
type FetchRequest struct {
	EndpointID string
	URL        string
	Headers    http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the media type of the response without parameters,
// or "" when the header is absent or malformed.
func (r FetchResponse) ContentType() string {
	raw := r.Headers.Get("Content-Type")
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return ""
	}
	return mediaType
}
