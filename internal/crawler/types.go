// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Label classifies a request and selects the router branch that handles it.
type Label int

// Supported labels. The zero value is the start page.
const (
	LabelUnlabeled Label = iota
	LabelCategory
	LabelDetail
)

// String returns the storage form of the label.
func (l Label) String() string {
	switch l {
	case LabelUnlabeled:
		return "unlabeled"
	case LabelCategory:
		return "category"
	case LabelDetail:
		return "detail"
	default:
		return fmt.Sprintf("label(%d)", int(l))
	}
}

// ParseLabel converts the storage form back into a Label.
func ParseLabel(raw string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "unlabeled":
		return LabelUnlabeled, nil
	case "category":
		return LabelCategory, nil
	case "detail":
		return LabelDetail, nil
	default:
		return 0, fmt.Errorf("%w: unknown label %q", ErrInvariant, raw)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Label) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Label) UnmarshalText(text []byte) error {
	parsed, err := ParseLabel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Request is a unit of crawl work.
type Request struct {
	URL       string `json:"url"`
	Label     Label  `json:"label"`
	UniqueKey string `json:"unique_key"`
	Depth     int    `json:"depth"`
}

// NewRequest builds a Request with its identity key filled in.
func NewRequest(rawURL string, label Label, depth int) (Request, error) {
	key, err := IdentityKey(rawURL)
	if err != nil {
		return Request{}, err
	}
	return Request{
		URL:       rawURL,
		Label:     label,
		UniqueKey: key,
		Depth:     depth,
	}, nil
}

// EnqueueResult reports whether Enqueue stored a new entry.
type EnqueueResult int

// Enqueue outcomes.
const (
	Added EnqueueResult = iota
	AlreadyPresent
)

func (r EnqueueResult) String() string {
	if r == Added {
		return "added"
	}
	return "already_present"
}

// Outcome is the terminal state a leased request is resolved into.
type Outcome struct {
	Failed bool
	Reason string
}

// Succeeded is the outcome for a request processed without error.
var Succeeded = Outcome{}

// FailedWith builds a failed outcome carrying err's text.
func FailedWith(err error) Outcome {
	if err == nil {
		return Outcome{Failed: true}
	}
	return Outcome{Failed: true, Reason: err.Error()}
}

// State returns the entry state the outcome maps to.
func (o Outcome) State() EntryState {
	if o.Failed {
		return StateFailed
	}
	return StateResolved
}

// EntryState is the lifecycle state of a queue entry.
type EntryState string

// Queue entry states.
const (
	StateAvailable EntryState = "available"
	StateLocked    EntryState = "locked"
	StateResolved  EntryState = "resolved"
	StateFailed    EntryState = "failed"
)

// Terminal reports whether the state removes the entry from leasing for good.
func (s EntryState) Terminal() bool {
	return s == StateResolved || s == StateFailed
}

// Lease is an exclusive, time-bounded claim on one queue entry.
type Lease struct {
	ID       string
	Request  Request
	Owner    string
	Token    string
	Expiry   time.Time
	Attempts int
}

// QueueStats counts entries per state.
type QueueStats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Locked    int `json:"locked"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
}

// Record is one extracted product.
type Record struct {
	URL              string  `json:"url"`
	Manufacturer     string  `json:"manufacturer"`
	Title            string  `json:"title"`
	SKU              string  `json:"sku"`
	CurrentPrice     float64 `json:"currentPrice"`
	AvailableInStock bool    `json:"availableInStock"`
}

// JSON returns the record's wire form.
func (r Record) JSON() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

// Result is what the router derives from one rendered page.
type Result struct {
	Requests []Request
	Record   *Record
}

// FetchResponse is the raw result of one fetch, before parsing.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
