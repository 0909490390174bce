// Package model defines the domain types shared across the application.
package model

import "time"

// Session is one row of the Index Store's session table: the normalized
// record produced by the reader for a single Claude Code transcript file.
type Session struct {
	ID          string // stable session id, from the transcript or the file stem
	Path        string // absolute path to the transcript file
	Project     string // working directory recorded at session start, may be empty
	StartedAt   time.Time
	LastMsgAt   time.Time
	MsgCount    int
	FileMtime   time.Time
	FileSize    int64
	ContentHash string // xxh3-128 of the normalized message text, hex-encoded
	Text        string // concatenated, truncated plaintext (capped at MaxTextChars)
	Preview     string // first ~200 chars of the first user message
}

// HasEmbedding reports whether the session passed through an available
// embedder at index time (tracked by the caller, not derived from Session).
type HasEmbedding bool

// SearchResult is a single ranked hit returned by the Searcher.
type SearchResult struct {
	ID          string   `json:"id"`
	Project     *string  `json:"project"`
	StartedAt   int64    `json:"started_at"`
	LastMsgAt   int64    `json:"last_msg_at"`
	MsgCount    int      `json:"msg_count"`
	Snippet     string   `json:"snippet"`
	BM25Score   *float64 `json:"bm25_score"`
	VecDistance *float64 `json:"vec_distance"`
	FusedScore  float64  `json:"fused_score"`
}

// Stats summarizes the current state of the Index Store.
type Stats struct {
	NumSessions   int
	NumEmbedded   int
	IndexSizeKB   int64
	LastIndexedAt time.Time
}

// Filters narrows a search or list query by time and project path prefix.
type Filters struct {
	Time    *TimeFilter
	Project string // path prefix match, empty means unfiltered
}

// ProgressEvent is emitted by the Indexer as it reconciles the transcript
// directory against the Index Store.
type ProgressEvent struct {
	Phase   string // "discover", "embed", "delete"
	Done    int
	Total   int
	Current string
}

// ErrKind classifies an error for the CLI's exit-code mapping. Every error
// the core packages return that should reach the user with a specific exit
// code or JSON error shape carries one of these as its Kind.
type ErrKind int

const (
	KindNone ErrKind = iota
	KindTranscriptUnreadable
	KindTranscriptEmpty
	KindEmbedderUnavailable
	KindIndexStoreCorrupt
	KindIndexStoreBusy
	KindQueryInvalid
	KindCancelRequested
	KindInternal
)

func (k ErrKind) String() string {
	switch k {
	case KindTranscriptUnreadable:
		return "TranscriptUnreadable"
	case KindTranscriptEmpty:
		return "TranscriptEmpty"
	case KindEmbedderUnavailable:
		return "EmbedderUnavailable"
	case KindIndexStoreCorrupt:
		return "IndexStoreCorrupt"
	case KindIndexStoreBusy:
		return "IndexStoreBusy"
	case KindQueryInvalid:
		return "QueryInvalid"
	case KindCancelRequested:
		return "CancelRequested"
	case KindInternal:
		return "Internal"
	default:
		return "None"
	}
}

// Error wraps an underlying error with a classification kind.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError classifies err under kind. Returns nil if err is nil.
func NewError(kind ErrKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the ErrKind from err, or KindInternal if err does not
// carry one.
func KindOf(err error) ErrKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
		return e.Kind
	}
	return KindInternal
}
