// Package toolindex exposes the tool-call event log as its own search
// surface (`ccsearch tools <pattern>`), separate from the core BM25/vector
// session pipeline. It never participates in RRF fusion.
package toolindex

import (
	"time"

	"github.com/madzarm/ccsearch/internal/model"
	"github.com/madzarm/ccsearch/internal/store"
)

// Index wraps a Store's event methods for the tools subcommand.
type Index struct {
	store *store.Store
}

// New wraps st for tool-event recording and search.
func New(st *store.Store) *Index {
	return &Index{store: st}
}

// Record stores one observed tool invocation.
func (ix *Index) Record(sessionID string, ts time.Time, toolName string, input, result []byte) error {
	return ix.store.InsertEvent(sessionID, ts, toolName, input, result)
}

// Search finds invocations of tools matching pattern (substring, case
// insensitive; "" or "*" matches every tool), ordered most-recent-first.
func (ix *Index) Search(pattern string, limit int, f model.Filters) ([]store.ToolEvent, error) {
	return ix.store.ToolSearch(pattern, limit, f)
}
