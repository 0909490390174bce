// Package searcher runs the hybrid retrieval pipeline: BM25 candidate
// generation, optional vector KNN, Reciprocal Rank Fusion, filtering, and
// snippet extraction.
package searcher

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/madzarm/ccsearch/internal/embed"
	"github.com/madzarm/ccsearch/internal/indexer"
	"github.com/madzarm/ccsearch/internal/model"
	"github.com/madzarm/ccsearch/internal/store"
)

// jitRateLimit bounds how often the JIT pre-index reconciliation may run,
// keyed off meta.last_index_at.
const jitRateLimit = 2 * time.Second

const fanOutMultiplier = 4

// Weights controls RRF fusion.
type Weights struct {
	BM25 float64
	Vec  float64
	K    int
}

// DefaultWeights matches spec.md §4.5's defaults.
func DefaultWeights() Weights {
	return Weights{BM25: 1.0, Vec: 1.0, K: 60}
}

// Searcher runs queries against a Store, optionally consulting an Embedder
// for the vector leg.
type Searcher struct {
	store    *store.Store
	embedder embed.Embedder // nil degrades to lexical-only
	indexer  *indexer.Indexer
}

// New builds a Searcher. ix may be nil to skip the JIT pre-index step
// entirely (e.g. when the store was opened read-only because another
// process holds the writer lock).
func New(st *store.Store, embedder embed.Embedder, ix *indexer.Indexer) *Searcher {
	return &Searcher{store: st, embedder: embedder, indexer: ix}
}

// Search runs the full pipeline for query q under filters f, returning at
// most limit fused results. jit, when true, reconciles the index first
// (rate-limited to jitRateLimit).
func (s *Searcher) Search(ctx context.Context, q string, f model.Filters, limit int, w Weights, jit bool) ([]model.SearchResult, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, model.NewError(model.KindQueryInvalid, errQueryEmpty{})
	}
	if limit <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, model.NewError(model.KindCancelRequested, err)
	}

	if jit && s.indexer != nil {
		if err := s.maybeReconcile(ctx); err != nil {
			return nil, err
		}
	}

	fanOut := limit * fanOutMultiplier

	bm25Hits, err := s.store.SearchBM25(sanitizeFTSQuery(q), fanOut, f)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, model.NewError(model.KindCancelRequested, err)
	}

	var vecHits []store.Hit
	vectorAvailable := s.embedder != nil
	if vectorAvailable {
		vecs, err := s.embedder.Embed([]string{q})
		if err != nil {
			vectorAvailable = false
		} else {
			vecHits, err = s.store.SearchVector(vecs[0], fanOut, f)
			if err != nil {
				return nil, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, model.NewError(model.KindCancelRequested, err)
	}

	fused := fuse(bm25Hits, vecHits, w)
	if len(fused) > limit {
		fused = fused[:limit]
	}

	results := make([]model.SearchResult, len(fused))
	for i, fh := range fused {
		results[i] = toSearchResult(fh, q, vectorAvailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, model.NewError(model.KindCancelRequested, err)
	}
	return results, nil
}

func (s *Searcher) maybeReconcile(ctx context.Context) error {
	last, err := s.store.LastIndexAt()
	if err != nil {
		return err
	}
	if !last.IsZero() && time.Since(last) < jitRateLimit {
		return nil
	}
	return s.indexer.Reconcile(ctx, false, nil)
}

type errQueryEmpty struct{}

func (errQueryEmpty) Error() string { return "query is empty after sanitization" }

// sanitizeFTSQuery lower-cases, strips FTS metacharacters, and joins tokens
// with OR so any token may match, per spec.md §4.5's lexical leg.
func sanitizeFTSQuery(q string) string {
	q = strings.ToLower(q)
	var b strings.Builder
	for _, r := range q {
		switch r {
		case '"', '\'', '(', ')', '*', ':', '+', '-', '~':
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	fields := strings.Fields(b.String())
	return strings.Join(fields, " OR ")
}

// fusedHit carries a session's per-leg scores through RRF before snippet
// extraction, since the snippet needs both the raw text and the final
// fused score to decide whether a lexical hit is available.
type fusedHit struct {
	hit         store.Hit
	bm25Score   *float64
	vecDistance *float64
	fused       float64
	inBoth      bool
}

// fuse implements RRF: score(id) = w_bm25/(k+r_bm25) + w_vec/(k+r_vec),
// sorted by score desc, ties broken by (both legs, last_msg_at, id).
func fuse(bm25Hits, vecHits []store.Hit, w Weights) []fusedHit {
	byID := make(map[string]*fusedHit)
	order := []string{}

	get := func(id string, h store.Hit) *fusedHit {
		if fh, ok := byID[id]; ok {
			return fh
		}
		fh := &fusedHit{hit: h}
		byID[id] = fh
		order = append(order, id)
		return fh
	}

	for i, h := range bm25Hits {
		fh := get(h.ID, h)
		rank := i + 1
		score := h.Score
		fh.bm25Score = &score
		fh.fused += w.BM25 / float64(w.K+rank)
	}
	for i, h := range vecHits {
		fh := get(h.ID, h)
		rank := i + 1
		dist := 1 - h.Score // cosine similarity -> distance
		fh.vecDistance = &dist
		fh.fused += w.Vec / float64(w.K+rank)
	}
	for _, id := range order {
		fh := byID[id]
		fh.inBoth = fh.bm25Score != nil && fh.vecDistance != nil
	}

	out := make([]fusedHit, len(order))
	for i, id := range order {
		out[i] = *byID[id]
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.fused != b.fused {
			return a.fused > b.fused
		}
		if a.inBoth != b.inBoth {
			return a.inBoth
		}
		if !a.hit.LastMsgAt.Equal(b.hit.LastMsgAt) {
			return a.hit.LastMsgAt.After(b.hit.LastMsgAt)
		}
		return a.hit.ID < b.hit.ID
	})
	return out
}

func toSearchResult(fh fusedHit, query string, vectorAvailable bool) model.SearchResult {
	h := fh.hit
	var project *string
	if h.Project != "" {
		p := h.Project
		project = &p
	}

	snippet := extractSnippet(h.Text, query)
	if snippet == "" {
		snippet = h.Preview
	}

	r := model.SearchResult{
		ID:         h.ID,
		Project:    project,
		StartedAt:  h.StartedAt.Unix(),
		LastMsgAt:  h.LastMsgAt.Unix(),
		MsgCount:   h.MsgCount,
		Snippet:    snippet,
		BM25Score:  fh.bm25Score,
		FusedScore: fh.fused,
	}
	if vectorAvailable {
		r.VecDistance = fh.vecDistance
	}
	return r
}

const snippetContext = 60

// HighlightDelim wraps the matched query token inside an extracted snippet.
// Renderers may substitute it for whatever highlighting their output format
// supports, or strip it for plain output.
const HighlightDelim = '\x01'

// extractSnippet returns the first window of text containing any query
// token, padded by snippetContext characters on either side, with the
// matched token wrapped in a HighlightDelim pair. Returns "" if no token is
// found (callers fall back to preview).
func extractSnippet(text, query string) string {
	lower := strings.ToLower(text)
	idx, tok := -1, ""
	for _, t := range strings.Fields(strings.ToLower(query)) {
		if i := strings.Index(lower, t); i >= 0 && (idx < 0 || i < idx) {
			idx, tok = i, t
		}
	}
	if idx < 0 {
		return ""
	}

	start := idx - snippetContext
	if start < 0 {
		start = 0
	}
	end := idx + len(tok) + snippetContext
	if end > len(text) {
		end = len(text)
	}

	marked := text[:idx] + string(HighlightDelim) + text[idx:idx+len(tok)] + string(HighlightDelim) + text[idx+len(tok):]
	markedEnd := end + 2 // the window end, widened by the two inserted delimiter bytes
	if markedEnd > len(marked) {
		markedEnd = len(marked)
	}
	return strings.TrimSpace(marked[start:markedEnd])
}

// SplitHighlight pulls the HighlightDelim-wrapped matched token out of a
// snippet produced by extractSnippet. ok is false when snippet carries no
// markers (e.g. it fell back to the preview), in which case before holds
// the whole snippet unchanged.
func SplitHighlight(snippet string) (before, matched, after string, ok bool) {
	first := strings.IndexByte(snippet, HighlightDelim)
	if first < 0 {
		return snippet, "", "", false
	}
	rest := snippet[first+1:]
	second := strings.IndexByte(rest, HighlightDelim)
	if second < 0 {
		return snippet, "", "", false
	}
	return snippet[:first], rest[:second], rest[second+1:], true
}
