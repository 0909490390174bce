// Package indexer reconciles the transcript directory against the Index
// Store: discovery, staleness detection, worker-pool embedding, and batched
// transactional upsert/delete.
package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/madzarm/ccsearch/internal/embed"
	"github.com/madzarm/ccsearch/internal/model"
	"github.com/madzarm/ccsearch/internal/reader"
	"github.com/madzarm/ccsearch/internal/store"
)

// BatchSize is the number of sessions reconciled per transaction, per
// spec's default batch size.
const BatchSize = 32

// Indexer walks a transcript root, reconciles it against a Store, and
// computes embeddings for new or changed sessions via an optional Embedder.
type Indexer struct {
	store        *store.Store
	embedder     embed.Embedder // nil when unavailable
	modelID      string
	root         string
	maxTextChars int
	numWorkers   int
}

// New builds an Indexer over root, using embedder for vector computation.
// embedder may be nil: the indexer then runs lexical-only, matching the
// capability-variant pattern the embedder package exposes. modelID is
// recorded in Meta when embedder is non-nil.
func New(st *store.Store, embedder embed.Embedder, modelID, root string, maxTextChars, numWorkers int) *Indexer {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	return &Indexer{
		store:        st,
		embedder:     embedder,
		modelID:      modelID,
		root:         root,
		maxTextChars: maxTextChars,
		numWorkers:   numWorkers,
	}
}

// ProgressFunc receives structured progress events during a reconciliation
// pass; may be nil.
type ProgressFunc func(model.ProgressEvent)

// Reconcile performs one full reconciliation pass: discover candidate
// transcript paths, upsert the stale/new ones (embedding each if an
// embedder is available), and delete rows whose file has disappeared.
// force treats every candidate as stale regardless of (mtime, size).
func (ix *Indexer) Reconcile(ctx context.Context, force bool, progress ProgressFunc) error {
	paths, err := discover(ix.root)
	if err != nil {
		return fmt.Errorf("discover transcripts: %w", err)
	}

	stalePaths, err := ix.filterStale(paths, force)
	if err != nil {
		return err
	}

	emit := func(ev model.ProgressEvent) {
		if progress != nil {
			progress(ev)
		}
	}

	total := len(stalePaths)
	done := 0
	for start := 0; start < len(stalePaths); start += BatchSize {
		if err := ctx.Err(); err != nil {
			return model.NewError(model.KindCancelRequested, err)
		}
		end := start + BatchSize
		if end > len(stalePaths) {
			end = len(stalePaths)
		}
		batch := stalePaths[start:end]

		sessions, vectors, err := ix.readAndEmbed(ctx, batch, force)
		if err != nil {
			return err
		}

		var upserts []store.SessionUpsert
		for i, sess := range sessions {
			if sess == nil {
				continue
			}
			upserts = append(upserts, store.SessionUpsert{Session: *sess, Vector: vectors[i]})
		}
		if err := ix.store.UpsertSessionsBatch(upserts); err != nil {
			return fmt.Errorf("upsert batch: %w", err)
		}

		for _, sess := range sessions {
			done++
			if sess != nil {
				emit(model.ProgressEvent{Phase: "embed", Done: done, Total: total, Current: sess.Path})
			}
		}
	}

	if total > 0 {
		if err := ix.store.RebuildFTSIndex(); err != nil {
			return err
		}
	}

	removed, err := ix.deleteOrphans(paths)
	if err != nil {
		return err
	}
	for i, id := range removed {
		emit(model.ProgressEvent{Phase: "delete", Done: i + 1, Total: len(removed), Current: id})
	}

	if err := ix.store.SetEmbedderStatus(ix.embedder != nil, ix.modelID); err != nil {
		return err
	}
	return ix.store.SetLastIndexAt(time.Now().UTC())
}

// filterStale returns the subset of paths that are new or whose (mtime,
// size) no longer matches the stored row. force bypasses the check
// entirely.
func (ix *Indexer) filterStale(paths []string, force bool) ([]string, error) {
	if force {
		return paths, nil
	}

	var stale []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue // vanished between discover and stat; deleteOrphans handles it
		}
		fm, err := ix.store.FileMetaByPath(p)
		if err != nil {
			return nil, err
		}
		if fm == nil || !fm.FileMtime.Equal(info.ModTime()) || fm.FileSize != info.Size() {
			stale = append(stale, p)
		}
	}
	return stale, nil
}

// readAndEmbed parses each path in batch and computes its embedding over a
// bounded worker pool. A per-path error (unreadable, empty) leaves that
// path's slot nil in the returned sessions rather than aborting the batch.
// When force is false and the stored content_hash is unchanged from a
// mtime-only touch, the existing embedding is preserved and the embedder is
// not called.
func (ix *Indexer) readAndEmbed(ctx context.Context, batch []string, force bool) ([]*model.Session, [][]float32, error) {
	sessions := make([]*model.Session, len(batch))
	vectors := make([][]float32, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.numWorkers)

	for i, path := range batch {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			sess, err := reader.ReadSession(path, ix.maxTextChars)
			if err != nil {
				if model.KindOf(err) == model.KindTranscriptEmpty || model.KindOf(err) == model.KindTranscriptUnreadable {
					return nil // skip, not fatal to the batch
				}
				return err
			}

			existing, ferr := ix.store.FileMetaByPath(path)
			if ferr != nil {
				return ferr
			}
			hashUnchanged := !force && existing != nil && existing.ContentHash == sess.ContentHash

			sessions[i] = sess
			if ix.embedder == nil {
				return nil
			}
			if hashUnchanged {
				// mtime-touch without content change: leave vectors[i] nil so
				// UpsertSession's partial write preserves the existing embedding.
				return nil
			}

			vecs, eerr := ix.embedder.Embed([]string{sess.Text})
			if eerr != nil {
				return nil // embedding failure degrades this session to lexical-only
			}
			vectors[i] = vecs[0]
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return sessions, vectors, nil
}

// deleteOrphans removes rows whose transcript file is no longer present on
// disk and returns the deleted session ids.
func (ix *Indexer) deleteOrphans(fsPaths []string) ([]string, error) {
	onDisk := make(map[string]struct{}, len(fsPaths))
	for _, p := range fsPaths {
		onDisk[p] = struct{}{}
	}

	stored, err := ix.store.AllPaths()
	if err != nil {
		return nil, err
	}

	var removed []string
	for path, id := range stored {
		if _, ok := onDisk[path]; ok {
			continue
		}
		if err := ix.store.DeleteSession(id); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// discover walks root for transcript files, matching the assistant's
// per-project JSONL layout (<root>/<project>/<session>.jsonl). Hidden
// directories are skipped.
func discover(root string) ([]string, error) {
	var paths []string
	err := walkDir(root, func(path string) error {
		if strings.HasSuffix(path, ".jsonl") {
			paths = append(paths, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return paths, err
}

func walkDir(dir string, fn func(string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(dir, name)
		if entry.IsDir() {
			if err := walkDir(full, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(full); err != nil {
			return err
		}
	}
	return nil
}
