package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/madzarm/ccsearch/internal/model"
	"github.com/madzarm/ccsearch/internal/store"
)

// fakeEmbedder returns a deterministic unit vector per text, so tests don't
// need the ONNX runtime or model artifacts.
type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		f.calls++
		v := make([]float32, 384)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}
func (f *fakeEmbedder) Dimension() int { return 384 }
func (f *fakeEmbedder) Close()         {}

func writeTranscript(t *testing.T, dir, name, sessionID, text string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	line := `{"type":"message","sessionId":"` + sessionID + `","cwd":"/home/user/repo","timestamp":"2024-01-01T00:00:00Z","message":{"role":"user","content":"` + text + `"}}` + "\n"
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.duckdb"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestReconcile_WhenNewTranscriptFound_ShouldUpsertSessionWithEmbedding(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "a.jsonl", "sess-a", "implement JWT authentication")

	st := openTestStore(t)
	fe := &fakeEmbedder{}
	ix := New(st, fe, "test-model", root, 0, 2)

	if err := ix.Reconcile(context.Background(), false, nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, err := st.GetSession("sess-a")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got == nil {
		t.Fatal("expected session to be indexed")
	}
	if fe.calls == 0 {
		t.Error("expected embedder to be called for new session")
	}

	hits, err := st.SearchVector(make([]float32, 384), 10, model.Filters{})
	if err != nil {
		t.Fatalf("search vector: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("expected one vector row, got %d", len(hits))
	}
}

func TestReconcile_WhenEmbedderUnavailable_ShouldStillUpsertSessionLexicalOnly(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "a.jsonl", "sess-a", "dark mode styling")

	st := openTestStore(t)
	ix := New(st, nil, "", root, 0, 2)

	if err := ix.Reconcile(context.Background(), false, nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, err := st.GetSession("sess-a")
	if err != nil || got == nil {
		t.Fatalf("expected session indexed, got %v err %v", got, err)
	}

	available, _, err := st.EmbedderStatus()
	if err != nil {
		t.Fatalf("embedder status: %v", err)
	}
	if available {
		t.Error("expected embedder_available=false")
	}
}

func TestReconcile_WhenRunTwiceWithNoChanges_ShouldNotReembed(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "a.jsonl", "sess-a", "deploy pipeline notes")

	st := openTestStore(t)
	fe := &fakeEmbedder{}
	ix := New(st, fe, "test-model", root, 0, 2)

	if err := ix.Reconcile(context.Background(), false, nil); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	firstCalls := fe.calls

	if err := ix.Reconcile(context.Background(), false, nil); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	if fe.calls != firstCalls {
		t.Errorf("expected no additional embed calls on unchanged file, got %d more", fe.calls-firstCalls)
	}
}

func TestReconcile_WhenForceSet_ShouldReembedEvenIfUnchanged(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "a.jsonl", "sess-a", "deploy pipeline notes")

	st := openTestStore(t)
	fe := &fakeEmbedder{}
	ix := New(st, fe, "test-model", root, 0, 2)

	if err := ix.Reconcile(context.Background(), false, nil); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	firstCalls := fe.calls

	if err := ix.Reconcile(context.Background(), true, nil); err != nil {
		t.Fatalf("forced reconcile: %v", err)
	}

	if fe.calls <= firstCalls {
		t.Error("expected --force to trigger re-embedding")
	}
}

func TestReconcile_WhenTranscriptFileDeleted_ShouldRemoveSessionRow(t *testing.T) {
	root := t.TempDir()
	path := writeTranscript(t, root, "a.jsonl", "sess-a", "temporary session")

	st := openTestStore(t)
	ix := New(st, nil, "", root, 0, 2)

	if err := ix.Reconcile(context.Background(), false, nil); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove transcript: %v", err)
	}
	if err := ix.Reconcile(context.Background(), false, nil); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	got, err := st.GetSession("sess-a")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got != nil {
		t.Error("expected session row removed after transcript deletion")
	}
}

func TestReconcile_ShouldUpdateLastIndexAt(t *testing.T) {
	root := t.TempDir()
	st := openTestStore(t)
	ix := New(st, nil, "", root, 0, 2)

	before := time.Now().UTC()
	if err := ix.Reconcile(context.Background(), false, nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	last, err := st.LastIndexAt()
	if err != nil {
		t.Fatalf("last index at: %v", err)
	}
	if last.Before(before.Add(-time.Second)) {
		t.Errorf("expected last_index_at close to now, got %v", last)
	}
}

func TestReconcile_WhenContextAlreadyCancelled_ShouldReturnCancelRequested(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "a.jsonl", "sess-a", "some text")

	st := openTestStore(t)
	ix := New(st, nil, "", root, 0, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ix.Reconcile(ctx, false, nil)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if model.KindOf(err) != model.KindCancelRequested {
		t.Errorf("expected KindCancelRequested, got %v", model.KindOf(err))
	}
}

func TestReconcile_WhenProgressCallbackGiven_ShouldReceiveEmbedEvents(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "a.jsonl", "sess-a", "progress test session")

	st := openTestStore(t)
	ix := New(st, nil, "", root, 0, 2)

	var events []model.ProgressEvent
	err := ix.Reconcile(context.Background(), false, func(ev model.ProgressEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(events) == 0 {
		t.Error("expected at least one progress event")
	}
}

func TestReconcile_WhenBatchHasMultipleSessions_ShouldCommitAllOfThemTogether(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, root, "a.jsonl", "sess-a", "auth middleware notes")
	writeTranscript(t, root, "b.jsonl", "sess-b", "deploy pipeline notes")
	writeTranscript(t, root, "c.jsonl", "sess-c", "dark mode styling notes")

	st := openTestStore(t)
	fe := &fakeEmbedder{}
	ix := New(st, fe, "test-model", root, 0, 2)

	if err := ix.Reconcile(context.Background(), false, nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	for _, id := range []string{"sess-a", "sess-b", "sess-c"} {
		got, err := st.GetSession(id)
		if err != nil {
			t.Fatalf("get session %s: %v", id, err)
		}
		if got == nil {
			t.Errorf("expected session %s to be indexed as part of the batch", id)
		}
	}
}
