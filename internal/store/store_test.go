package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/madzarm/ccsearch/internal/model"
)

// --- appendFilterClauses ---

func TestAppendFilterClauses_WhenFilterIsEmpty_ShouldReturnEmptyStringAndUnchangedParams(t *testing.T) {
	params := []interface{}{"existing"}
	clause, out := appendFilterClauses(model.Filters{}, "s.last_msg_at", "s.project", true, params)

	if clause != "" {
		t.Errorf("expected empty clause, got %q", clause)
	}
	if len(out) != 1 {
		t.Errorf("expected params unchanged (len=1), got len=%d", len(out))
	}
}

func TestAppendFilterClauses_WhenOnlySinceSet_ShouldReturnSingleAndClause(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := model.Filters{Time: &model.TimeFilter{Since: &since}}
	params := []interface{}{"existing"}

	clause, out := appendFilterClauses(f, "s.last_msg_at", "s.project", true, params)

	if clause != " AND s.last_msg_at >= ?" {
		t.Errorf("expected ' AND s.last_msg_at >= ?', got %q", clause)
	}
	if len(out) != 2 {
		t.Errorf("expected 2 params, got %d", len(out))
	}
}

func TestAppendFilterClauses_WhenBothTimeBoundsSet_ShouldReturnTwoAndClauses(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	f := model.Filters{Time: &model.TimeFilter{Since: &since, Until: &until}}

	clause, out := appendFilterClauses(f, "ts", "project", true, nil)

	expected := " AND ts >= ? AND ts <= ?"
	if clause != expected {
		t.Errorf("expected %q, got %q", expected, clause)
	}
	if len(out) != 2 {
		t.Errorf("expected 2 params, got %d", len(out))
	}
}

func TestAppendFilterClauses_WhenHasWhereIsFalse_ShouldUseWhereForFirstClause(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := model.Filters{Time: &model.TimeFilter{Since: &since}}

	clause, _ := appendFilterClauses(f, "ts", "project", false, nil)

	if clause != " WHERE ts >= ?" {
		t.Errorf("expected ' WHERE ts >= ?', got %q", clause)
	}
}

func TestAppendFilterClauses_WhenProjectSet_ShouldAppendLikeClauseWithTrailingWildcard(t *testing.T) {
	f := model.Filters{Project: "/home/user/repo"}
	params := []interface{}{}

	clause, out := appendFilterClauses(f, "ts", "project", false, params)

	if clause != " WHERE project LIKE ?" {
		t.Errorf("expected ' WHERE project LIKE ?', got %q", clause)
	}
	if len(out) != 1 || out[0] != "/home/user/repo%" {
		t.Errorf("expected project param with trailing %%, got %v", out)
	}
}

func TestAppendFilterClauses_WhenTimeAndProjectSet_ShouldCombineWithAnd(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := model.Filters{Time: &model.TimeFilter{Since: &since}, Project: "/repo"}

	clause, out := appendFilterClauses(f, "ts", "project", true, nil)

	expected := " AND ts >= ? AND project LIKE ?"
	if clause != expected {
		t.Errorf("expected %q, got %q", expected, clause)
	}
	if len(out) != 2 {
		t.Errorf("expected 2 params, got %d", len(out))
	}
}

// --- formatFloatArray / nullStr / rawJSON ---

func TestFormatFloatArray_WhenGivenValues_ShouldProduceDuckDBArrayLiteral(t *testing.T) {
	got := formatFloatArray([]float32{1, 0.5, -2})
	want := "[1,0.5,-2]"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestFormatFloatArray_WhenEmpty_ShouldProduceEmptyArrayLiteral(t *testing.T) {
	got := formatFloatArray(nil)
	if got != "[]" {
		t.Errorf("expected '[]', got %q", got)
	}
}

func TestNullStr_WhenEmpty_ShouldReturnNil(t *testing.T) {
	if nullStr("") != nil {
		t.Error("expected nil for empty string")
	}
}

func TestNullStr_WhenNonEmpty_ShouldReturnString(t *testing.T) {
	if nullStr("x") != "x" {
		t.Error("expected 'x' passed through")
	}
}

// --- Integration tests with DuckDB ---

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.duckdb")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleSession(id string) model.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return model.Session{
		ID:          id,
		Path:        "/tmp/" + id + ".jsonl",
		Project:     "/home/user/repo",
		StartedAt:   now.Add(-1 * time.Hour),
		LastMsgAt:   now,
		MsgCount:    3,
		FileMtime:   now,
		FileSize:    1024,
		ContentHash: "deadbeef",
		Text:        "how do I configure authentication middleware",
		Preview:     "how do I configure authentication middleware",
	}
}

func TestOpen_WhenCalledTwiceOnSamePath_ShouldBeIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "idempotent.duckdb")

	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	st.Close()

	st2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second open after close: %v", err)
	}
	defer st2.Close()
}

func TestOpen_WhenStoreAlreadyLocked_ShouldReturnIndexStoreBusy(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "locked.duckdb")

	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	_, err = Open(dbPath)
	if model.KindOf(err) != model.KindIndexStoreBusy {
		t.Errorf("expected KindIndexStoreBusy, got %v (%v)", model.KindOf(err), err)
	}
}

func TestUpsertSession_WhenNewSession_ShouldBeRetrievableByGetSession(t *testing.T) {
	st := openTestStore(t)
	sess := sampleSession("sess-1")

	if err := st.UpsertSession(sess, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := st.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Project != sess.Project || got.MsgCount != sess.MsgCount {
		t.Errorf("expected %+v, got %+v", sess, got)
	}
}

func TestUpsertSession_WhenCalledTwiceWithSameID_ShouldUpdateInPlace(t *testing.T) {
	st := openTestStore(t)
	sess := sampleSession("sess-1")

	if err := st.UpsertSession(sess, nil); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	sess.MsgCount = 99
	sess.Text = "updated text about deployment"
	if err := st.UpsertSession(sess, nil); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := st.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.MsgCount != 99 {
		t.Errorf("expected updated msg_count 99, got %d", got.MsgCount)
	}
}

func TestUpsertSession_WhenVectorGiven_ShouldBeFindableBySearchVector(t *testing.T) {
	st := openTestStore(t)
	sess := sampleSession("sess-vec")
	vec := make([]float32, 384)
	vec[0] = 1

	if err := st.UpsertSession(sess, vec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := st.SearchVector(vec, 10, model.Filters{})
	if err != nil {
		t.Fatalf("search vector: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "sess-vec" {
		t.Fatalf("expected one hit for sess-vec, got %+v", hits)
	}
	if hits[0].Score < 0.99 {
		t.Errorf("expected near-1.0 cosine similarity for identical vector, got %f", hits[0].Score)
	}
}

func TestDeleteSession_WhenSessionExists_ShouldRemoveSessionAndVectorRows(t *testing.T) {
	st := openTestStore(t)
	sess := sampleSession("sess-del")
	vec := make([]float32, 384)
	vec[0] = 1

	if err := st.UpsertSession(sess, vec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.DeleteSession("sess-del"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := st.GetSession("sess-del")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}

	hits, err := st.SearchVector(vec, 10, model.Filters{})
	if err != nil {
		t.Fatalf("search vector: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no vector hits after delete, got %+v", hits)
	}
}

func TestRebuildFTSIndexAndSearchBM25_WhenQueryMatchesText_ShouldReturnMatchOrderedByScore(t *testing.T) {
	st := openTestStore(t)
	strong := sampleSession("strong-match")
	strong.Text = "authentication authentication authentication middleware setup"
	strong.Preview = strong.Text
	weak := sampleSession("weak-match")
	weak.Text = "a brief mention of authentication in passing"
	weak.Preview = weak.Text
	unrelated := sampleSession("unrelated")
	unrelated.Text = "deploying the frontend to production"
	unrelated.Preview = unrelated.Text

	for _, s := range []model.Session{strong, weak, unrelated} {
		if err := st.UpsertSession(s, nil); err != nil {
			t.Fatalf("upsert %s: %v", s.ID, err)
		}
	}

	if err := st.RebuildFTSIndex(); err != nil {
		t.Fatalf("rebuild fts index: %v", err)
	}

	hits, err := st.SearchBM25("authentication", 10, model.Filters{})
	if err != nil {
		t.Fatalf("search bm25: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 matches, got %d (%+v)", len(hits), hits)
	}
	if hits[0].ID != "strong-match" {
		t.Errorf("expected strong-match scored first, got %s", hits[0].ID)
	}
}

func TestSearchBM25_WhenProjectFilterSet_ShouldExcludeOtherProjects(t *testing.T) {
	st := openTestStore(t)
	inRepo := sampleSession("in-repo")
	inRepo.Project = "/home/user/repo"
	inRepo.Text = "deploy pipeline notes"
	outRepo := sampleSession("out-repo")
	outRepo.Project = "/home/user/other"
	outRepo.Text = "deploy pipeline notes"

	for _, s := range []model.Session{inRepo, outRepo} {
		if err := st.UpsertSession(s, nil); err != nil {
			t.Fatalf("upsert %s: %v", s.ID, err)
		}
	}
	if err := st.RebuildFTSIndex(); err != nil {
		t.Fatalf("rebuild fts index: %v", err)
	}

	hits, err := st.SearchBM25("deploy", 10, model.Filters{Project: "/home/user/repo"})
	if err != nil {
		t.Fatalf("search bm25: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "in-repo" {
		t.Errorf("expected only in-repo, got %+v", hits)
	}
}

func TestListSessions_WhenMultipleSessions_ShouldOrderByLastMsgAtDescending(t *testing.T) {
	st := openTestStore(t)
	older := sampleSession("older")
	older.LastMsgAt = time.Now().Add(-2 * time.Hour)
	newer := sampleSession("newer")
	newer.LastMsgAt = time.Now()

	for _, s := range []model.Session{older, newer} {
		if err := st.UpsertSession(s, nil); err != nil {
			t.Fatalf("upsert %s: %v", s.ID, err)
		}
	}

	got, err := st.ListSessions(model.Filters{}, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(got) != 2 || got[0].ID != "newer" || got[1].ID != "older" {
		t.Fatalf("expected [newer, older], got %+v", got)
	}
}

func TestFileMetaByPath_WhenPathIndexed_ShouldReturnStaleCheckFields(t *testing.T) {
	st := openTestStore(t)
	sess := sampleSession("sess-meta")
	if err := st.UpsertSession(sess, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	fm, err := st.FileMetaByPath(sess.Path)
	if err != nil {
		t.Fatalf("file meta: %v", err)
	}
	if fm == nil {
		t.Fatal("expected file meta, got nil")
	}
	if fm.ContentHash != sess.ContentHash || fm.FileSize != sess.FileSize {
		t.Errorf("expected matching staleness fields, got %+v", fm)
	}
}

func TestFileMetaByPath_WhenPathNeverIndexed_ShouldReturnNil(t *testing.T) {
	st := openTestStore(t)
	fm, err := st.FileMetaByPath("/never/seen.jsonl")
	if err != nil {
		t.Fatalf("file meta: %v", err)
	}
	if fm != nil {
		t.Errorf("expected nil, got %+v", fm)
	}
}

func TestAllPaths_WhenSessionsIndexed_ShouldMapPathToID(t *testing.T) {
	st := openTestStore(t)
	sess := sampleSession("sess-paths")
	if err := st.UpsertSession(sess, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	paths, err := st.AllPaths()
	if err != nil {
		t.Fatalf("all paths: %v", err)
	}
	if paths[sess.Path] != "sess-paths" {
		t.Errorf("expected path mapped to sess-paths, got %v", paths)
	}
}

func TestLastIndexAt_WhenNeverSet_ShouldReturnZeroTime(t *testing.T) {
	st := openTestStore(t)
	got, err := st.LastIndexAt()
	if err != nil {
		t.Fatalf("last index at: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero time, got %v", got)
	}
}

func TestSetLastIndexAt_WhenCalled_ShouldRoundTripThroughLastIndexAt(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := st.SetLastIndexAt(now); err != nil {
		t.Fatalf("set last index at: %v", err)
	}
	got, err := st.LastIndexAt()
	if err != nil {
		t.Fatalf("last index at: %v", err)
	}
	if !got.Equal(now) {
		t.Errorf("expected %v, got %v", now, got)
	}
}

func TestSetEmbedderStatus_WhenCalled_ShouldRoundTripThroughEmbedderStatus(t *testing.T) {
	st := openTestStore(t)
	if err := st.SetEmbedderStatus(true, "bge-small-en-v1.5"); err != nil {
		t.Fatalf("set embedder status: %v", err)
	}

	available, modelID, err := st.EmbedderStatus()
	if err != nil {
		t.Fatalf("embedder status: %v", err)
	}
	if !available || modelID != "bge-small-en-v1.5" {
		t.Errorf("expected (true, bge-small-en-v1.5), got (%v, %s)", available, modelID)
	}
}

func TestStats_WhenSessionsAndVectorsExist_ShouldCountBoth(t *testing.T) {
	st := openTestStore(t)
	withVec := sampleSession("with-vec")
	withoutVec := sampleSession("without-vec")

	if err := st.UpsertSession(withVec, make([]float32, 384)); err != nil {
		t.Fatalf("upsert with vec: %v", err)
	}
	if err := st.UpsertSession(withoutVec, nil); err != nil {
		t.Fatalf("upsert without vec: %v", err)
	}

	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.NumSessions != 2 {
		t.Errorf("expected 2 sessions, got %d", stats.NumSessions)
	}
	if stats.NumEmbedded != 1 {
		t.Errorf("expected 1 embedded, got %d", stats.NumEmbedded)
	}
}

func TestInsertEventAndToolSearch_WhenToolNameMatches_ShouldReturnEvent(t *testing.T) {
	st := openTestStore(t)
	ts := time.Now().UTC().Truncate(time.Second)

	if err := st.InsertEvent("sess-1", ts, "Bash", []byte(`{"command":"ls"}`), []byte(`{"output":"ok"}`)); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	events, err := st.ToolSearch("Bash", 10, model.Filters{})
	if err != nil {
		t.Fatalf("tool search: %v", err)
	}
	if len(events) != 1 || events[0].ToolName != "Bash" {
		t.Fatalf("expected one Bash event, got %+v", events)
	}
}

func TestToolSearch_WhenPatternIsWildcard_ShouldReturnAllEvents(t *testing.T) {
	st := openTestStore(t)
	ts := time.Now().UTC().Truncate(time.Second)

	if err := st.InsertEvent("sess-1", ts, "Bash", nil, nil); err != nil {
		t.Fatalf("insert bash event: %v", err)
	}
	if err := st.InsertEvent("sess-1", ts, "Read", nil, nil); err != nil {
		t.Fatalf("insert read event: %v", err)
	}

	events, err := st.ToolSearch("*", 10, model.Filters{})
	if err != nil {
		t.Fatalf("tool search: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
}

func TestToolSearch_WhenDaysFilterApplied_ShouldNotErrorAndShouldFilterByTimestamp(t *testing.T) {
	st := openTestStore(t)
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	recent := time.Now().UTC()

	if err := st.InsertEvent("sess-1", old, "Bash", nil, nil); err != nil {
		t.Fatalf("insert old event: %v", err)
	}
	if err := st.InsertEvent("sess-1", recent, "Bash", nil, nil); err != nil {
		t.Fatalf("insert recent event: %v", err)
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	events, err := st.ToolSearch("Bash", 10, model.Filters{Time: &model.TimeFilter{Since: &since}})
	if err != nil {
		t.Fatalf("tool search with days filter: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event within the time filter, got %d", len(events))
	}
}

func TestToolSearch_WhenProjectFilterApplied_ShouldFilterByLinkedSessionProject(t *testing.T) {
	st := openTestStore(t)
	ts := time.Now().UTC()

	matching := sampleSession("sess-proj-match")
	matching.Project = "/home/user/repo"
	other := sampleSession("sess-proj-other")
	other.Project = "/home/user/unrelated"
	if err := st.UpsertSession(matching, nil); err != nil {
		t.Fatalf("upsert matching session: %v", err)
	}
	if err := st.UpsertSession(other, nil); err != nil {
		t.Fatalf("upsert other session: %v", err)
	}
	if err := st.InsertEvent("sess-proj-match", ts, "Bash", nil, nil); err != nil {
		t.Fatalf("insert event for matching project: %v", err)
	}
	if err := st.InsertEvent("sess-proj-other", ts, "Bash", nil, nil); err != nil {
		t.Fatalf("insert event for other project: %v", err)
	}

	events, err := st.ToolSearch("*", 10, model.Filters{Project: "/home/user/repo"})
	if err != nil {
		t.Fatalf("tool search with project filter: %v", err)
	}
	if len(events) != 1 || events[0].SessionID != "sess-proj-match" {
		t.Fatalf("expected only the matching-project event, got %+v", events)
	}
}

func TestOpenReadOnly_WhenIndexAlreadyExists_ShouldOpenWithSharedLock(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.duckdb")

	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st.Close()

	ro, err := OpenReadOnly(dbPath)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()

	if _, err := ro.ListSessions(model.Filters{}, 10); err != nil {
		t.Errorf("expected read-only store to serve queries, got %v", err)
	}
}

func TestOpen_WhenReadOnlyHoldsSharedLock_ShouldStillAllowAnotherReader(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.duckdb")

	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st.Close()

	ro1, err := OpenReadOnly(dbPath)
	if err != nil {
		t.Fatalf("open read-only 1: %v", err)
	}
	defer ro1.Close()

	ro2, err := OpenReadOnly(dbPath)
	if err != nil {
		t.Fatalf("expected a second shared reader to succeed, got %v", err)
	}
	ro2.Close()
}

func TestUpsertSessionsBatch_WhenOneSessionFails_ShouldRollBackEntireBatch(t *testing.T) {
	st := openTestStore(t)
	good := sampleSession("sess-good")
	bad := sampleSession("sess-bad")
	badVector := []float32{0.1, 0.2, 0.3} // wrong dimension for the session_vectors column

	err := st.UpsertSessionsBatch([]SessionUpsert{
		{Session: good},
		{Session: bad, Vector: badVector},
	})
	if err == nil {
		t.Fatal("expected an error from the batch containing a mis-dimensioned vector")
	}

	got, err := st.GetSession("sess-good")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got != nil {
		t.Error("expected the whole batch to roll back, but sess-good was committed")
	}
}

func TestSaveSummaryAndSummaryFor_WhenCalled_ShouldRoundTrip(t *testing.T) {
	st := openTestStore(t)
	sess := sampleSession("sess-summary")
	if err := st.UpsertSession(sess, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := st.SaveSummary("sess-summary", "discussed auth middleware refactor", "gpt-4o-mini"); err != nil {
		t.Fatalf("save summary: %v", err)
	}

	got, err := st.SummaryFor("sess-summary")
	if err != nil {
		t.Fatalf("summary for: %v", err)
	}
	if got != "discussed auth middleware refactor" {
		t.Errorf("expected stored summary, got %q", got)
	}
}

func TestSummaryFor_WhenNoSummaryExists_ShouldReturnEmptyString(t *testing.T) {
	st := openTestStore(t)
	got, err := st.SummaryFor("nonexistent")
	if err != nil {
		t.Fatalf("summary for: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}
