package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/madzarm/ccsearch/internal/config"
	"github.com/madzarm/ccsearch/internal/embed"
	"github.com/madzarm/ccsearch/internal/indexer"
	"github.com/madzarm/ccsearch/internal/model"
	"github.com/madzarm/ccsearch/internal/searcher"
	"github.com/madzarm/ccsearch/internal/store"
	"github.com/madzarm/ccsearch/internal/toolindex"
	"github.com/madzarm/ccsearch/internal/tui"
)

var matchStyle = lipgloss.NewStyle().Bold(true)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "ccsearch [query]",
		Short: "Hybrid BM25+vector search over your Claude Code session history",
	}

	var (
		days      int
		project   string
		limit     int
		noTUI     bool
		jsonOut   bool
		bm25W     float64
		vecW      float64
		force     bool
		verbose   bool
	)

	searchCmd := &cobra.Command{
		Use:           "search [query]",
		Short:         "Search session history (default command)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(args, days, project, limit, noTUI, jsonOut, bm25W, vecW)
		},
	}
	addSearchFlags := func(c *cobra.Command) {
		c.Flags().IntVar(&days, "days", 0, "only consider sessions active in the last N days")
		c.Flags().StringVar(&project, "project", "", "filter by project path prefix")
		c.Flags().IntVar(&limit, "limit", 0, "max results (0 = config default)")
		c.Flags().BoolVar(&noTUI, "no-tui", false, "print results instead of launching the picker")
		c.Flags().BoolVar(&jsonOut, "json", false, "output results as JSON")
		c.Flags().Float64Var(&bm25W, "bm25-weight", 0, "override the BM25 RRF weight")
		c.Flags().Float64Var(&vecW, "vec-weight", 0, "override the vector RRF weight")
	}
	addSearchFlags(searchCmd)
	root.AddCommand(searchCmd)

	indexCmd := &cobra.Command{
		Use:           "index",
		Short:         "Reconcile the index against the transcript directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(days, force, verbose)
		},
	}
	indexCmd.Flags().IntVar(&days, "days", 0, "accepted but not applied: index always reconciles every transcript")
	indexCmd.Flags().BoolVar(&force, "force", false, "re-embed every session regardless of staleness")
	indexCmd.Flags().BoolVar(&verbose, "verbose", false, "print per-file progress")
	root.AddCommand(indexCmd)

	listCmd := &cobra.Command{
		Use:           "list",
		Short:         "Enumerate indexed sessions, most recent first",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(days, project, jsonOut)
		},
	}
	listCmd.Flags().IntVar(&days, "days", 0, "only list sessions active in the last N days")
	listCmd.Flags().StringVar(&project, "project", "", "filter by project path prefix")
	listCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	root.AddCommand(listCmd)

	configCmd := &cobra.Command{
		Use:           "config",
		Short:         "Print effective configuration, creating the default file on first run",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig()
		},
	}
	root.AddCommand(configCmd)

	var toolLimit int
	toolsCmd := &cobra.Command{
		Use:           "tools <pattern>",
		Short:         "Search the historical tool-call event log",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(args[0], toolLimit, days, project, jsonOut)
		},
	}
	toolsCmd.Flags().IntVar(&toolLimit, "limit", 50, "max tool events to return")
	toolsCmd.Flags().IntVar(&days, "days", 0, "only consider events in the last N days")
	toolsCmd.Flags().StringVar(&project, "project", "", "filter by project path prefix")
	toolsCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	root.AddCommand(toolsCmd)

	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runSearch(args, days, project, limit, noTUI, jsonOut, bm25W, vecW)
	}
	addSearchFlags(root)

	if err := root.Execute(); err != nil {
		return reportError(err)
	}
	return 0
}

// reportError classifies err through model.ErrKind and prints it, returning
// the CLI's exit code. The core packages never print directly — this is
// the single print site.
func reportError(err error) int {
	kind := model.KindOf(err)
	if kind == model.KindCancelRequested {
		return 130
	}

	fmt.Fprintf(os.Stderr, "ccsearch: %v\n", err)

	switch kind {
	case model.KindQueryInvalid:
		return 1
	default:
		return 2
	}
}

// --- search ---

func runSearch(args []string, days int, project string, limit int, noTUI, jsonOut bool, bm25W, vecW float64) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	query := joinArgs(args)

	st, writable, err := openStoreForSearch(cfg.DBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	var emb embed.Embedder
	var ix *indexer.Indexer
	if writable {
		emb, ix = openEmbedderAndIndexer(cfg, st)
	} else {
		emb = openEmbedder(cfg)
	}
	if emb != nil {
		defer emb.Close()
	}

	s := searcher.New(st, emb, ix)
	w := searcher.DefaultWeights()
	w.BM25 = cfg.BM25Weight
	w.Vec = cfg.VecWeight
	w.K = cfg.RRFK
	if bm25W != 0 {
		w.BM25 = bm25W
	}
	if vecW != 0 {
		w.Vec = vecW
	}

	f, err := buildFilters(days, project)
	if err != nil {
		return model.NewError(model.KindQueryInvalid, err)
	}

	resultLimit := cfg.MaxResults
	if limit > 0 {
		resultLimit = limit
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if query == "" && !jsonOut && !noTUI {
		return runPicker(ctx, s, w, f, resultLimit)
	}

	results, err := s.Search(ctx, query, f, resultLimit, w, true)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(results)
	}
	printResultsText(results)
	return nil
}

func runPicker(ctx context.Context, s *searcher.Searcher, w searcher.Weights, f model.Filters, limit int) error {
	m := tui.New(ctx, s, w, f, limit)
	p := tea.NewProgram(m, tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return model.NewError(model.KindInternal, err)
	}

	picked, ok := final.(tui.Model)
	if !ok || picked.Resumed == "" {
		return nil
	}

	code, err := tui.Resume(picked.Resumed)
	if err != nil {
		return model.NewError(model.KindInternal, err)
	}
	os.Exit(code)
	return nil
}

// --- index ---

func runIndex(days int, force, verbose bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	emb, ix := openEmbedderAndIndexer(cfg, st)
	if emb != nil {
		defer emb.Close()
	}
	if emb == nil {
		log.Warn("embedder unavailable, indexing lexical-only", "model_dir", cfg.ModelDir())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var progress indexer.ProgressFunc
	if verbose {
		progress = func(ev model.ProgressEvent) {
			log.Info(ev.Phase, "done", ev.Done, "total", ev.Total, "current", ev.Current)
		}
	}

	if err := ix.Reconcile(ctx, force, progress); err != nil {
		return err
	}

	stats, err := st.Stats()
	if err != nil {
		return err
	}
	log.Info("index reconciled",
		"sessions", stats.NumSessions,
		"embedded", stats.NumEmbedded,
		"size_kb", stats.IndexSizeKB)
	return nil
}

// --- list ---

func runList(days int, project string, jsonOut bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := store.OpenReadOnly(cfg.DBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	f, err := buildFilters(days, project)
	if err != nil {
		return model.NewError(model.KindQueryInvalid, err)
	}

	sessions, err := st.ListSessions(f, cfg.MaxResults)
	if err != nil {
		return err
	}

	results := make([]model.SearchResult, len(sessions))
	for i, sess := range sessions {
		var proj *string
		if sess.Project != "" {
			p := sess.Project
			proj = &p
		}
		results[i] = model.SearchResult{
			ID:        sess.ID,
			Project:   proj,
			StartedAt: sess.StartedAt.Unix(),
			LastMsgAt: sess.LastMsgAt.Unix(),
			MsgCount:  sess.MsgCount,
			Snippet:   sess.Preview,
		}
	}

	if jsonOut {
		return printJSON(results)
	}
	printResultsText(results)
	return nil
}

// --- config ---

func runConfig() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fmt.Printf("data_dir          %s\n", cfg.DataDir())
	fmt.Printf("config_path       %s\n", cfg.ConfigPath())
	fmt.Printf("bm25_weight       %g\n", cfg.BM25Weight)
	fmt.Printf("vec_weight        %g\n", cfg.VecWeight)
	fmt.Printf("rrf_k             %d\n", cfg.RRFK)
	fmt.Printf("max_results       %d\n", cfg.MaxResults)
	fmt.Printf("default_days      %d\n", cfg.DefaultDays)
	fmt.Printf("max_text_chars    %d\n", cfg.MaxTextChars)
	fmt.Printf("transcripts_root  %s\n", cfg.TranscriptsRoot)
	return nil
}

// --- tools ---

func runTools(pattern string, limit, days int, project string, jsonOut bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := store.OpenReadOnly(cfg.DBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	f, err := buildFilters(days, project)
	if err != nil {
		return model.NewError(model.KindQueryInvalid, err)
	}

	ti := toolindex.New(st)
	events, err := ti.Search(pattern, limit, f)
	if err != nil {
		return err
	}

	if jsonOut {
		b, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return model.NewError(model.KindInternal, err)
		}
		fmt.Println(string(b))
		return nil
	}

	for i, e := range events {
		fmt.Printf("[%d] %s  %s  session=%s\n", i+1, e.Timestamp.Format("2006-01-02 15:04"), e.ToolName, shortID(e.SessionID))
		fmt.Printf("    %s\n\n", truncate(e.ToolInput, 160))
	}
	return nil
}

// --- shared helpers ---

// openStoreForSearch tries to open the store for reading and writing, so a
// search can JIT-reconcile the index first. If a concurrent writer already
// holds the exclusive lock, it falls back to a read-only open: the search
// still proceeds, just against whatever is already indexed, per spec's
// "IndexStoreBusy is fatal for write commands; read commands proceed."
func openStoreForSearch(dbPath string) (st *store.Store, writable bool, err error) {
	st, err = store.Open(dbPath)
	if err == nil {
		return st, true, nil
	}
	if model.KindOf(err) != model.KindIndexStoreBusy {
		return nil, false, err
	}
	st, roErr := store.OpenReadOnly(dbPath)
	if roErr != nil {
		return nil, false, err
	}
	return st, false, nil
}

func openEmbedder(cfg config.Config) embed.Embedder {
	emb, err := embed.New(cfg.ModelDir(), 0)
	if err != nil {
		return nil
	}
	return emb
}

func openEmbedderAndIndexer(cfg config.Config, st *store.Store) (embed.Embedder, *indexer.Indexer) {
	emb := openEmbedder(cfg)
	ix := indexer.New(st, emb, cfg.ModelID(), cfg.TranscriptsRoot, cfg.MaxTextChars, runtime.NumCPU())
	return emb, ix
}

func buildFilters(days int, project string) (model.Filters, error) {
	var sinceStr string
	if days > 0 {
		sinceStr = fmt.Sprintf("%dd", days)
	}
	tf, err := model.ParseTimeFilter(sinceStr, "")
	if err != nil {
		return model.Filters{}, err
	}
	return model.Filters{Time: tf, Project: project}, nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func printJSON(results []model.SearchResult) error {
	type envelope struct {
		Results []model.SearchResult `json:"results"`
	}
	for i := range results {
		results[i].Snippet = stripHighlight(results[i].Snippet)
	}
	b, err := json.MarshalIndent(envelope{Results: results}, "", "  ")
	if err != nil {
		return model.NewError(model.KindInternal, err)
	}
	fmt.Println(string(b))
	return nil
}

func printResultsText(results []model.SearchResult) {
	if len(results) == 0 {
		fmt.Println("no results")
		return
	}
	for i, r := range results {
		proj := "-"
		if r.Project != nil {
			proj = *r.Project
		}
		fmt.Printf("[%d] %.4f  %s  session=%s\n", i+1, r.FusedScore, proj, shortID(r.ID))
		fmt.Printf("    %s\n\n", renderHighlight(r.Snippet))
	}
}

// stripHighlight removes the extractSnippet highlight markers, for output
// formats (JSON) that carry plain text only.
func stripHighlight(s string) string {
	before, matched, after, ok := searcher.SplitHighlight(s)
	if !ok {
		return s
	}
	return before + matched + after
}

// renderHighlight bolds the matched query token for terminal output.
func renderHighlight(s string) string {
	before, matched, after, ok := searcher.SplitHighlight(s)
	if !ok {
		return s
	}
	return before + matchStyle.Render(matched) + after
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
