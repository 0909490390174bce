package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault_ShouldRootDataDirUnderHome(t *testing.T) {
	c := Default()
	if !strings.HasSuffix(c.DataDir(), ".ccsearch") {
		t.Errorf("expected DataDir ending in .ccsearch, got %q", c.DataDir())
	}
}

func TestDefault_ShouldPopulateExpectedDefaultValues(t *testing.T) {
	c := Default()
	if c.BM25Weight != 1.0 || c.VecWeight != 1.0 {
		t.Errorf("expected equal default weights of 1.0, got bm25=%v vec=%v", c.BM25Weight, c.VecWeight)
	}
	if c.RRFK != 60 {
		t.Errorf("expected rrf_k=60, got %d", c.RRFK)
	}
	if c.MaxResults != 20 {
		t.Errorf("expected max_results=20, got %d", c.MaxResults)
	}
	if c.MaxTextChars != 8_000 {
		t.Errorf("expected max_text_chars=8000, got %d", c.MaxTextChars)
	}
	if !strings.HasSuffix(c.TranscriptsRoot, filepath.Join(".claude", "projects")) {
		t.Errorf("expected transcripts_root ending in .claude/projects, got %q", c.TranscriptsRoot)
	}
}

func TestDBPath_ShouldJoinDataDirAndIndexDB(t *testing.T) {
	c := Default()
	expected := filepath.Join(c.DataDir(), "index.db")
	if c.DBPath() != expected {
		t.Errorf("expected %q, got %q", expected, c.DBPath())
	}
}

func TestModelDir_ShouldJoinDataDirModelsAndModelID(t *testing.T) {
	c := Default()
	expected := filepath.Join(c.DataDir(), "models", c.ModelID())
	if c.ModelDir() != expected {
		t.Errorf("expected %q, got %q", expected, c.ModelDir())
	}
}

func withTempHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old := os.Getenv("HOME")
	os.Setenv("HOME", dir)
	t.Cleanup(func() { os.Setenv("HOME", old) })
	return dir
}

func TestLoad_WhenConfigFileAbsent_ShouldWriteDefaultsAndReturnThem(t *testing.T) {
	withTempHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RRFK != 60 {
		t.Errorf("expected default rrf_k, got %d", cfg.RRFK)
	}
	if _, err := os.Stat(cfg.ConfigPath()); err != nil {
		t.Errorf("expected config.toml to be written, stat failed: %v", err)
	}
}

func TestLoad_WhenConfigFileExists_ShouldOverrideDefaults(t *testing.T) {
	withTempHome(t)

	first, err := Load()
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	first.MaxResults = 42
	if err := first.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	second, err := Load()
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if second.MaxResults != 42 {
		t.Errorf("expected overridden max_results=42, got %d", second.MaxResults)
	}
}

func TestSave_ShouldPreserveDataDirAcrossReload(t *testing.T) {
	withTempHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	wantDataDir := cfg.DataDir()

	reloaded, err := Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.DataDir() != wantDataDir {
		t.Errorf("expected DataDir unchanged across reload, got %q want %q", reloaded.DataDir(), wantDataDir)
	}
}
