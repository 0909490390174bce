// Package reader parses Claude Code JSONL transcript files into normalized
// session records.
package reader

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/madzarm/ccsearch/internal/model"
	"github.com/zeebo/xxh3"
)

// DefaultMaxTextChars bounds the stored, searchable text of a session when
// the caller does not supply its own limit.
const DefaultMaxTextChars = 8_000

const previewChars = 200

// transcriptLine is the JSON structure of a single JSONL line. Claude Code
// transcripts interleave message lines with summary/meta lines; only the
// former carry a message payload.
type transcriptLine struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Parent    string          `json:"parentUuid"`
	SessionID string          `json:"sessionId"`
	CWD       string          `json:"cwd"`
	Timestamp string          `json:"timestamp"`
	Message   *messagePayload `json:"message"`
}

type messagePayload struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ReadSession parses path in full and returns the normalized Session record:
// id, project, timestamps, concatenated text, preview, content hash, and
// file metadata. maxTextChars caps the stored text; 0 uses DefaultMaxTextChars.
func ReadSession(path string, maxTextChars int) (*model.Session, error) {
	if maxTextChars <= 0 {
		maxTextChars = DefaultMaxTextChars
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, model.NewError(model.KindTranscriptUnreadable, fmt.Errorf("stat %s: %w", path, err))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, model.NewError(model.KindTranscriptUnreadable, fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024) // 10 MB max line

	var (
		sessionID string
		project   string
		started   time.Time
		last      time.Time
		msgCount  int
		preview   string
		text      strings.Builder
	)
	now := time.Now().UTC()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var tl transcriptLine
		if err := json.Unmarshal(line, &tl); err != nil {
			continue
		}
		if sessionID == "" && tl.SessionID != "" {
			sessionID = tl.SessionID
		}
		if project == "" && tl.CWD != "" {
			project = tl.CWD
		}
		if tl.Message == nil {
			continue
		}

		role := tl.Message.Role
		if role != "user" && role != "assistant" {
			continue
		}

		body := collapseWhitespace(extractText(tl.Message.Content))
		if body == "" {
			continue
		}

		ts := parseTimestamp(tl.Timestamp, now)
		if started.IsZero() {
			started = ts
		}
		if ts.After(last) {
			last = ts
		}
		msgCount++
		if preview == "" && role == "user" {
			preview = truncateRunes(body, previewChars)
		}

		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(body)
	}
	if err := scanner.Err(); err != nil {
		return nil, model.NewError(model.KindTranscriptUnreadable, fmt.Errorf("scan %s: %w", path, err))
	}

	if msgCount == 0 {
		return nil, model.NewError(model.KindTranscriptEmpty, fmt.Errorf("%s: no user or assistant messages", path))
	}

	if sessionID == "" {
		sessionID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if preview == "" {
		preview = truncateRunes(text.String(), previewChars)
	}
	if last.Before(started) {
		last = started
	}

	full := text.String()
	hash := xxh3.HashString128(full)

	return &model.Session{
		ID:          sessionID,
		Path:        path,
		Project:     project,
		StartedAt:   started,
		LastMsgAt:   last,
		MsgCount:    msgCount,
		FileMtime:   info.ModTime(),
		FileSize:    info.Size(),
		ContentHash: fmt.Sprintf("%016x%016x", hash.Hi, hash.Lo),
		Text:        truncateRunes(full, maxTextChars),
		Preview:     preview,
	}, nil
}

// extractText pulls human-readable text from a message's content field.
// User messages carry a plain string; assistant messages carry an array of
// content blocks, of which only "text" blocks are prose.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}

	var parts []string
	for _, block := range blocks {
		var obj struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(block, &obj); err != nil {
			continue
		}
		if obj.Type == "text" && obj.Text != "" {
			parts = append(parts, obj.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// collapseWhitespace folds runs of whitespace (including blank lines) down
// to a single space, so pasted content with heavy indentation or repeated
// blank lines doesn't burn the max_text_chars budget on non-semantic bytes.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func parseTimestamp(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return fallback
}

// truncateRunes caps s at max runes, always on a UTF-8 boundary.
func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
