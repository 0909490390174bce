package store

import "fmt"

// schemaVersion gates forward-only migrations via the meta table.
const schemaVersion = 1

const coreSchema = `
CREATE SEQUENCE IF NOT EXISTS events_id_seq START 1;

CREATE TABLE IF NOT EXISTS sessions (
    id            VARCHAR PRIMARY KEY,
    path          VARCHAR NOT NULL,
    project       VARCHAR,
    started_at    TIMESTAMP NOT NULL,
    last_msg_at   TIMESTAMP NOT NULL,
    msg_count     INTEGER NOT NULL,
    file_mtime    TIMESTAMP NOT NULL,
    file_size     BIGINT NOT NULL,
    content_hash  VARCHAR NOT NULL,
    text          VARCHAR NOT NULL,
    preview       VARCHAR NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    id                 INTEGER PRIMARY KEY DEFAULT 1,
    schema_version     INTEGER NOT NULL,
    last_index_at      TIMESTAMP,
    embedder_available BOOLEAN NOT NULL DEFAULT false,
    model_id           VARCHAR
);

CREATE TABLE IF NOT EXISTS events (
    id          BIGINT DEFAULT nextval('events_id_seq') PRIMARY KEY,
    session_id  VARCHAR NOT NULL,
    timestamp   TIMESTAMP NOT NULL,
    tool_name   VARCHAR,
    tool_input  JSON,
    tool_result JSON
);
CREATE INDEX IF NOT EXISTS idx_events_ts      ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_tool    ON events(tool_name);

CREATE TABLE IF NOT EXISTS session_summaries (
    session_id   VARCHAR PRIMARY KEY,
    summary      VARCHAR NOT NULL,
    model        VARCHAR,
    generated_at TIMESTAMP NOT NULL
);
`

// vectorSchema creates the session_vectors table for the given embedding
// dimension. Only populated when an embedder was available at index time.
func vectorSchema(dimension int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS session_vectors (
    session_id VARCHAR PRIMARY KEY,
    embedding  FLOAT[%d]
);
`, dimension)
}
