package db

// Metadata lives in the mailbox/message tables. Content lives in the
// contents table only when the SQLite backend is active; other backends keep
// just the content_ref here.
const schema = `
CREATE TABLE IF NOT EXISTS mailboxes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT UNIQUE NOT NULL,
    owner TEXT NOT NULL DEFAULT '',
    uid_validity INTEGER NOT NULL,
    next_uid INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mailbox_id INTEGER NOT NULL,
    uid INTEGER NOT NULL,
    internal_date DATETIME,
    size INTEGER NOT NULL,
    body_start_octet INTEGER NOT NULL,
    flags TEXT NOT NULL DEFAULT '',
    content_ref TEXT NOT NULL,
    stored_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(mailbox_id, uid),
    CHECK (body_start_octet >= 0 AND body_start_octet <= size),
    FOREIGN KEY(mailbox_id) REFERENCES mailboxes(id) ON DELETE CASCADE
);

-- Header fields in the order they appeared
CREATE TABLE IF NOT EXISTS headers (
    message_row INTEGER NOT NULL,
    line_number INTEGER NOT NULL,
    name TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (message_row, line_number),
    FOREIGN KEY(message_row) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS properties (
    message_row INTEGER NOT NULL,
    line_number INTEGER NOT NULL,
    namespace TEXT NOT NULL,
    local_name TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (message_row, line_number),
    FOREIGN KEY(message_row) REFERENCES messages(id) ON DELETE CASCADE
);

-- Message bytes for the SQLite content backend. data is read in chunks with substr().
CREATE TABLE IF NOT EXISTS contents (
    ref TEXT PRIMARY KEY,
    data BLOB,
    size INTEGER NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Files already imported by the indexer, keyed by path on disk
CREATE TABLE IF NOT EXISTS sources (
    path TEXT PRIMARY KEY,
    mailbox_id INTEGER NOT NULL,
    uid INTEGER NOT NULL,
    imported_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(mailbox_id) REFERENCES mailboxes(id) ON DELETE CASCADE
);

-- Settings table (for storing email folder path, preferences)
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes for performance
CREATE INDEX IF NOT EXISTS idx_messages_mailbox_date ON messages(mailbox_id, internal_date DESC);
CREATE INDEX IF NOT EXISTS idx_messages_content_ref ON messages(content_ref);
`
