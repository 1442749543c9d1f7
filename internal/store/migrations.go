package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. Times are INTEGER
// unix nanoseconds.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	provider       TEXT NOT NULL,
	email          TEXT NOT NULL,
	display_name   TEXT NOT NULL DEFAULT '',
	credential_ref TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'connected',
	state          TEXT NOT NULL DEFAULT 'idle',
	attempts       INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	last_sync      INTEGER,
	next_sync      INTEGER,
	created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	provider_id TEXT NOT NULL,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	PRIMARY KEY (account_id, provider_id)
);

CREATE TABLE IF NOT EXISTS messages (
	account_id      TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	provider_id     TEXT NOT NULL,
	thread_id       TEXT NOT NULL DEFAULT '',
	folder_id       TEXT NOT NULL,
	subject         TEXT NOT NULL DEFAULT '',
	from_addr       TEXT NOT NULL DEFAULT '',
	to_addrs        TEXT NOT NULL DEFAULT '[]',
	cc_addrs        TEXT NOT NULL DEFAULT '[]',
	date            INTEGER,
	snippet         TEXT NOT NULL DEFAULT '',
	is_read         INTEGER NOT NULL DEFAULT 0,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	size            INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, provider_id)
);

CREATE TABLE IF NOT EXISTS message_bodies (
	account_id  TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	text_body   TEXT NOT NULL DEFAULT '',
	html_body   TEXT NOT NULL DEFAULT '',
	fetched_at  INTEGER NOT NULL,
	PRIMARY KEY (account_id, provider_id),
	FOREIGN KEY (account_id, provider_id) REFERENCES messages(account_id, provider_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS attachments (
	account_id    TEXT NOT NULL,
	provider_id   TEXT NOT NULL,
	attachment_id TEXT NOT NULL,
	filename      TEXT NOT NULL DEFAULT '',
	mime_type     TEXT NOT NULL DEFAULT '',
	size          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, provider_id, attachment_id),
	FOREIGN KEY (account_id, provider_id) REFERENCES messages(account_id, provider_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	folder_id   TEXT NOT NULL,
	delta       TEXT NOT NULL DEFAULT '',
	page_token  TEXT NOT NULL DEFAULT '',
	backfilled  INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (account_id, folder_id)
);

CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id);
CREATE INDEX IF NOT EXISTS idx_accounts_next_sync ON accounts(next_sync);
CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(account_id, folder_id);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(account_id, date DESC);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS outbox (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	ts              INTEGER NOT NULL,
	subject         TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         BLOB NOT NULL,
	msg_id          TEXT NOT NULL,
	retries         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	published_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(published_at, next_attempt_at);
`,
	},
}
