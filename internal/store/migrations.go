package store

type migration struct {
	version int
	sql     string
}

// migrations run in order; versions are sequential from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS connections (
	connection_id    TEXT PRIMARY KEY,
	adapter_kind     TEXT NOT NULL,
	base_url         TEXT NOT NULL DEFAULT '',
	property_id      TEXT NOT NULL DEFAULT '',
	property_country TEXT NOT NULL DEFAULT '',
	capabilities     TEXT NOT NULL DEFAULT '',
	rate_limit       TEXT NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL DEFAULT 'active',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_events (
	seq                  INTEGER PRIMARY KEY AUTOINCREMENT,
	source_connection_id TEXT NOT NULL,
	event_id             TEXT NOT NULL,
	event_type           TEXT NOT NULL DEFAULT '',
	provider_event_type  TEXT NOT NULL DEFAULT '',
	adapter_kind         TEXT NOT NULL DEFAULT '',
	occurred_at          TEXT NOT NULL DEFAULT '',
	canonical_payload    TEXT NOT NULL DEFAULT '{}',
	raw_payload          TEXT NOT NULL DEFAULT '',
	partition_key        TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	error                TEXT NOT NULL DEFAULT '',
	attempts             INTEGER NOT NULL DEFAULT 0,
	received_at          TEXT NOT NULL,
	processed_at         TEXT NOT NULL DEFAULT '',
	UNIQUE (source_connection_id, event_id)
);

CREATE TABLE IF NOT EXISTS cases (
	case_id             TEXT PRIMARY KEY,
	connection_id       TEXT NOT NULL,
	external_dispute_id TEXT NOT NULL,
	status              TEXT NOT NULL,
	reservation_ref     TEXT NOT NULL DEFAULT '',
	guest_ref           TEXT NOT NULL DEFAULT '',
	version             INTEGER NOT NULL,
	body                TEXT NOT NULL,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	UNIQUE (connection_id, external_dispute_id)
);

CREATE TABLE IF NOT EXISTS timeline_events (
	id              INTEGER PRIMARY KEY,
	case_id         TEXT NOT NULL REFERENCES cases(case_id),
	kind            TEXT NOT NULL,
	from_status     TEXT NOT NULL DEFAULT '',
	to_status       TEXT NOT NULL DEFAULT '',
	actor           TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	source_event_id TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbound_tasks (
	task_id              TEXT PRIMARY KEY,
	seq                  INTEGER NOT NULL,
	case_id              TEXT NOT NULL,
	target_connection_id TEXT NOT NULL,
	action               TEXT NOT NULL,
	payload              TEXT NOT NULL DEFAULT '{}',
	attempt              INTEGER NOT NULL DEFAULT 0,
	next_attempt_at      TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	last_error           TEXT NOT NULL DEFAULT '',
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
	alert_id      TEXT PRIMARY KEY,
	level         TEXT NOT NULL,
	case_id       TEXT NOT NULL DEFAULT '',
	connection_id TEXT NOT NULL DEFAULT '',
	task_id       TEXT NOT NULL DEFAULT '',
	message       TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS record_hashes (
	connection_id TEXT NOT NULL,
	record_id     TEXT NOT NULL,
	hash          TEXT NOT NULL,
	PRIMARY KEY (connection_id, record_id)
);

CREATE TABLE IF NOT EXISTS poll_cursors (
	connection_id TEXT PRIMARY KEY,
	cursor        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_events_status ON sync_events(status, seq);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
CREATE INDEX IF NOT EXISTS idx_cases_reservation ON cases(reservation_ref);
CREATE INDEX IF NOT EXISTS idx_cases_guest ON cases(guest_ref);
CREATE INDEX IF NOT EXISTS idx_timeline_case ON timeline_events(case_id, id);
CREATE INDEX IF NOT EXISTS idx_tasks_lane ON outbound_tasks(case_id, target_connection_id, seq);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON outbound_tasks(status);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_sync_events_partition ON sync_events(partition_key, status, seq);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
