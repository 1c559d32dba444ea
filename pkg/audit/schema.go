package audit

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_event (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	pid      INTEGER NOT NULL,
	syscall  TEXT NOT NULL,
	args     TEXT NOT NULL DEFAULT '',
	ret      INTEGER NOT NULL DEFAULT 0,
	is_error INTEGER NOT NULL DEFAULT 0,
	denied   INTEGER NOT NULL DEFAULT 0,
	ts       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_event_pid ON audit_event(pid);
CREATE INDEX IF NOT EXISTS idx_audit_event_ts ON audit_event(ts);
`
