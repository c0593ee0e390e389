package store

type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations are applied in order, each in its own transaction. Never edit
// a released entry; append a new one.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create kv",
		SQL: `
			CREATE TABLE kv (
				key         TEXT PRIMARY KEY,
				value       TEXT NOT NULL,
				updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
			);
		`,
	},
	{
		Version: 2,
		Name:    "index kv by update time",
		SQL:     `CREATE INDEX kv_updated_at ON kv (updated_at);`,
	},
}
