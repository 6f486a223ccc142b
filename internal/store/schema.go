package store

// Schema matches what downstream reporting reads. The indicator columns
// (ma5/ma10/ma20, rsi6/rsi14, pct_change) are computed elsewhere; this
// pipeline must leave them alone on upsert.
const schema = `
CREATE TABLE IF NOT EXISTS merged_stocks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TEXT,
	code TEXT NOT NULL,
	date TEXT NOT NULL,
	open REAL,
	high REAL,
	low REAL,
	close REAL,
	volume INTEGER,
	amount REAL,
	outstanding_share REAL,
	turnover REAL,
	name TEXT,
	ma5 REAL,
	ma10 REAL,
	ma20 REAL,
	rsi6 REAL,
	rsi14 REAL,
	pct_change REAL,
	source TEXT,
	fetched_at TEXT,
	UNIQUE (code, date)
);

CREATE INDEX IF NOT EXISTS idx_merged_stocks_code_date ON merged_stocks (code, date);
CREATE INDEX IF NOT EXISTS idx_merged_stocks_date ON merged_stocks (date);

CREATE TABLE IF NOT EXISTS data_status (
	code TEXT PRIMARY KEY,
	last_updated TEXT,
	record_count INTEGER NOT NULL DEFAULT 0,
	status TEXT
);

CREATE TABLE IF NOT EXISTS stock_list (
	code TEXT PRIMARY KEY,
	name TEXT
);
`
