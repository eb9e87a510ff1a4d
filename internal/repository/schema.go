package repository

const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS metrics (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp      INTEGER NOT NULL,
		cpu_percent    REAL,
		memory_percent REAL,
		temperature    REAL,
		disk_percent   REAL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics (timestamp, id);`,
	`PRAGMA user_version = 1;`,
}

// requiredColumns lists each column with the type affinity the queries rely on.
var requiredColumns = []struct {
	name     string
	affinity string
}{
	{"id", "INTEGER"},
	{"timestamp", "INTEGER"},
	{"cpu_percent", "REAL"},
	{"memory_percent", "REAL"},
	{"temperature", "REAL"},
	{"disk_percent", "REAL"},
}

const (
	insertMetricSQL = "INSERT INTO metrics(timestamp, cpu_percent, memory_percent, temperature, disk_percent) VALUES(?, ?, ?, ?, ?)"
	deleteBeforeSQL = "DELETE FROM metrics WHERE timestamp < ?"
	selectLatestSQL = "SELECT id, timestamp, cpu_percent, memory_percent, temperature, disk_percent FROM metrics ORDER BY timestamp DESC, id DESC LIMIT 1"
	selectRangeSQL  = "SELECT id, timestamp, cpu_percent, memory_percent, temperature, disk_percent FROM metrics WHERE timestamp >= ? ORDER BY timestamp ASC, id ASC"
	countSQL        = "SELECT COUNT(*) FROM metrics"
)
