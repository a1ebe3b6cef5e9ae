// Command stubworker is a small reference worker backed by SQLite. It speaks
// the bridge's process protocol and covers the account and bank actions so
// the bridge can be exercised end to end without the production worker.
//
// The database lives at $PROCBRIDGE_WORKER_DB (default ./procbridge-worker.db).
package main

import (
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/mattjoyce/procbridge/internal/storage"
	"github.com/mattjoyce/procbridge/internal/workerkit"
)

const defaultDBPath = "procbridge-worker.db"

func main() {
	dbPath := os.Getenv(storage.DBPathEnv)
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	level := os.Getenv("PROCBRIDGE_WORKER_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}
	a := &app{dbPath: dbPath, cost: bcrypt.DefaultCost}
	workerkit.Main(a.worker().WithLogLevel(level))
}
