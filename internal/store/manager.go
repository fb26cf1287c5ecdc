package store

import (
	"fmt"
	"path/filepath"
	"sync"
)

// DBFile is the database file name inside a repository directory.
const DBFile = "objects.db"

// Manager provides shared database access to prevent locking conflicts.
type Manager struct {
	db     *DB
	dbPath string
	refs   int // Reference count
}

var (
	managers  = make(map[string]*Manager)
	managerMu sync.Mutex
)

// GetSharedDB returns a shared database connection for the given repository directory.
// Multiple calls with the same dir return the same connection. The connection is reference
// counted and closed when all references are released.
func GetSharedDB(dir string) (*SharedDB, error) {
	managerMu.Lock()
	defer managerMu.Unlock()

	dbPath := filepath.Join(dir, DBFile)
	m, ok := managers[dbPath]
	if !ok {
		db, err := Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		m = &Manager{db: db, dbPath: dbPath}
		managers[dbPath] = m
	}
	m.refs++
	return &SharedDB{manager: m, DB: m.db}, nil
}

// SharedDB wraps a database connection with reference counting.
type SharedDB struct {
	manager *Manager
	*DB
}

// Close decrements the reference count and closes the underlying database
// when no more references exist.
func (sdb *SharedDB) Close() error {
	if sdb.manager == nil {
		return nil
	}
	managerMu.Lock()
	defer managerMu.Unlock()

	m := sdb.manager
	sdb.manager = nil
	m.refs--
	if m.refs <= 0 {
		delete(managers, m.dbPath)
		return m.db.Close()
	}
	return nil
}
