// SQLite access to the local Antigravity installation's state database.
//
// modernc.org/sqlite keeps this CGO-free so the gateway cross-compiles.
package auth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/internal/utils"

	_ "modernc.org/sqlite" // SQLite driver
)

// AuthStatus is the login record Antigravity stores in its state database.
// The apiKey field carries the OAuth refresh token.
type AuthStatus struct {
	APIKey string `json:"apiKey"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// ReadAuthStatus reads the Antigravity login record from the VS Code state
// database. An empty dbPath uses the platform default location.
func ReadAuthStatus(dbPath string) (*AuthStatus, error) {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found at %s; make sure Antigravity is installed and you are logged in", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'").Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no auth status found in database")
	}
	if err != nil {
		return nil, fmt.Errorf("query database: %w", err)
	}

	var status AuthStatus
	if err := json.Unmarshal([]byte(value), &status); err != nil {
		return nil, fmt.Errorf("parse auth status: %w", err)
	}

	if status.APIKey == "" {
		return nil, fmt.Errorf("auth status missing apiKey field")
	}

	return &status, nil
}

// IsDatabaseAccessible reports whether the state database can be opened.
func IsDatabaseAccessible(dbPath string) bool {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		utils.Debug("[Database] Failed to open: %v", err)
		return false
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		utils.Debug("[Database] Failed to ping: %v", err)
		return false
	}

	return true
}
