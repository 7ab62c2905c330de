package config

import (
	"os"
	"path/filepath"
)

// StewardPath returns the root directory for steward data.
// It uses $STEWARD_PATH if set, otherwise defaults to ~/.steward.
func StewardPath() string {
	if v := os.Getenv("STEWARD_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".steward")
	}
	return filepath.Join(home, ".steward")
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(StewardPath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(StewardPath(), ".env")
}

// TasksPath returns the live task store directory.
func TasksPath() string {
	return filepath.Join(StewardPath(), "tasks")
}

// ApprovalsPath returns the approval request store directory.
func ApprovalsPath() string {
	return filepath.Join(StewardPath(), "approvals")
}

// AuditPath returns the audit log file path.
func AuditPath() string {
	return filepath.Join(StewardPath(), "audit.jsonl")
}
