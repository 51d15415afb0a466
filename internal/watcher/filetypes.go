package watcher

import (
	"path/filepath"
	"strings"
)

// ledgerExtensions are the plain-text accounting file types the cache cares
// about. Everything else is filtered out before debouncing.
var ledgerExtensions = map[string]bool{
	".journal":   true,
	".hledger":   true,
	".ledger":    true,
	".j":         true,
	".ldg":       true,
	".timeclock": true,
	".timedot":   true,
}

// IsLedgerFile reports whether the path carries a recognized ledger file
// extension.
func IsLedgerFile(path string) bool {
	return ledgerExtensions[strings.ToLower(filepath.Ext(path))]
}
