package utils

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const serverIDFile = ".server_id"

// GetPersistentServerID names this engine instance. Lease owners are derived
// from it, so it must stay the same across restarts of one deployment.
//
// Order: explicit override, the id stored under storagePath, a name derived
// from the hostname, then a random id that is stored for next time.
func GetPersistentServerID(override, storagePath string) string {
	if id := strings.TrimSpace(override); id != "" {
		return id
	}

	path := filepath.Join(storagePath, serverIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	if host := sanitizeHost(); host != "" {
		return "azpub-" + host
	}

	id := "azpub-" + uuid.NewString()[:8]
	if err := os.MkdirAll(storagePath, 0o755); err == nil {
		_ = os.WriteFile(path, []byte(id), 0o644)
	}
	return id
}

func sanitizeHost() string {
	host, err := os.Hostname()
	if err != nil || host == "" || host == "localhost" {
		return ""
	}
	var b strings.Builder
	for _, r := range strings.ToLower(host) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '.' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
