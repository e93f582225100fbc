package utils

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ExtractServerNameFromConnectionString extracts the server name from a URL style connection string.
// Localhost and IP addresses are replaced by the machine's hostname.
func ExtractServerNameFromConnectionString(connectionString string) (string, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse connection string: %w", err)
	}

	serverName := strings.Split(u.Host, ".")[0]
	serverName = strings.Split(serverName, ":")[0] // Remove port if present
	if serverName == "" {
		return "", fmt.Errorf("server name not found in connection string")
	}

	if strings.ToLower(serverName) == "localhost" || isIPAddress(serverName) {
		serverName = LocalHostName()
	}

	return strings.ToLower(serverName), nil
}

// ExtractDatabaseNameFromConnectionString returns the database named by a sqlserver:// or postgres:// URL
func ExtractDatabaseNameFromConnectionString(connectionString string) string {
	u, err := url.Parse(connectionString)
	if err != nil {
		return ""
	}
	if db := u.Query().Get("database"); db != "" {
		return strings.ToLower(db)
	}
	return strings.ToLower(strings.Trim(u.Path, "/"))
}

// LocalHostName returns the lower-cased hostname, or "localhost" when it cannot be read
func LocalHostName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "localhost"
	}
	return strings.ToLower(strings.Split(hostname, ".")[0])
}

// FileStem returns the lower-cased base name of a database file without its extension.
// Firebird paths of the form host:/path/file.fdb and Windows paths are accepted.
func FileStem(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.LastIndex(path, ":"); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	return strings.ToLower(strings.TrimSuffix(path, filepath.Ext(path)))
}

// isIPAddress checks if a string is an IP address or part of one (like '127')
func isIPAddress(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return true
	}

	// Partial IP (e.g. '127' from '127.0.0.1')
	if num, err := strconv.Atoi(host); err == nil {
		return num >= 0 && num <= 255
	}

	if strings.Contains(host, ".") {
		parts := strings.Split(host, ".")
		if len(parts) < 4 {
			for _, part := range parts {
				num, err := strconv.Atoi(part)
				if part == "" || err != nil || num < 0 || num > 255 {
					return false
				}
			}
			return true
		}
	}

	return false
}
