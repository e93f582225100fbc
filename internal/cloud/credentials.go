package cloud

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/katasec/dstream-probe/pkg/cdc"
)

// StaticCredentials always returns the same token. An empty token means no
// credential.
type StaticCredentials string

// CurrentCredential implements cdc.CredentialProvider
func (s StaticCredentials) CurrentCredential() (cdc.Token, bool) {
	if s == "" {
		return cdc.Token{}, false
	}
	return cdc.Token{Value: string(s)}, true
}

// FileCredentials reads the device token written by the authorization
// collaborator. The file holds either the bare token or
// {"token": "...", "expiresAt": "RFC3339"}. It is re-read when it changes.
type FileCredentials struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	modTime time.Time
	size    int64
	token   cdc.Token
	ok      bool
}

// NewFileCredentials returns a provider backed by path
func NewFileCredentials(path string) *FileCredentials {
	return &FileCredentials{path: path, now: time.Now}
}

type credentialFile struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CurrentCredential implements cdc.CredentialProvider. A missing, empty or
// expired file yields no credential.
func (f *FileCredentials) CurrentCredential() (cdc.Token, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.path)
	if err != nil {
		f.ok = false
		return cdc.Token{}, false
	}
	if !info.ModTime().Equal(f.modTime) || info.Size() != f.size {
		f.token, f.ok = readCredentialFile(f.path)
		f.modTime = info.ModTime()
		f.size = info.Size()
	}
	if !f.ok || f.token.Expired(f.now()) {
		return cdc.Token{}, false
	}
	return f.token, true
}

func readCredentialFile(path string) (cdc.Token, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cdc.Token{}, false
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return cdc.Token{}, false
	}
	if strings.HasPrefix(text, "{") {
		var cf credentialFile
		if err := json.Unmarshal([]byte(text), &cf); err != nil || cf.Token == "" {
			return cdc.Token{}, false
		}
		return cdc.Token{Value: cf.Token, ExpiresAt: cf.ExpiresAt}, true
	}
	return cdc.Token{Value: text}, true
}
