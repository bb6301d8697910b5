package accounts

import (
	"context"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// FileStore reads accounts from a TOML file:
//
//	[[account]]
//	username = "alice"
//	hostname = "cloud.example.com"
//	port = 443
//	secure = true
//	local_root = "/home/alice/Cloud"
type FileStore struct {
	path string
}

type accountFile struct {
	Accounts []Account `toml:"account"`
}

// NewFileStore creates a store backed by the TOML file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// ListAccounts implements Store.
func (s *FileStore) ListAccounts(ctx context.Context) ([]Account, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var f accountFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}

	return validateAll(f.Accounts)
}
