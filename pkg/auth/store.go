package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Credentials are what the client logs in with. Password holds the form the
// server handed back on the last successful login.
type Credentials struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// Empty reports whether no login is stored.
func (c Credentials) Empty() bool { return c.Email == "" }

// CredentialStore keeps the credentials between sessions.
type CredentialStore interface {
	// Load returns the stored credentials, or empty ones if none are stored.
	Load() (Credentials, error)
	Save(Credentials) error
	Clear() error
}

// MemoryStore keeps the credentials for the life of the process.
type MemoryStore struct {
	creds Credentials
}

// NewMemoryStore creates a store holding creds.
func NewMemoryStore(creds Credentials) *MemoryStore {
	return &MemoryStore{creds: creds}
}

func (m *MemoryStore) Load() (Credentials, error) { return m.creds, nil }

func (m *MemoryStore) Save(c Credentials) error {
	m.creds = c
	return nil
}

func (m *MemoryStore) Clear() error {
	m.creds = Credentials{}
	return nil
}

// FileStore keeps the credentials in a YAML file readable by the owner only.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path. The file is created on the
// first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load() (Credentials, error) {
	var c Credentials
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("read credentials: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials %s: %w", f.path, err)
	}
	return c, nil
}

func (f *FileStore) Save(c Credentials) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

func (f *FileStore) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}
