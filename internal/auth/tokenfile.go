package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ClientRecord is one entry of the token file.
type ClientRecord struct {
	Name      string    `json:"name"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	Enabled   bool      `json:"enabled"`
}

// TokenFile validates per-client tokens against bcrypt hashes stored in a JSON file.
type TokenFile struct {
	mu       sync.RWMutex
	clients  map[string]*ClientRecord
	filePath string
}

// LoadTokenFile reads path; a missing file yields an empty set of clients.
func LoadTokenFile(path string) (*TokenFile, error) {
	tf := &TokenFile{clients: make(map[string]*ClientRecord), filePath: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return tf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var records []*ClientRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	for _, rec := range records {
		tf.clients[rec.Name] = rec
	}
	return tf, nil
}

func (tf *TokenFile) Validate(_ context.Context, creds Credentials) (string, error) {
	name := strings.ToLower(strings.TrimSpace(creds.Name))
	if !ValidIdentity(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, creds.Name)
	}
	tf.mu.RLock()
	rec, ok := tf.clients[name]
	tf.mu.RUnlock()
	if !ok || !rec.Enabled {
		return "", ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.TokenHash), []byte(creds.Token)) != nil {
		return "", ErrUnauthorized
	}
	return name, nil
}

// AddClient stores a new client with a hashed token and saves the file.
func (tf *TokenFile) AddClient(name, token string) error {
	if !ValidIdentity(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, name)
	}
	if len(token) < 8 {
		return fmt.Errorf("token must be at least 8 characters long")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if _, exists := tf.clients[name]; exists {
		return fmt.Errorf("client '%s' already exists", name)
	}
	tf.clients[name] = &ClientRecord{Name: name, TokenHash: string(hash), CreatedAt: time.Now(), Enabled: true}
	if err := tf.saveLocked(); err != nil {
		delete(tf.clients, name)
		return err
	}
	return nil
}

// SetEnabled toggles a client without discarding its token.
func (tf *TokenFile) SetEnabled(name string, enabled bool) error {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	rec, ok := tf.clients[name]
	if !ok {
		return fmt.Errorf("client '%s' does not exist", name)
	}
	prev := rec.Enabled
	rec.Enabled = enabled
	if err := tf.saveLocked(); err != nil {
		rec.Enabled = prev
		return err
	}
	return nil
}

func (tf *TokenFile) RemoveClient(name string) error {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	rec, ok := tf.clients[name]
	if !ok {
		return fmt.Errorf("client '%s' does not exist", name)
	}
	delete(tf.clients, name)
	if err := tf.saveLocked(); err != nil {
		tf.clients[name] = rec
		return err
	}
	return nil
}

func (tf *TokenFile) saveLocked() error {
	records := make([]*ClientRecord, 0, len(tf.clients))
	for _, rec := range tf.clients {
		records = append(records, rec)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := tf.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return os.Rename(tmp, tf.filePath)
}
