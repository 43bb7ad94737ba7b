// Package credstore persists the agent's identity and credentials encrypted
// at rest. The record is encrypted as a whole with an age x25519 key that is
// generated lazily, written once to a per-host key file, and reused for the
// host's lifetime. Losing the key file makes prior config unreadable; the
// store then behaves as if no config exists and the device re-activates.
package credstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
	"github.com/rs/zerolog/log"
)

// PendingUpdate references a downloaded-but-unapplied artifact for an
// external installer to consume.
type PendingUpdate struct {
	Version string `json:"version"`
	Path    string `json:"path"`
}

// BoundInfo mirrors the hardware fingerprint recorded server-side.
type BoundInfo struct {
	MAC    string `json:"mac,omitempty"`
	Serial string `json:"serial,omitempty"`
}

// Config is the agent's durable local state. It is never written to disk in
// plaintext outside the development bootstrap path.
type Config struct {
	DeviceID           string         `json:"device_id,omitempty"`
	EmployeeEmail      string         `json:"employee_email,omitempty"`
	CredentialHash     string         `json:"credential_hash,omitempty"`
	AdminEmails        []string       `json:"admin_emails,omitempty"`
	ServerURL          string         `json:"server_url,omitempty"`
	Activated          bool           `json:"activated"`
	BoundInfo          *BoundInfo     `json:"bound_info,omitempty"`
	LastLogin          int64          `json:"last_login,omitempty"`
	ForceLoginInterval int64          `json:"force_login_interval_seconds,omitempty"`
	AgentVersion       string         `json:"agent_version,omitempty"`
	PendingUpdate      *PendingUpdate `json:"pending_update,omitempty"`
	PollInterval       int            `json:"poll_interval_seconds,omitempty"`
	Token              string         `json:"jwt_token,omitempty"`
	ClientCertPath     string         `json:"client_cert,omitempty"`
	ClientKeyPath      string         `json:"client_key,omitempty"`
	CABundlePath       string         `json:"ca_bundle,omitempty"`
}

// Empty reports whether the record carries no identity at all.
func (c *Config) Empty() bool {
	return c.DeviceID == "" && c.EmployeeEmail == "" && !c.Activated
}

// Store serializes all reads and writes of the encrypted config file. Writes
// replace the whole record via temp-file + rename, so a crash mid-save leaves
// either the old or the new record, never a torn one.
type Store struct {
	mu            sync.Mutex
	configPath    string
	keyPath       string
	bootstrapPath string
}

// New builds a store over the given encrypted config file and key file.
// bootstrapPath may be empty; when set, Load falls back to it as a plaintext
// development config if the encrypted file is absent or unreadable.
func New(configPath, keyPath, bootstrapPath string) *Store {
	return &Store{
		configPath:    configPath,
		keyPath:       keyPath,
		bootstrapPath: bootstrapPath,
	}
}

// Load returns the stored config, or an empty record when nothing usable is
// on disk. Missing files and undecryptable blobs are not errors: both mean
// the device has no trusted local state and must (re-)activate.
func (s *Store) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Config, error) {
	raw, err := os.ReadFile(s.configPath)
	if err == nil {
		cfg, derr := s.decrypt(raw)
		if derr == nil {
			return cfg, nil
		}
		log.Warn().Err(derr).Str("path", s.configPath).Msg("Config undecryptable, treating as empty")
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if s.bootstrapPath != "" {
		if plain, err := os.ReadFile(s.bootstrapPath); err == nil {
			var cfg Config
			if err := json.Unmarshal(plain, &cfg); err == nil {
				log.Debug().Str("path", s.bootstrapPath).Msg("Loaded plaintext bootstrap config")
				return &cfg, nil
			}
		}
	}

	return &Config{}, nil
}

// Save re-encrypts and rewrites the full record with owner-only permissions.
func (s *Store) Save(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(cfg)
}

func (s *Store) saveLocked(cfg *Config) error {
	identity, err := s.ensureKey()
	if err != nil {
		return err
	}

	plain, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return fmt.Errorf("encrypting config: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.configPath), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	tmp := s.configPath + ".tmp"
	if err := os.WriteFile(tmp, sealed.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, s.configPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config: %w", err)
	}
	if err := os.Chmod(s.configPath, 0o600); err != nil {
		log.Warn().Err(err).Str("path", s.configPath).Msg("Could not restrict config permissions")
	}
	return nil
}

// Update applies fn to the current record under the store lock and saves the
// result. Loops use this instead of separate Load/Save so two tasks cannot
// interleave a read-modify-write.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.loadLocked()
	if err != nil {
		return err
	}
	fn(cfg)
	return s.saveLocked(cfg)
}

func (s *Store) decrypt(ciphertext []byte) (*Config, error) {
	identity, err := s.loadKey()
	if err != nil {
		return nil, err
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting config: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

func (s *Store) loadKey() (*age.X25519Identity, error) {
	raw, err := os.ReadFile(s.keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	identity, err := age.ParseX25519Identity(string(bytes.TrimSpace(raw)))
	if err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	return identity, nil
}

// ensureKey loads the host key, generating and persisting one on first use.
func (s *Store) ensureKey() (*age.X25519Identity, error) {
	if identity, err := s.loadKey(); err == nil {
		return identity, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", s.keyPath).Msg("Key file unreadable, generating a new key")
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating host key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.keyPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating key dir: %w", err)
	}
	if err := os.WriteFile(s.keyPath, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return identity, nil
}
