// Package credstore is the persistent, multi-account OAuth credential vault.
// It is keyed by (provider, account) and stores one JSON-serialized,
// encrypted credential record per slot in a SQLite table, using one
// long-lived read connection plus short-lived write connections.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/scrypt"
)

// Credentials is a single stored OAuth credential slot.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"` // absolute epoch-ms
	ProjectID    string `json:"projectId,omitempty"`
	Email        string `json:"email,omitempty"`
	AccountID    string `json:"accountId,omitempty"`
}

// Fresh reports whether the credential's access token is still valid.
func Fresh(c Credentials, nowMs int64) bool {
	return nowMs < c.ExpiresAt
}

// Store is the credential vault. One Store is constructed at startup and
// shared across the request pipeline and background refresh.
type Store struct {
	dataDir string
	dbPath  string

	mu   sync.Mutex
	conn *sql.DB
}

// Open creates the data directory (0o700) and opens the credential
// database, mirroring db.Open's read-optimized-connection pattern.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{dataDir: dataDir, dbPath: filepath.Join(dataDir, "credentials.db")}

	conn, err := sql.Open("sqlite3", s.dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS credentials (
		provider TEXT NOT NULL,
		account INTEGER NOT NULL,
		payload_enc TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (datetime('now')),
		PRIMARY KEY (provider, account)
	)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create credentials table: %w", err)
	}
	s.conn = conn
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Get returns the stored credentials for (provider, account), or nil if
// absent. A record that fails to decrypt or deserialize is treated as
// corrupt: it is deleted and the caller sees "not found" rather than an
// error that could cascade.
func (s *Store) Get(provider string, account int) (*Credentials, error) {
	var payload string
	err := s.conn.QueryRow(`SELECT payload_enc FROM credentials WHERE provider = ? AND account = ?`, provider, account).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}

	creds, ok := s.decode(payload)
	if !ok {
		log.Printf("[credstore] corrupt record for %s/%d, deleting", provider, account)
		s.removeRow(provider, account)
		return nil, nil
	}
	return creds, nil
}

// Entry pairs an account slot with its credentials for GetAll.
type Entry struct {
	Account     int
	Credentials Credentials
}

// GetAll returns every stored credential for a provider, ordered by
// ascending account number.
func (s *Store) GetAll(provider string) ([]Entry, error) {
	rows, err := s.conn.Query(`SELECT account, payload_enc FROM credentials WHERE provider = ? ORDER BY account ASC`, provider)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []Entry
	var corrupt []int
	for rows.Next() {
		var account int
		var payload string
		if err := rows.Scan(&account, &payload); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds, ok := s.decode(payload)
		if !ok {
			corrupt = append(corrupt, account)
			continue
		}
		out = append(out, Entry{Account: account, Credentials: *creds})
	}
	for _, account := range corrupt {
		log.Printf("[credstore] corrupt record for %s/%d, deleting", provider, account)
		s.removeRow(provider, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, rows.Err()
}

// Save writes (or overwrites) the credential slot (provider, account).
func (s *Store) Save(provider string, account int, creds Credentials) error {
	payload, err := s.encode(creds)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	wConn, err := s.writeConn()
	if err != nil {
		return err
	}
	defer wConn.Close()

	_, err = wConn.Exec(`INSERT INTO credentials (provider, account, payload_enc, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT (provider, account) DO UPDATE SET payload_enc = excluded.payload_enc, updated_at = excluded.updated_at`,
		provider, account, payload)
	return err
}

// Remove deletes credentials for a provider. If account is non-nil, only
// that slot is removed; otherwise every account for the provider is.
func (s *Store) Remove(provider string, account *int) error {
	wConn, err := s.writeConn()
	if err != nil {
		return err
	}
	defer wConn.Close()

	if account != nil {
		_, err = wConn.Exec(`DELETE FROM credentials WHERE provider = ? AND account = ?`, provider, *account)
		return err
	}
	_, err = wConn.Exec(`DELETE FROM credentials WHERE provider = ?`, provider)
	return err
}

func (s *Store) removeRow(provider string, account int) {
	wConn, err := s.writeConn()
	if err != nil {
		return
	}
	defer wConn.Close()
	wConn.Exec(`DELETE FROM credentials WHERE provider = ? AND account = ?`, provider, account)
}

// NextAccount returns the next densely-assigned account slot for a
// provider: max(account)+1, or 0 if none exist.
func (s *Store) NextAccount(provider string) (int, error) {
	var max sql.NullInt64
	err := s.conn.QueryRow(`SELECT MAX(account) FROM credentials WHERE provider = ?`, provider).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// Count returns the number of stored accounts for a provider.
func (s *Store) Count(provider string) (int, error) {
	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM credentials WHERE provider = ?`, provider).Scan(&n)
	return n, err
}

// FindByIdentity returns the account slot whose stored credential matches
// candidate by non-empty email or accountId, so a re-login reuses the slot
// instead of minting a new one.
func (s *Store) FindByIdentity(provider string, candidate Credentials) (int, bool, error) {
	entries, err := s.GetAll(provider)
	if err != nil {
		return 0, false, err
	}
	for _, e := range entries {
		if candidate.Email != "" && e.Credentials.Email == candidate.Email {
			return e.Account, true, nil
		}
		if candidate.AccountID != "" && e.Credentials.AccountID == candidate.AccountID {
			return e.Account, true, nil
		}
	}
	return 0, false, nil
}

// Exists reports whether any stored credential for provider has a refresh
// token (i.e. is usable).
func (s *Store) Exists(provider string) (bool, error) {
	entries, err := s.GetAll(provider)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Credentials.RefreshToken != "" {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) writeConn() (*sql.DB, error) {
	wConn, err := sql.Open("sqlite3", s.dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open write connection: %w", err)
	}
	return wConn, nil
}

func (s *Store) encode(c Credentials) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return encryptValue(string(raw), s.encryptionKey())
}

func (s *Store) decode(payload string) (*Credentials, bool) {
	raw, err := decryptValue(payload, s.encryptionKey())
	if err != nil {
		return nil, false
	}
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, false
	}
	return &c, true
}

var (
	encKeyCache   []byte
	encKeyCacheMu sync.Mutex
)

// encryptionKey resolves the AES-256-GCM key used for credential payloads.
//
// Priority:
//  1. CREDSTORE_KEY env var, scrypt-derived (N=16384, r=8, p=1, keyLen=32)
//     with a fixed, store-specific salt.
//  2. {DATA_DIR}/.credstore-key file (hex-encoded 32 bytes).
//  3. Generate 32 random bytes and persist them to that file.
func (s *Store) encryptionKey() []byte {
	encKeyCacheMu.Lock()
	defer encKeyCacheMu.Unlock()
	if encKeyCache != nil {
		return encKeyCache
	}

	if envKey := os.Getenv("CREDSTORE_KEY"); envKey != "" {
		derived, err := scrypt.Key([]byte(envKey), []byte("ampproxy-credstore-key-salt"), 16384, 8, 1, 32)
		if err == nil {
			encKeyCache = derived
			return encKeyCache
		}
		log.Printf("[credstore] failed to derive key from CREDSTORE_KEY, falling back to key file: %v", err)
	}

	keyPath := filepath.Join(s.dataDir, ".credstore-key")
	if data, err := os.ReadFile(keyPath); err == nil {
		if key := mustDecodeHexKey(data); key != nil {
			encKeyCache = key
			return encKeyCache
		}
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("credstore: generate key: %v", err))
	}
	if err := os.WriteFile(keyPath, []byte(fmt.Sprintf("%x", key)), 0o600); err != nil {
		log.Printf("[credstore] failed to persist generated key: %v", err)
	}
	encKeyCache = key
	return encKeyCache
}

func mustDecodeHexKey(data []byte) []byte {
	s := string(data)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	if len(s) != 64 {
		return nil
	}
	key := make([]byte, 32)
	_, err := fmt.Sscanf(s, "%64x", &key)
	if err != nil {
		return nil
	}
	return key
}

// encryptValue encrypts a value with AES-256-GCM using a 16-byte IV, in the
// wire format base64(iv[16] + ciphertext + tag[16]).
func encryptValue(value string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aesGCM, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		return "", err
	}
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	ciphertext := aesGCM.Seal(nil, iv, []byte(value), nil)
	combined := make([]byte, 0, len(iv)+len(ciphertext))
	combined = append(combined, iv...)
	combined = append(combined, ciphertext...)
	return base64.StdEncoding.EncodeToString(combined), nil
}

// decryptValue reverses encryptValue.
func decryptValue(encrypted string, key []byte) (string, error) {
	combined, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", err
	}
	if len(combined) < 33 {
		return "", fmt.Errorf("ciphertext too short")
	}
	iv, ciphertext := combined[:16], combined[16:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aesGCM, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		return "", err
	}
	plaintext, err := aesGCM.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
