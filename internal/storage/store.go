package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raine/telegram-bag-bot/internal/identify"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// StoredCredentials is a user's persisted bag backend access.
type StoredCredentials struct {
	TelegramID  int64
	BagToken    string
	LastUpdated time.Time
}

// UserPrefs are per-user settings.
type UserPrefs struct {
	TelegramID int64
	BagCode    string // default bag to add items to
	BagType    string // e.g. "golf", biases identification
	// AutoAcceptThreshold auto-commits a single suggestion at or above
	// this confidence without a review step. 0 disables.
	AutoAcceptThreshold int
}

// LibraryProduct is one row of the local product library, the cheap
// identification tier.
type LibraryProduct struct {
	ID          int64
	Name        string
	Brand       string
	Category    string
	Description string
	Specs       []string
	ImageURLs   []string
	Keywords    string
	TimesUsed   int
}

// Store defines the persistence interface the bot depends on.
type Store interface {
	GetCredentials(telegramID int64) (*StoredCredentials, error)
	SaveCredentials(creds *StoredCredentials) error
	DeleteCredentials(telegramID int64) error

	GetPrefs(telegramID int64) (*UserPrefs, error)
	SavePrefs(prefs *UserPrefs) error

	Search(ctx context.Context, query string, limit int) ([]identify.CandidateProduct, error)
	RecordProduct(product LibraryProduct) error

	GetVisionResult(hash string) (*identify.PhotoIdentification, error)
	SetVisionResult(hash string, result *identify.PhotoIdentification) error

	Close() error
}

// SQLiteStore implements Store using SQLite with encrypted tokens.
type SQLiteStore struct {
	db            *sql.DB
	encryptionKey []byte
	mu            sync.RWMutex
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
// The encryptionKey is used to encrypt/decrypt stored bag tokens.
func NewSQLiteStore(dbPath string, encryptionKey []byte) (*SQLiteStore, error) {
	// WAL mode and busy timeout for better concurrency
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The file may not exist until the first write; tighten permissions
	// when it does.
	_ = os.Chmod(dbPath, 0600)

	store := &SQLiteStore{
		db:            db,
		encryptionKey: encryptionKey,
	}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			telegram_id INTEGER PRIMARY KEY,
			encrypted_token TEXT NOT NULL,
			last_updated DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prefs (
			telegram_id INTEGER PRIMARY KEY,
			bag_code TEXT NOT NULL DEFAULT '',
			bag_type TEXT NOT NULL DEFAULT '',
			auto_accept INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			brand TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			specs TEXT NOT NULL DEFAULT '[]',
			image_urls TEXT NOT NULL DEFAULT '[]',
			keywords TEXT NOT NULL DEFAULT '',
			times_used INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(name, brand)
		)`,
		`CREATE TABLE IF NOT EXISTS vision_cache (
			image_hash TEXT PRIMARY KEY,
			result TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// GetCredentials returns stored credentials, or nil when the user has none.
func (s *SQLiteStore) GetCredentials(telegramID int64) (*StoredCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var encrypted string
	var lastUpdated time.Time
	err := s.db.QueryRow(
		"SELECT encrypted_token, last_updated FROM credentials WHERE telegram_id = ?",
		telegramID,
	).Scan(&encrypted, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}

	token, err := Decrypt(encrypted, s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token: %w", err)
	}

	return &StoredCredentials{
		TelegramID:  telegramID,
		BagToken:    string(token),
		LastUpdated: lastUpdated,
	}, nil
}

func (s *SQLiteStore) SaveCredentials(creds *StoredCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted, err := Encrypt([]byte(creds.BagToken), s.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO credentials (telegram_id, encrypted_token, last_updated)
		 VALUES (?, ?, ?)
		 ON CONFLICT(telegram_id) DO UPDATE SET
			encrypted_token = excluded.encrypted_token,
			last_updated = excluded.last_updated`,
		creds.TelegramID, encrypted, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteCredentials(telegramID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM credentials WHERE telegram_id = ?", telegramID); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// GetPrefs returns the user's prefs, or defaults when none are stored.
func (s *SQLiteStore) GetPrefs(telegramID int64) (*UserPrefs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefs := &UserPrefs{TelegramID: telegramID}
	err := s.db.QueryRow(
		"SELECT bag_code, bag_type, auto_accept FROM prefs WHERE telegram_id = ?",
		telegramID,
	).Scan(&prefs.BagCode, &prefs.BagType, &prefs.AutoAcceptThreshold)
	if err == sql.ErrNoRows {
		return prefs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query prefs: %w", err)
	}
	return prefs, nil
}

func (s *SQLiteStore) SavePrefs(prefs *UserPrefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO prefs (telegram_id, bag_code, bag_type, auto_accept)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(telegram_id) DO UPDATE SET
			bag_code = excluded.bag_code,
			bag_type = excluded.bag_type,
			auto_accept = excluded.auto_accept`,
		prefs.TelegramID, prefs.BagCode, prefs.BagType, prefs.AutoAcceptThreshold,
	)
	if err != nil {
		return fmt.Errorf("failed to save prefs: %w", err)
	}
	return nil
}

// Search implements the library identification tier: candidate rows are
// fetched with LIKE filters and scored in Go. Scores are heuristic and
// deterministic for a given library state.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]identify.CandidateProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}

	pattern := "%" + q + "%"
	tokens := strings.Fields(q)
	args := []any{pattern, pattern, pattern}
	where := "lower(name) LIKE ? OR lower(brand) LIKE ? OR lower(keywords) LIKE ?"
	for _, tok := range tokens {
		where += " OR lower(name) LIKE ? OR lower(keywords) LIKE ?"
		tokPattern := "%" + tok + "%"
		args = append(args, tokPattern, tokPattern)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT name, brand, category, description, specs, image_urls, keywords, times_used FROM products WHERE "+where+" LIMIT 50",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search products: %w", err)
	}
	defer rows.Close()

	var candidates []identify.CandidateProduct
	for rows.Next() {
		var p LibraryProduct
		var specsJSON, imagesJSON string
		if err := rows.Scan(&p.Name, &p.Brand, &p.Category, &p.Description, &specsJSON, &imagesJSON, &p.Keywords, &p.TimesUsed); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		if err := json.Unmarshal([]byte(specsJSON), &p.Specs); err != nil {
			log.Warn().Err(err).Str("name", p.Name).Msg("bad specs json in library")
		}
		if err := json.Unmarshal([]byte(imagesJSON), &p.ImageURLs); err != nil {
			log.Warn().Err(err).Str("name", p.Name).Msg("bad image_urls json in library")
		}

		score := scoreMatch(q, tokens, p)
		if score == 0 {
			continue
		}
		candidates = append(candidates, identify.CandidateProduct{
			Name:            p.Name,
			Brand:           p.Brand,
			Category:        p.Category,
			Description:     p.Description,
			Confidence:      score,
			SourceTier:      identify.TierLibrary,
			ImageCandidates: p.ImageURLs,
			Specs:           p.Specs,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read products: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// scoreMatch assigns a confidence to one library row for a query.
func scoreMatch(query string, tokens []string, p LibraryProduct) int {
	name := strings.ToLower(p.Name)
	full := strings.ToLower(strings.TrimSpace(p.Brand + " " + p.Name))
	haystack := full + " " + strings.ToLower(p.Keywords)

	var score int
	switch {
	case name == query || full == query:
		score = 95
	case strings.Contains(full, query):
		score = 85
	default:
		matched := 0
		for _, tok := range tokens {
			if strings.Contains(haystack, tok) {
				matched++
			}
		}
		if matched == 0 {
			return 0
		}
		score = 40 + 40*matched/len(tokens)
	}

	// Frequently confirmed products rank slightly higher.
	bump := p.TimesUsed
	if bump > 5 {
		bump = 5
	}
	return identify.ClampConfidence(score + bump)
}

// RecordProduct inserts a learned product, or bumps its usage count when
// the name/brand pair already exists.
func (s *SQLiteStore) RecordProduct(product LibraryProduct) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	specsJSON, err := json.Marshal(product.Specs)
	if err != nil {
		return fmt.Errorf("failed to marshal specs: %w", err)
	}
	imagesJSON, err := json.Marshal(product.ImageURLs)
	if err != nil {
		return fmt.Errorf("failed to marshal image urls: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO products (name, brand, category, description, specs, image_urls, keywords, times_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(name, brand) DO UPDATE SET
			times_used = times_used + 1,
			category = CASE WHEN excluded.category != '' THEN excluded.category ELSE category END,
			description = CASE WHEN excluded.description != '' THEN excluded.description ELSE description END`,
		product.Name, product.Brand, product.Category, product.Description,
		string(specsJSON), string(imagesJSON), product.Keywords,
	)
	if err != nil {
		return fmt.Errorf("failed to record product: %w", err)
	}
	return nil
}

// GetVisionResult returns a cached vision result, or nil on a miss.
func (s *SQLiteStore) GetVisionResult(hash string) (*identify.PhotoIdentification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var resultJSON string
	err := s.db.QueryRow(
		"SELECT result FROM vision_cache WHERE image_hash = ?",
		hash,
	).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query vision cache: %w", err)
	}

	var result identify.PhotoIdentification
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, fmt.Errorf("failed to parse cached vision result: %w", err)
	}
	return &result, nil
}

func (s *SQLiteStore) SetVisionResult(hash string, result *identify.PhotoIdentification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal vision result: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO vision_cache (image_hash, result) VALUES (?, ?)
		 ON CONFLICT(image_hash) DO UPDATE SET result = excluded.result`,
		hash, string(resultJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to write vision cache: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
