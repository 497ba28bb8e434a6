package storage

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mylxsw/asteria/log"
)

type UsageRecord struct {
	ID         int64         `json:"id"`
	CreatedAt  time.Time     `json:"created_at"`
	RequestID  string        `json:"request_id"`
	Path       string        `json:"path"`
	Encoding   string        `json:"encoding"`
	Model      string        `json:"model,omitempty"`
	Words      int           `json:"words"`
	Tokens     int           `json:"tokens"`
	Label      string        `json:"label,omitempty"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
}

// timeLayout is fixed width so that lexical order of stored timestamps is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type UsageQuery struct {
	Limit     int
	RequestID string
}

type Store interface {
	RecordUsage(ctx context.Context, record UsageRecord) error
	QueryUsage(ctx context.Context, query UsageQuery) ([]UsageRecord, error)
	CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error)
	Close(ctx context.Context) error
}

type sqliteStore struct {
	db      *sql.DB
	path    string
	pragmas []string
}

type fileStore struct {
	mu      sync.RWMutex
	path    string
	records []UsageRecord
	nextID  int64
}

func New(ctx context.Context, driver, uri string) (Store, error) {
	driver = normalizeDriver(driver)
	if driver == "" {
		return nil, errors.New("storage driver is required")
	}
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("storage uri is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	switch driver {
	case "sqlite":
		store, err := newSQLiteStore(ctx, uri)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "file":
		path := strings.TrimPrefix(strings.TrimSpace(uri), "file://")
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage directory: %w", err)
			}
		}
		fs := &fileStore{path: path}
		if err := fs.load(); err != nil {
			return nil, err
		}
		return fs, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %s", driver)
	}
}

func newSQLiteStore(ctx context.Context, uri string) (*sqliteStore, error) {
	path, pragmas, err := parseSQLiteURI(uri)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path, pragmas))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &sqliteStore{db: db, path: path, pragmas: pragmas}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *sqliteStore) RecordUsage(ctx context.Context, record UsageRecord) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	query := `INSERT INTO encode_usage
		(created_at, request_id, path, encoding, model, words, tokens, label, status, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		record.CreatedAt.UTC().Format(timeLayout),
		record.RequestID,
		record.Path,
		record.Encoding,
		record.Model,
		record.Words,
		record.Tokens,
		record.Label,
		record.StatusCode,
		record.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *sqliteStore) QueryUsage(ctx context.Context, query UsageQuery) ([]UsageRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	querySQL := `SELECT id, created_at, request_id, path, encoding, model, words, tokens, label, status, duration
		FROM encode_usage`
	args := []interface{}{}

	if strings.TrimSpace(query.RequestID) != "" {
		querySQL += " WHERE request_id = ?"
		args = append(args, query.RequestID)
	}

	querySQL += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var record UsageRecord
		var createdAtStr string
		var model, label sql.NullString
		var durationNs int64

		err := rows.Scan(
			&record.ID,
			&createdAtStr,
			&record.RequestID,
			&record.Path,
			&record.Encoding,
			&model,
			&record.Words,
			&record.Tokens,
			&label,
			&record.StatusCode,
			&durationNs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}

		if createdAt, err := time.Parse(timeLayout, createdAtStr); err == nil {
			record.CreatedAt = createdAt
		}
		record.Model = model.String
		record.Label = label.String
		record.Duration = time.Duration(durationNs)

		records = append(records, record)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage records: %w", err)
	}

	return records, nil
}

func (s *sqliteStore) CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cutoffTime := time.Now().AddDate(0, 0, -retentionDays).UTC()

	query := `DELETE FROM encode_usage WHERE created_at < ?`
	result, err := s.db.ExecContext(ctx, query, cutoffTime.Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("cleanup old records: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected, nil
}

func (s *sqliteStore) Close(ctx context.Context) error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqliteStore) initSchema(ctx context.Context) error {
	createTableSQL := `CREATE TABLE IF NOT EXISTS encode_usage (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        created_at TEXT NOT NULL,
        request_id TEXT,
        path TEXT,
        encoding TEXT,
        words INTEGER NOT NULL DEFAULT 0,
        tokens INTEGER NOT NULL DEFAULT 0,
        status INTEGER NOT NULL DEFAULT 0,
        duration INTEGER NOT NULL DEFAULT 0
    )`

	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create encode_usage table: %w", err)
	}

	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_encode_usage_created_at ON encode_usage (created_at DESC)`
	if _, err := s.db.ExecContext(ctx, createIndexSQL); err != nil {
		return fmt.Errorf("create encode_usage index: %w", err)
	}

	// columns added after the first schema version
	alterStatements := []string{
		"ALTER TABLE encode_usage ADD COLUMN model TEXT",
		"ALTER TABLE encode_usage ADD COLUMN label TEXT",
	}

	for _, stmt := range alterStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			errText := strings.ToLower(err.Error())
			if strings.Contains(errText, "duplicate column name") {
				continue
			}
			return fmt.Errorf("alter encode_usage: %w", err)
		}
	}

	return nil
}

func parseSQLiteURI(uri string) (string, []string, error) {
	trimmed := strings.TrimSpace(uri)
	if trimmed == "" {
		return "", nil, errors.New("sqlite uri is empty")
	}
	if trimmed == ":memory:" {
		return "", nil, errors.New(":memory: sqlite databases are not supported")
	}

	var path string
	pragmas := make([]string, 0)

	// accepts both _pragma=name=value and the driver's own _name=value form
	collect := func(values url.Values) {
		for key, vals := range values {
			for _, value := range vals {
				if value == "" {
					continue
				}
				switch {
				case strings.EqualFold(key, "_pragma"):
					pragmas = append(pragmas, value)
				case strings.HasPrefix(key, "_") && len(key) > 1:
					pragmas = append(pragmas, strings.ToLower(key[1:])+"="+value)
				}
			}
		}
	}

	if strings.HasPrefix(trimmed, "file:") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", nil, fmt.Errorf("parse sqlite uri: %w", err)
		}
		if parsed.Path != "" {
			path = parsed.Path
		} else {
			path = parsed.Opaque
		}
		path = strings.TrimPrefix(path, "//")
		collect(parsed.Query())
	} else {
		rawPath := trimmed
		if idx := strings.Index(rawPath, "?"); idx >= 0 {
			queryValues, err := url.ParseQuery(rawPath[idx+1:])
			if err != nil {
				return "", nil, fmt.Errorf("parse sqlite uri query: %w", err)
			}
			collect(queryValues)
			rawPath = rawPath[:idx]
		}
		path = rawPath
	}

	if path == "" {
		return "", nil, errors.New("sqlite uri missing path")
	}
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err == nil {
			path = abs
		}
	}
	sort.Strings(pragmas)
	return path, pragmas, nil
}

// pragmas go-sqlite3 applies from DSN parameters of the form _name=value
var sqliteDSNPragmas = map[string]struct{}{
	"auto_vacuum":         {},
	"busy_timeout":        {},
	"cache_size":          {},
	"case_sensitive_like": {},
	"foreign_keys":        {},
	"journal_mode":        {},
	"locking_mode":        {},
	"query_only":          {},
	"secure_delete":       {},
	"synchronous":         {},
}

// sqliteDSN builds a go-sqlite3 connection string. Pragmas the driver does
// not understand are dropped with a warning.
func sqliteDSN(path string, pragmas []string) string {
	params := make([]string, 0, len(pragmas))
	for _, pragma := range pragmas {
		name, value, ok := strings.Cut(pragma, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || value == "" {
			log.Warningf("ignore sqlite pragma %q: missing value", pragma)
			continue
		}
		if _, known := sqliteDSNPragmas[name]; !known {
			log.Warningf("ignore unsupported sqlite pragma %s", name)
			continue
		}
		params = append(params, "_"+name+"="+url.QueryEscape(strings.TrimSpace(value)))
	}

	dsn := "file:" + path
	if len(params) > 0 {
		dsn += "?" + strings.Join(params, "&")
	}
	return dsn
}

func (f *fileStore) RecordUsage(_ context.Context, record UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if record.ID == 0 {
		f.nextID++
		record.ID = f.nextID
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode usage record: %w", err)
	}

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open usage file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write usage record: %w", err)
	}
	f.records = append(f.records, record)
	return nil
}

func (f *fileStore) QueryUsage(_ context.Context, query UsageQuery) ([]UsageRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	records := make([]UsageRecord, 0, len(f.records))
	requestID := strings.TrimSpace(query.RequestID)
	for _, rec := range f.records {
		if requestID != "" && rec.RequestID != requestID {
			continue
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (f *fileStore) CleanupOldRecords(_ context.Context, retentionDays int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoffTime := time.Now().AddDate(0, 0, -retentionDays)

	var kept []UsageRecord
	var removed int64
	for _, record := range f.records {
		if record.CreatedAt.After(cutoffTime) {
			kept = append(kept, record)
		} else {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	// rewrite the whole file with the surviving records
	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open usage file for cleanup: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, record := range kept {
		data, err := json.Marshal(record)
		if err != nil {
			return 0, fmt.Errorf("encode usage record during cleanup: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return 0, fmt.Errorf("write usage record during cleanup: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("flush usage file: %w", err)
	}

	f.records = kept
	return removed, nil
}

func (f *fileStore) Close(context.Context) error {
	return nil
}

func (f *fileStore) load() error {
	file, err := os.OpenFile(f.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record UsageRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return fmt.Errorf("decode usage record: %w", err)
		}
		f.records = append(f.records, record)
		if record.ID > f.nextID {
			f.nextID = record.ID
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read usage records: %w", err)
	}
	return nil
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return "sqlite"
	case "file", "jsonl":
		return "file"
	default:
		return driver
	}
}
