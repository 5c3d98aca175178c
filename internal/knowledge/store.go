// Package knowledge persists accepted findings and reports. Entries are
// append-only and versioned: a new write under an existing key never
// overwrites, it inserts the next version linked to the previous one via
// supersedes. Concurrent writers to one key are serialized in-process by a
// per-key lock; writers racing from other processes lose the unique-index
// insert and retry against the new latest version.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/tracing"
)

const (
	// DefaultPutRetries bounds the optimistic-concurrency retry loop.
	DefaultPutRetries = 5

	keyLockStripes = 64
)

var (
	// ErrNotFound means no entry or report exists under the key.
	ErrNotFound = errors.New("knowledge: not found")
	// ErrConflict means a write kept losing the version race after retries.
	ErrConflict = errors.New("knowledge: store conflict")
)

const schema = `
CREATE TABLE IF NOT EXISTS knowledge_entries (
	key             TEXT      NOT NULL,
	version         INTEGER   NOT NULL,
	content         TEXT      NOT NULL,
	source_findings TEXT      NOT NULL DEFAULT '[]',
	supersedes      INTEGER   NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (key, version)
);

CREATE TABLE IF NOT EXISTS reports (
	request_id   TEXT      NOT NULL,
	version      INTEGER   NOT NULL,
	query        TEXT      NOT NULL,
	status       TEXT      NOT NULL,
	payload      TEXT      NOT NULL,
	generated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (request_id, version)
);
`

// Options configures a Store.
type Options struct {
	Driver     string // "postgres" or "sqlite3"
	DSN        string
	MaxConns   int
	IdleConns  int
	PutRetries int
	CacheSize  int
	CacheTTL   time.Duration
	RedisAddr  string // optional second cache layer
}

func (o Options) withDefaults() Options {
	if o.Driver == "" {
		o.Driver = "postgres"
	}
	if o.MaxConns == 0 {
		o.MaxConns = 25
	}
	if o.IdleConns == 0 {
		o.IdleConns = 5
	}
	if o.PutRetries == 0 {
		o.PutRetries = DefaultPutRetries
	}
	return o
}

// Store is the versioned persistence layer for knowledge entries and
// reports.
type Store struct {
	db      *sqlx.DB
	cache   *entryCache
	retries int
	logger  *zap.Logger

	keyLocks     [keyLockStripes]sync.Mutex
	requestLocks [keyLockStripes]sync.Mutex
}

// Open connects, verifies the connection, and bootstraps the schema.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	opts = opts.withDefaults()
	db, err := sqlx.ConnectContext(ctx, opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.Driver, err)
	}
	db.SetMaxOpenConns(opts.MaxConns)
	db.SetMaxIdleConns(opts.IdleConns)

	s, err := New(db, opts, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Knowledge store opened",
		zap.String("driver", opts.Driver),
		zap.Int("max_connections", opts.MaxConns),
		zap.Bool("redis_cache", opts.RedisAddr != ""),
	)
	return s, nil
}

// New wraps an existing connection. The caller owns schema setup when it
// does not go through Open.
func New(db *sqlx.DB, opts Options, logger *zap.Logger) (*Store, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := newEntryCache(opts.CacheSize, opts.RedisAddr, opts.CacheTTL, logger)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:      db,
		cache:   cache,
		retries: opts.PutRetries,
		logger:  logger,
	}, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the database and cache connections.
func (s *Store) Close() error {
	s.cache.close()
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type entryRow struct {
	Key            string    `db:"key"`
	Version        int       `db:"version"`
	Content        string    `db:"content"`
	SourceFindings string    `db:"source_findings"`
	Supersedes     int       `db:"supersedes"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r entryRow) toModel() models.KnowledgeEntry {
	e := models.KnowledgeEntry{
		Key:        r.Key,
		Content:    r.Content,
		Version:    r.Version,
		Supersedes: r.Supersedes,
		CreatedAt:  r.CreatedAt,
	}
	if r.SourceFindings != "" {
		_ = json.Unmarshal([]byte(r.SourceFindings), &e.SourceFindings)
	}
	return e
}

// Put appends the next version under key and returns it. Losing a version
// race is not an error until the retry budget runs out; each retry re-reads
// the latest version and links supersedes to it, so no write ever clobbers
// another.
func (s *Store) Put(ctx context.Context, key, content string, sourceFindings []string) (int, error) {
	if key == "" {
		return 0, fmt.Errorf("knowledge: empty key")
	}
	ctx, span := tracing.StartStoreSpan(ctx, "put", key)
	defer span.End()

	lock := &s.keyLocks[stripe(key)]
	lock.Lock()
	defer lock.Unlock()

	sources, err := json.Marshal(sourceFindings)
	if err != nil {
		return 0, fmt.Errorf("marshal source findings: %w", err)
	}

	insert := s.db.Rebind(`
		INSERT INTO knowledge_entries (key, version, content, source_findings, supersedes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)

	for attempt := 0; attempt < s.retries; attempt++ {
		latest, err := s.latestVersion(ctx, key)
		if err != nil {
			metrics.KnowledgeWrites.WithLabelValues("error").Inc()
			return 0, err
		}

		version := latest + 1
		_, err = s.db.ExecContext(ctx, insert, key, version, content, string(sources), latest, time.Now().UTC())
		if err == nil {
			s.cache.invalidate(ctx, key)
			metrics.KnowledgeWrites.WithLabelValues("ok").Inc()
			s.logger.Debug("Knowledge entry appended",
				zap.String("key", key),
				zap.Int("version", version),
				zap.Int("supersedes", latest),
			)
			return version, nil
		}
		if isUniqueViolation(err) {
			// A writer outside this process took the version. Re-read and
			// append after it.
			metrics.StoreConflicts.Inc()
			s.logger.Warn("Version conflict on knowledge write, retrying",
				zap.String("key", key),
				zap.Int("lost_version", version),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		metrics.KnowledgeWrites.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("insert knowledge %s: %w", key, err)
	}

	metrics.KnowledgeWrites.WithLabelValues("conflict").Inc()
	return 0, fmt.Errorf("put %s after %d attempts: %w", key, s.retries, ErrConflict)
}

func (s *Store) latestVersion(ctx context.Context, key string) (int, error) {
	var latest int
	query := s.db.Rebind(`SELECT COALESCE(MAX(version), 0) FROM knowledge_entries WHERE key = ?`)
	if err := s.db.GetContext(ctx, &latest, query, key); err != nil {
		return 0, fmt.Errorf("read latest version of %s: %w", key, err)
	}
	return latest, nil
}

// Latest returns the newest version under key, served from cache when warm.
func (s *Store) Latest(ctx context.Context, key string) (models.KnowledgeEntry, error) {
	if entry, ok := s.cache.get(ctx, key); ok {
		return entry, nil
	}

	var row entryRow
	query := s.db.Rebind(`
		SELECT key, version, content, source_findings, supersedes, created_at
		FROM knowledge_entries
		WHERE key = ?
		ORDER BY version DESC
		LIMIT 1`)
	if err := s.db.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.KnowledgeEntry{}, ErrNotFound
		}
		return models.KnowledgeEntry{}, fmt.Errorf("read latest %s: %w", key, err)
	}

	entry := row.toModel()
	s.cache.set(ctx, key, entry)
	return entry, nil
}

// Get returns the latest version plus the full append-only history in
// ascending version order.
func (s *Store) Get(ctx context.Context, key string) (models.KnowledgeEntry, []models.KnowledgeEntry, error) {
	var rows []entryRow
	query := s.db.Rebind(`
		SELECT key, version, content, source_findings, supersedes, created_at
		FROM knowledge_entries
		WHERE key = ?
		ORDER BY version ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, key); err != nil {
		return models.KnowledgeEntry{}, nil, fmt.Errorf("read history of %s: %w", key, err)
	}
	if len(rows) == 0 {
		return models.KnowledgeEntry{}, nil, ErrNotFound
	}

	history := make([]models.KnowledgeEntry, len(rows))
	for i, r := range rows {
		history[i] = r.toModel()
	}
	return history[len(history)-1], history, nil
}

// SaveReport appends the next report version for the request and returns it.
func (s *Store) SaveReport(ctx context.Context, report models.Report) (int, error) {
	if report.RequestID == "" {
		return 0, fmt.Errorf("knowledge: report without request id")
	}
	ctx, span := tracing.StartStoreSpan(ctx, "save report", report.RequestID)
	defer span.End()

	lock := &s.requestLocks[stripe(report.RequestID)]
	lock.Lock()
	defer lock.Unlock()

	insert := s.db.Rebind(`
		INSERT INTO reports (request_id, version, query, status, payload, generated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)

	for attempt := 0; attempt < s.retries; attempt++ {
		var latest int
		query := s.db.Rebind(`SELECT COALESCE(MAX(version), 0) FROM reports WHERE request_id = ?`)
		if err := s.db.GetContext(ctx, &latest, query, report.RequestID); err != nil {
			return 0, fmt.Errorf("read latest report version of %s: %w", report.RequestID, err)
		}

		report.Version = latest + 1
		payload, err := json.Marshal(report)
		if err != nil {
			return 0, fmt.Errorf("marshal report: %w", err)
		}

		_, err = s.db.ExecContext(ctx, insert,
			report.RequestID, report.Version, report.Query, string(report.Status), string(payload), report.GeneratedAt.UTC())
		if err == nil {
			s.logger.Info("Report persisted",
				zap.String("request_id", report.RequestID),
				zap.Int("version", report.Version),
				zap.String("status", string(report.Status)),
			)
			return report.Version, nil
		}
		if isUniqueViolation(err) {
			metrics.StoreConflicts.Inc()
			continue
		}
		return 0, fmt.Errorf("insert report %s: %w", report.RequestID, err)
	}
	return 0, fmt.Errorf("save report %s after %d attempts: %w", report.RequestID, s.retries, ErrConflict)
}

// LatestReport returns the newest persisted report for the request.
func (s *Store) LatestReport(ctx context.Context, requestID string) (models.Report, error) {
	var payload string
	query := s.db.Rebind(`
		SELECT payload FROM reports
		WHERE request_id = ?
		ORDER BY version DESC
		LIMIT 1`)
	if err := s.db.GetContext(ctx, &payload, query, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Report{}, ErrNotFound
		}
		return models.Report{}, fmt.Errorf("read report %s: %w", requestID, err)
	}

	var report models.Report
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return models.Report{}, fmt.Errorf("decode report %s: %w", requestID, err)
	}
	return report, nil
}

// isUniqueViolation recognizes a lost version race on either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func stripe(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % keyLockStripes)
}
