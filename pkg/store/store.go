// Package store persists answer records to SQLite. One row per distinct
// answer URL: the collector inserts bare URLs, the processor merges in the
// scraped fields, and the API reads the normalized instants back out.
//
// Normalized instants are stored in the posted_at column as RFC 3339 UTC
// strings with an explicit Z suffix. Writers convert before persisting and
// readers parse back; no reader or writer may assume an implicit zone. UTC
// RFC 3339 strings compare lexicographically in chronological order, which is
// what makes the half-open range query a plain string comparison.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

// ErrEmptyPatch is returned by UpdateAnswer when the patch carries no fields.
var ErrEmptyPatch = errors.New("store: empty patch")

// DB wraps the SQLite handle.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the schema exists.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets the parallel processor workers write without tripping over
	// each other; busy_timeout covers the brief lock contention that remains.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &DB{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		answer_url TEXT UNIQUE NOT NULL,
		question_url TEXT,
		question_text TEXT,
		answer_content TEXT,
		revision_link TEXT,
		raw_timestamp TEXT,
		posted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_answers_posted_at ON answers(posted_at);
	`
	_, err := d.db.Exec(schema)
	return err
}

// InsertURLBatch inserts the given answer URLs, ignoring any that already
// exist, and reports how many rows were actually inserted. Set semantics:
// re-flushing an already-stored URL is a no-op, never an error.
func (d *DB) InsertURLBatch(ctx context.Context, urls []string) (int64, error) {
	if len(urls) == 0 {
		return 0, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin batch insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO answers (answer_url) VALUES (?)")
	if err != nil {
		return 0, fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, url := range urls {
		res, err := stmt.ExecContext(ctx, url)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", url, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch insert: %w", err)
	}
	return inserted, nil
}

// AnswerURLs returns the set of every stored answer URL. The collector loads
// this once at the start of a run as its dedup index.
func (d *DB) AnswerURLs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT answer_url FROM answers")
	if err != nil {
		return nil, fmt.Errorf("query answer urls: %w", err)
	}
	defer rows.Close()

	urls := make(map[string]struct{})
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scan answer url: %w", err)
		}
		urls[url] = struct{}{}
	}
	return urls, rows.Err()
}

// IncompleteAnswer identifies a row still awaiting enrichment.
type IncompleteAnswer struct {
	AnswerURL string
	ID        int64
}

// IncompleteAnswers returns rows missing question_text or answer_content,
// oldest first. Completeness of those two fields is the sole work-selection
// criterion; a limit of 0 means no limit.
func (d *DB) IncompleteAnswers(ctx context.Context, limit int) ([]IncompleteAnswer, error) {
	query := `
	SELECT id, answer_url FROM answers
	WHERE question_text IS NULL OR question_text = ''
	   OR answer_content IS NULL OR answer_content = ''
	ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incomplete answers: %w", err)
	}
	defer rows.Close()

	var entries []IncompleteAnswer
	for rows.Next() {
		var e IncompleteAnswer
		if err := rows.Scan(&e.ID, &e.AnswerURL); err != nil {
			return nil, fmt.Errorf("scan incomplete answer: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AnswerPatch carries the optional fields of a partial update. Only non-nil
// fields are merged into the stored row.
type AnswerPatch struct {
	QuestionURL   *string
	QuestionText  *string
	AnswerContent *string
	RevisionLink  *string
	RawTimestamp  *string
	PostedAt      *time.Time
}

// UpdateAnswer merges the non-nil patch fields into the row keyed by
// answerURL. PostedAt is converted to its RFC 3339 UTC representation before
// writing. Returns ErrEmptyPatch when the patch has no fields and
// sql.ErrNoRows when no row matches.
func (d *DB) UpdateAnswer(ctx context.Context, answerURL string, patch AnswerPatch) error {
	b := sq.Update("answers")
	fields := 0
	set := func(column string, value any) {
		b = b.Set(column, value)
		fields++
	}

	if patch.QuestionURL != nil {
		set("question_url", *patch.QuestionURL)
	}
	if patch.QuestionText != nil {
		set("question_text", *patch.QuestionText)
	}
	if patch.AnswerContent != nil {
		set("answer_content", *patch.AnswerContent)
	}
	if patch.RevisionLink != nil {
		set("revision_link", *patch.RevisionLink)
	}
	if patch.RawTimestamp != nil {
		set("raw_timestamp", *patch.RawTimestamp)
	}
	if patch.PostedAt != nil {
		set("posted_at", patch.PostedAt.UTC().Format(time.RFC3339))
	}
	if fields == 0 {
		return ErrEmptyPatch
	}

	query, args, err := b.Where(sq.Eq{"answer_url": answerURL}).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", answerURL, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Answer is a fully hydrated row.
type Answer struct {
	PostedAt      *time.Time
	AnswerURL     string
	QuestionURL   string
	QuestionText  string
	AnswerContent string
	RevisionLink  string
	RawTimestamp  string
	ID            int64
}

// Answer returns the row keyed by answerURL, or nil when absent.
func (d *DB) Answer(ctx context.Context, answerURL string) (*Answer, error) {
	row := d.db.QueryRowContext(ctx, `
	SELECT id, answer_url, question_url, question_text, answer_content,
	       revision_link, raw_timestamp, posted_at
	FROM answers WHERE answer_url = ?`, answerURL)

	var a Answer
	var questionURL, questionText, answerContent, revisionLink, rawTimestamp, postedAt sql.NullString
	err := row.Scan(&a.ID, &a.AnswerURL, &questionURL, &questionText, &answerContent,
		&revisionLink, &rawTimestamp, &postedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan answer: %w", err)
	}

	a.QuestionURL = questionURL.String
	a.QuestionText = questionText.String
	a.AnswerContent = answerContent.String
	a.RevisionLink = revisionLink.String
	a.RawTimestamp = rawTimestamp.String
	if postedAt.Valid {
		t, err := parsePostedAt(postedAt.String)
		if err != nil {
			return nil, err
		}
		a.PostedAt = &t
	}
	return &a, nil
}

// Statistics summarizes the stored instants.
type Statistics struct {
	Earliest   *time.Time
	Latest     *time.Time
	Instants   []time.Time
	TotalCount int
}

// Statistics returns the total row count plus every normalized instant with
// its earliest/latest bounds. Rows without a posted_at contribute to the
// count but not to the instants.
func (d *DB) Statistics(ctx context.Context) (Statistics, error) {
	var stats Statistics
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM answers").Scan(&stats.TotalCount); err != nil {
		return Statistics{}, fmt.Errorf("count answers: %w", err)
	}

	instants, err := d.AllPostedAt(ctx)
	if err != nil {
		return Statistics{}, err
	}
	stats.Instants = instants
	for i := range instants {
		t := instants[i]
		if stats.Earliest == nil || t.Before(*stats.Earliest) {
			stats.Earliest = &t
		}
		if stats.Latest == nil || t.After(*stats.Latest) {
			stats.Latest = &t
		}
	}
	return stats, nil
}

// AllPostedAt returns every normalized instant in insertion order.
func (d *DB) AllPostedAt(ctx context.Context) ([]time.Time, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT posted_at FROM answers WHERE posted_at IS NOT NULL ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query posted_at: %w", err)
	}
	defer rows.Close()

	var instants []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan posted_at: %w", err)
		}
		t, err := parsePostedAt(s)
		if err != nil {
			return nil, err
		}
		instants = append(instants, t)
	}
	return instants, rows.Err()
}

// PostedAnswer is the slice of a row the timestamps endpoint serves.
type PostedAnswer struct {
	PostedAt     time.Time
	AnswerURL    string
	QuestionText string
}

// PostedBetween returns rows whose instant falls in the half-open range
// [start, end), ordered by instant. Bounds are compared in the storage
// representation, so callers hand in absolute instants and conversion from
// any display zone has already happened.
func (d *DB) PostedBetween(ctx context.Context, start, end time.Time) ([]PostedAnswer, error) {
	rows, err := d.db.QueryContext(ctx, `
	SELECT posted_at, question_text, answer_url FROM answers
	WHERE posted_at IS NOT NULL AND posted_at >= ? AND posted_at < ?
	ORDER BY posted_at`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query posted range: %w", err)
	}
	defer rows.Close()

	var results []PostedAnswer
	for rows.Next() {
		var postedAt string
		var questionText sql.NullString
		var r PostedAnswer
		if err := rows.Scan(&postedAt, &questionText, &r.AnswerURL); err != nil {
			return nil, fmt.Errorf("scan posted answer: %w", err)
		}
		t, err := parsePostedAt(postedAt)
		if err != nil {
			return nil, err
		}
		r.PostedAt = t
		r.QuestionText = questionText.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// Counts reports total, complete, and incomplete row counts for status
// output.
func (d *DB) Counts(ctx context.Context) (total, complete, incomplete int, err error) {
	if err = d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM answers").Scan(&total); err != nil {
		return 0, 0, 0, fmt.Errorf("count answers: %w", err)
	}
	err = d.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM answers
	WHERE question_text IS NULL OR question_text = ''
	   OR answer_content IS NULL OR answer_content = ''`).Scan(&incomplete)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("count incomplete: %w", err)
	}
	return total, total - incomplete, incomplete, nil
}

func parsePostedAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt posted_at %q: %w", s, err)
	}
	return t.UTC(), nil
}
