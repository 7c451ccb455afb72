package postfactory

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/newsreap/newsreap/internal/codec"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// StagedArticle is one durable row of the staging store: a chunk encoded to
// disk, waiting to be posted and verified.
type StagedArticle struct {
	MessageID  string
	LocalFile  string
	RemoteFile string
	Subject    string
	Poster     string
	Size       int64
	SHA1       string
	SequenceNo int
	SortNo     int
	BatchID    string

	PostedDate   *time.Time
	VerifiedDate *time.Time

	Groups []string
	Header codec.Header
}

// StagedStore persists StagedArticles. The engine URL picks the backend: a
// plain path or sqlite:// URL opens the embedded driver, postgres:// goes
// through pgx.
type StagedStore struct {
	db       *sql.DB
	postgres bool
}

// OpenStore opens (creating and migrating if needed) the staging store.
// engine selects the backend; when empty, a sqlite file at defaultPath is
// used.
func OpenStore(engine, defaultPath string) (*StagedStore, error) {
	var (
		db  *sql.DB
		err error
		pg  bool
	)
	switch {
	case strings.HasPrefix(engine, "postgres://"), strings.HasPrefix(engine, "postgresql://"):
		pg = true
		db, err = sql.Open("pgx", engine)
	default:
		path := defaultPath
		if engine != "" {
			path = strings.TrimPrefix(engine, "sqlite://")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		db, err = sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	}
	if err != nil {
		return nil, fmt.Errorf("open staging store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect staging store: %w", err)
	}

	s := &StagedStore{db: db, postgres: pg}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate staging store: %w", err)
	}
	return s, nil
}

func (s *StagedStore) migrate() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}

	var m *migrate.Migrate
	if s.postgres {
		driver, err := migratepg.WithInstance(s.db, &migratepg.Config{})
		if err != nil {
			return err
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
		if err != nil {
			return err
		}
	} else {
		// this driver works with modernc.org/sqlite as well
		driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
		if err != nil {
			return err
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", driver)
		if err != nil {
			return err
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *StagedStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for postgres.
func (s *StagedStore) rebind(q string) string {
	if !s.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Insert writes one row and its group/header side tables in a single
// transaction.
func (s *StagedStore) Insert(a *StagedArticle) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(s.rebind(
		`INSERT INTO staged_articles
		 (message_id, local_file, remote_file, subject, poster, size, sha1,
		  sequence_no, sort_no, batch_id, posted_date, verified_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`),
		a.MessageID, a.LocalFile, a.RemoteFile, a.Subject, a.Poster,
		a.Size, a.SHA1, a.SequenceNo, a.SortNo, a.BatchID)
	if err != nil {
		return fmt.Errorf("insert staged article %s: %w", a.MessageID, err)
	}

	for _, g := range a.Groups {
		if _, err := tx.Exec(s.rebind(
			`INSERT INTO staged_article_groups (message_id, name) VALUES (?, ?)`),
			a.MessageID, g); err != nil {
			return err
		}
	}
	for _, k := range a.Header.Keys() {
		for _, v := range a.Header.Values(k) {
			if _, err := tx.Exec(s.rebind(
				`INSERT INTO staged_article_headers (message_id, name, value) VALUES (?, ?, ?)`),
				a.MessageID, k, v); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// All returns every row in (sort_no, sequence_no) order with its groups
// and headers loaded.
func (s *StagedStore) All() ([]*StagedArticle, error) {
	rows, err := s.db.Query(
		`SELECT message_id, local_file, remote_file, subject, poster, size,
		        sha1, sequence_no, sort_no, batch_id, posted_date, verified_date
		 FROM staged_articles ORDER BY sort_no, sequence_no`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StagedArticle
	for rows.Next() {
		a := &StagedArticle{}
		var posted, verified sql.NullTime
		if err := rows.Scan(&a.MessageID, &a.LocalFile, &a.RemoteFile,
			&a.Subject, &a.Poster, &a.Size, &a.SHA1,
			&a.SequenceNo, &a.SortNo, &a.BatchID, &posted, &verified); err != nil {
			return nil, err
		}
		if posted.Valid {
			t := posted.Time
			a.PostedDate = &t
		}
		if verified.Valid {
			t := verified.Time
			a.VerifiedDate = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range out {
		if err := s.loadSideTables(a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *StagedStore) loadSideTables(a *StagedArticle) error {
	rows, err := s.db.Query(s.rebind(
		`SELECT name FROM staged_article_groups WHERE message_id = ? ORDER BY name`),
		a.MessageID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			rows.Close()
			return err
		}
		a.Groups = append(a.Groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.Query(s.rebind(
		`SELECT name, value FROM staged_article_headers WHERE message_id = ?`),
		a.MessageID)
	if err != nil {
		return err
	}
	defer rows.Close()
	a.Header = codec.NewHeader()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		a.Header.Add(k, v)
	}
	return rows.Err()
}

// MarkPosted records the server-acknowledged post time.
func (s *StagedStore) MarkPosted(messageID string, at time.Time) error {
	_, err := s.db.Exec(s.rebind(
		`UPDATE staged_articles SET posted_date = ? WHERE message_id = ?`),
		at.UTC(), messageID)
	return err
}

// MarkVerified records a successful HEAD check.
func (s *StagedStore) MarkVerified(messageID string, at time.Time) error {
	_, err := s.db.Exec(s.rebind(
		`UPDATE staged_articles SET verified_date = ? WHERE message_id = ?`),
		at.UTC(), messageID)
	return err
}

// Rename swaps a row's Message-ID after a collision, carrying the side
// tables along.
func (s *StagedStore) Rename(oldID, newID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`UPDATE staged_articles SET message_id = ? WHERE message_id = ?`,
		`UPDATE staged_article_groups SET message_id = ? WHERE message_id = ?`,
		`UPDATE staged_article_headers SET message_id = ? WHERE message_id = ?`,
	} {
		if _, err := tx.Exec(s.rebind(q), newID, oldID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
