// Package store persists articles, detection rules, ingestion cursors,
// and analysis cache entries in a single SQLite database. The rule
// corpus is mirrored into an FTS5 table for relevance-ranked search.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle shared by all repositories.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. The pure-Go driver is single-writer, so the pool is capped.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS articles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id TEXT NOT NULL UNIQUE,
			source TEXT NOT NULL,
			title TEXT NOT NULL,
			url TEXT NOT NULL,
			publish_time INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'NEW',
			read_at INTEGER,
			read_by TEXT NOT NULL DEFAULT '',
			assigned_to TEXT NOT NULL DEFAULT '',
			locked_by TEXT NOT NULL DEFAULT '',
			locked_at INTEGER,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at INTEGER,
			content_text TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_articles_status_publish
			ON articles(status, publish_time DESC)`,
		`CREATE TABLE IF NOT EXISTS ingest_state (
			key TEXT PRIMARY KEY,
			last_seen_created_at INTEGER NOT NULL DEFAULT 0,
			last_run_at INTEGER,
			last_result TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			level TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			description TEXT NOT NULL DEFAULT '',
			false_positives TEXT NOT NULL DEFAULT '[]',
			refs TEXT NOT NULL DEFAULT '[]',
			logsource TEXT NOT NULL DEFAULT '{}',
			detection TEXT NOT NULL DEFAULT '{}',
			source_path TEXT NOT NULL DEFAULT '',
			slug TEXT NOT NULL DEFAULT '',
			yaml_link TEXT NOT NULL DEFAULT '',
			search_text TEXT NOT NULL DEFAULT '',
			is_custom INTEGER NOT NULL DEFAULT 0,
			source_yaml TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS rules_fts USING fts5(
			rule_id UNINDEXED, title, search_text, tags
		)`,
		`CREATE TABLE IF NOT EXISTS analysis_cache (
			cache_key TEXT PRIMARY KEY,
			article_id TEXT NOT NULL,
			prompt_version TEXT NOT NULL,
			ruleset_hash TEXT NOT NULL DEFAULT '',
			news_summary TEXT NOT NULL DEFAULT '',
			rule_reasoning TEXT NOT NULL DEFAULT '',
			query_reasoning TEXT NOT NULL DEFAULT '',
			translated_query TEXT NOT NULL DEFAULT '',
			primary_rule_id TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_article
			ON analysis_cache(article_id, prompt_version)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
