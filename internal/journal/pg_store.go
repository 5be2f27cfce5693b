// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"actor-platform/pkg/integrity"
)

// pgStore Postgres 实现。追加经由 actor_journal_heads 行锁串行化：
// heads 行持有 next_cursor / max_fence / last_sum，保证 trim 后
// Cursor 依旧单调、围栏检查与校验和链在并发写入下可靠。
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 连接 Postgres 并确保表结构存在
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	s := &pgStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *pgStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS actor_journal (
			actor_id   TEXT        NOT NULL,
			cursor     BIGINT      NOT NULL,
			id         TEXT        NOT NULL,
			type       TEXT        NOT NULL,
			payload    JSONB,
			fence      BIGINT      NOT NULL DEFAULT 0,
			checksum   TEXT        NOT NULL DEFAULT '',
			prev_sum   TEXT        NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (actor_id, cursor)
		)`,
		`CREATE TABLE IF NOT EXISTS actor_journal_heads (
			actor_id    TEXT   PRIMARY KEY,
			next_cursor BIGINT NOT NULL DEFAULT 0,
			max_fence   BIGINT NOT NULL DEFAULT 0,
			last_sum    TEXT   NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS actor_snapshots (
			actor_id TEXT   PRIMARY KEY,
			state    BYTEA,
			cursor   BIGINT NOT NULL,
			ts_ms    BIGINT NOT NULL,
			checksum TEXT   NOT NULL DEFAULT ''
		)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("journal: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *pgStore) AppendEntry(ctx context.Context, actorID string, entry Entry) (Entry, error) {
	if actorID == "" {
		return Entry{}, ErrEmptyActorID
	}
	if !KnownType(entry.Type) {
		return Entry{}, fmt.Errorf("journal: unknown entry type %q", entry.Type)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		nextCursor int
		maxFence   int64
		lastSum    string
	)
	err = tx.QueryRow(ctx,
		`SELECT next_cursor, max_fence, last_sum FROM actor_journal_heads WHERE actor_id = $1 FOR UPDATE`,
		actorID,
	).Scan(&nextCursor, &maxFence, &lastSum)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO actor_journal_heads (actor_id) VALUES ($1)`, actorID); err != nil {
			return Entry{}, fmt.Errorf("journal: init head: %w", err)
		}
		nextCursor, maxFence, lastSum = 0, 0, ""
	} else if err != nil {
		return Entry{}, fmt.Errorf("journal: read head: %w", err)
	}

	if entry.Fence > 0 {
		if entry.Fence < maxFence {
			return Entry{}, ErrFencedWrite
		}
		maxFence = entry.Fence
	}

	e := cloneEntry(entry)
	e.ActorID = actorID
	e.Cursor = nextCursor
	if e.ID == "" {
		e.ID = "ev-" + uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.PrevSum = lastSum
	e.Checksum = integrity.ChainDigest(actorID, e.Cursor, string(e.Type), e.Payload, e.PrevSum)

	if _, err := tx.Exec(ctx,
		`INSERT INTO actor_journal (actor_id, cursor, id, type, payload, fence, checksum, prev_sum, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ActorID, e.Cursor, e.ID, string(e.Type), e.Payload, e.Fence, e.Checksum, e.PrevSum, e.CreatedAt,
	); err != nil {
		return Entry{}, fmt.Errorf("journal: insert entry: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE actor_journal_heads SET next_cursor = $2, max_fence = $3, last_sum = $4 WHERE actor_id = $1`,
		actorID, e.Cursor+1, maxFence, e.Checksum,
	); err != nil {
		return Entry{}, fmt.Errorf("journal: update head: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("journal: commit: %w", err)
	}
	return e, nil
}

func (s *pgStore) ReadEntries(ctx context.Context, actorID string) ([]Entry, error) {
	if actorID == "" {
		return nil, ErrEmptyActorID
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, cursor, type, payload, fence, checksum, prev_sum, created_at
		 FROM actor_journal WHERE actor_id = $1 ORDER BY cursor`,
		actorID,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e := Entry{ActorID: actorID}
		var typ string
		if err := rows.Scan(&e.ID, &e.Cursor, &typ, &e.Payload, &e.Fence, &e.Checksum, &e.PrevSum, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: scan entry: %w", err)
		}
		e.Type = EntryType(typ)
		if !KnownType(e.Type) {
			return nil, &CorruptionError{ActorID: actorID, Cursor: e.Cursor, Reason: fmt.Sprintf("unknown entry type %q", typ)}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate entries: %w", err)
	}
	return out, nil
}

func (s *pgStore) TrimEntries(ctx context.Context, actorID string, beforeCursor int) error {
	if actorID == "" {
		return ErrEmptyActorID
	}
	if beforeCursor <= 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM actor_journal WHERE actor_id = $1 AND cursor < $2`,
		actorID, beforeCursor,
	); err != nil {
		return fmt.Errorf("journal: trim: %w", err)
	}
	return nil
}

func (s *pgStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	if snapshot.ActorID == "" {
		return ErrEmptyActorID
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO actor_snapshots (actor_id, state, cursor, ts_ms, checksum)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (actor_id) DO UPDATE SET state = $2, cursor = $3, ts_ms = $4, checksum = $5`,
		snapshot.ActorID, snapshot.State, snapshot.Cursor, snapshot.Timestamp, snapshot.Checksum,
	); err != nil {
		return fmt.Errorf("journal: save snapshot: %w", err)
	}
	return nil
}

func (s *pgStore) LatestSnapshot(ctx context.Context, actorID string) (*Snapshot, error) {
	if actorID == "" {
		return nil, ErrEmptyActorID
	}
	snap := Snapshot{ActorID: actorID}
	err := s.pool.QueryRow(ctx,
		`SELECT state, cursor, ts_ms, checksum FROM actor_snapshots WHERE actor_id = $1`,
		actorID,
	).Scan(&snap.State, &snap.Cursor, &snap.Timestamp, &snap.Checksum)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: query snapshot: %w", err)
	}
	// 损坏的快照按不存在处理，交给全量重放
	if !snap.Valid() {
		return nil, nil
	}
	return &snap, nil
}

func (s *pgStore) DeleteJournal(ctx context.Context, actorID string) error {
	if actorID == "" {
		return ErrEmptyActorID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("journal: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		`DELETE FROM actor_journal WHERE actor_id = $1`,
		`DELETE FROM actor_journal_heads WHERE actor_id = $1`,
		`DELETE FROM actor_snapshots WHERE actor_id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, actorID); err != nil {
			return fmt.Errorf("journal: delete: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}
