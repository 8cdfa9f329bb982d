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

package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	perrors "orchestration-router/pkg/errors"
)

// PgStore Postgres 实现：sessions 表 + 追加式 session_messages 表
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 创建 Postgres Session 存储并校验连通性
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, perrors.Wrap(err, "解析会话存储 DSN 失败")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, perrors.Wrap(err, "创建会话连接池失败")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, perrors.Wrap(err, "会话存储连通性检查失败")
	}
	s := &PgStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, perrors.Wrap(err, "初始化会话 schema 失败")
	}
	return s, nil
}

func (s *PgStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			owner_domain     TEXT NOT NULL,
			started_at       TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL,
			active           BOOLEAN NOT NULL DEFAULT TRUE
		);
		CREATE TABLE IF NOT EXISTS session_messages (
			session_id  TEXT NOT NULL REFERENCES sessions(id),
			seq         BIGSERIAL,
			sender_type TEXT NOT NULL,
			content     TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, seq)
		);
	`)
	return err
}

// Get 实现 SessionStore；不存在返回 nil, nil
func (s *PgStore) Get(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_domain, started_at, last_activity_at, active FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.OwnerDomain, &sess.StartedAt, &sess.LastActivityAt, &sess.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT sender_type, content, created_at FROM session_messages WHERE session_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.SenderType, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		sess.Messages = append(sess.Messages, m)
	}
	return sess, rows.Err()
}

// Put 实现 SessionStore；只更新会话元数据，消息走 AppendMessage
func (s *PgStore) Put(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	// last_activity_at 单调不减，用 GREATEST 抵御乱序写入
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, owner_domain, started_at, last_activity_at, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			last_activity_at = GREATEST(sessions.last_activity_at, EXCLUDED.last_activity_at),
			active = EXCLUDED.active`,
		sess.ID, sess.OwnerDomain, sess.StartedAt, sess.LastActivity(), sess.IsActive())
	return err
}

// AppendMessage 实现 SessionStore
func (s *PgStore) AppendMessage(ctx context.Context, id string, m *Message) error {
	if m == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_messages (session_id, sender_type, content, created_at) VALUES ($1, $2, $3, $4)`,
		id, m.SenderType, m.Content, m.Timestamp)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE sessions SET last_activity_at = GREATEST(last_activity_at, $2) WHERE id = $1`,
		id, m.Timestamp)
	return err
}

// Expire 实现 SessionStore
func (s *PgStore) Expire(ctx context.Context, olderThan time.Time) (int, error) {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE sessions SET active = FALSE WHERE active AND last_activity_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

// Count 实现 SessionStore
func (s *PgStore) Count(ctx context.Context) (int, int, error) {
	var total, active int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE active) FROM sessions`).Scan(&total, &active)
	return total, active, err
}

// Close 实现 SessionStore
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

var _ SessionStore = (*PgStore)(nil)
