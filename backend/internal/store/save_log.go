package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"snippetCollab/backend/internal/collab"
)

const saveLogDDL = `
CREATE TABLE IF NOT EXISTS collab_saves (
	event_id    VARCHAR(32)  NOT NULL PRIMARY KEY,
	document_id VARCHAR(128) NOT NULL,
	user_id     VARCHAR(128) NOT NULL,
	fields      TEXT         NOT NULL,
	saved_at    DATETIME(3)  NOT NULL,
	KEY idx_collab_saves_doc (document_id, saved_at)
)`

// 旧表的 fields 是 VARCHAR(255)，保存的字段一多就写不进去
const saveLogWidenFields = `ALTER TABLE collab_saves MODIFY fields TEXT NOT NULL`

// SaveLog records who announced a save, when, and which fields. Field values
// are not stored here.
type SaveLog struct{ db *sql.DB }

func NewSaveLog(db *sql.DB) *SaveLog {
	return &SaveLog{db: db}
}

func (s *SaveLog) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, saveLogDDL); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, saveLogWidenFields)
	return err
}

func (s *SaveLog) RecordSave(ctx context.Context, rec collab.SaveRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	// 释放资源
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collab_saves (event_id, document_id, user_id, fields, saved_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.EventID,
		rec.DocumentID,
		rec.UserID,
		strings.Join(rec.Fields, ","),
		rec.SavedAt.UTC(),
	)
	if err != nil {
		// 1062 = duplicate key，同一事件重复写入视为成功
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// Recent returns the latest saves of a document, newest first.
func (s *SaveLog) Recent(ctx context.Context, documentID string, limit int) ([]collab.SaveRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, document_id, user_id, fields, saved_at
		FROM collab_saves WHERE document_id = ? ORDER BY saved_at DESC LIMIT ?`,
		documentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []collab.SaveRecord
	for rows.Next() {
		var rec collab.SaveRecord
		var fields string
		if err := rows.Scan(&rec.EventID, &rec.DocumentID, &rec.UserID, &fields, &rec.SavedAt); err != nil {
			return nil, err
		}
		if fields != "" {
			rec.Fields = strings.Split(fields, ",")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
