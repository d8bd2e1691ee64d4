package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/oklog/ulid/v2"

	"snippetCollab/backend/internal/collab"
)

func testDSN() string {
	if dsn := os.Getenv("COLLAB_TEST_MYSQL_DSN"); dsn != "" {
		return dsn
	}
	return "root:root@tcp(127.0.0.1:3306)/snippet?parseTime=true"
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("mysql", testDSN())
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// 若 MySQL 未启动则跳过
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Skipf("skip: mysql not available: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSaveLog_RecordIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	saves := NewSaveLog(db)
	if err := saves.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	doc := "doc-" + ulid.Make().String()
	defer db.Exec(`DELETE FROM collab_saves WHERE document_id = ?`, doc)

	rec := collab.SaveRecord{
		EventID:    ulid.Make().String(),
		DocumentID: doc,
		UserID:     "alice",
		Fields:     []string{"content", "title"},
		SavedAt:    time.Now().Truncate(time.Millisecond),
	}
	if err := saves.RecordSave(ctx, rec); err != nil {
		t.Fatalf("RecordSave: %v", err)
	}
	if err := saves.RecordSave(ctx, rec); err != nil {
		t.Fatalf("duplicate RecordSave: %v", err)
	}

	got, err := saves.Recent(ctx, doc, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "alice" || len(got[0].Fields) != 2 || got[0].Fields[1] != "title" {
		t.Fatalf("Recent = %+v", got)
	}
}

func TestSaveLog_ManyFieldsFit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	saves := NewSaveLog(db)
	if err := saves.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	doc := "doc-" + ulid.Make().String()
	defer db.Exec(`DELETE FROM collab_saves WHERE document_id = ?`, doc)

	fields := make([]string, 100)
	for i := range fields {
		fields[i] = fmt.Sprintf("customAttributeNumber%03d", i)
	}
	rec := collab.SaveRecord{
		EventID:    ulid.Make().String(),
		DocumentID: doc,
		UserID:     "alice",
		Fields:     fields,
		SavedAt:    time.Now().Truncate(time.Millisecond),
	}
	if err := saves.RecordSave(ctx, rec); err != nil {
		t.Fatalf("RecordSave with %d fields: %v", len(fields), err)
	}

	got, err := saves.Recent(ctx, doc, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || len(got[0].Fields) != len(fields) || got[0].Fields[99] != fields[99] {
		t.Fatalf("Recent = %+v", got)
	}
}

func TestUserDirectory_Resolve(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	_, err := sqlDB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS users (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(64) NOT NULL UNIQUE,
		password_hash VARBINARY(255) NOT NULL DEFAULT '',
		display_name VARCHAR(128) NULL,
		email VARCHAR(255) NULL
	)`)
	if err != nil {
		t.Skipf("skip: cannot prepare users table: %v", err)
	}

	name := "u" + ulid.Make().String()[:12]
	res, err := sqlDB.ExecContext(ctx,
		`INSERT INTO users (username, display_name, email) VALUES (?, ?, ?)`,
		name, "Erin", "erin@example.com")
	if err != nil {
		t.Skipf("skip: users table has a different shape: %v", err)
	}
	id, _ := res.LastInsertId()
	defer sqlDB.Exec(`DELETE FROM users WHERE id = ?`, id)

	gdb, err := InitMySQL(testDSN())
	if err != nil {
		t.Fatalf("InitMySQL: %v", err)
	}
	dir := NewUserDirectory(gdb)

	p, err := dir.ResolveUser(ctx, name)
	if err != nil || p.DisplayName != "Erin" || p.Email != "erin@example.com" || p.UserID != name {
		t.Fatalf("ResolveUser(username) = %+v, %v", p, err)
	}
	if _, err := dir.ResolveUser(ctx, "nobody-"+ulid.Make().String()); !errors.Is(err, collab.ErrUserNotFound) {
		t.Fatalf("unknown user err = %v", err)
	}
}
