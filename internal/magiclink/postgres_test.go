package magiclink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"sitespectral.org/internal/auth"
)

func TestPGStoreConsumeUse(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec("update magic_links").
		WithArgs("link-1", now, "203.0.113.7", "curl/8", true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := NewPGStore(db).ConsumeUse(context.Background(), "link-1", "203.0.113.7", "curl/8", true, now)
	if err != nil {
		t.Fatalf("ConsumeUse: %v", err)
	}
	if !ok {
		t.Fatal("eligible token must consume")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreConsumeUseLostRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec("update magic_links").
		WithArgs("link-1", now, "ip", "ua", true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := NewPGStore(db).ConsumeUse(context.Background(), "link-1", "ip", "ua", true, now)
	if err != nil {
		t.Fatalf("ConsumeUse: %v", err)
	}
	if ok {
		t.Fatal("zero rows must report a lost race")
	}
}

func TestPGStoreRevokeMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	at := time.Now().UTC()
	mock.ExpectExec("update magic_links").
		WithArgs("missing", at, "root", "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPGStore(db).Revoke(context.Background(), "missing", "root", "", at)
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
