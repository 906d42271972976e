package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hitoshi/larkbilling/internal/model"
)

func TestPostgresSessionRepo_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)
	now := time.Now()
	session := &model.Session{ID: "s1", UserID: "u1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}

	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs("s1", "u1", []byte("{}"), session.ExpiresAt, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Create(context.Background(), session); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertExpectations(t, mock)
}

func TestPostgresSessionRepo_FindByID_ExcludesExpired(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	mock.ExpectQuery(`WHERE id = \$1 AND expires_at > now\(\)`).
		WithArgs("expired").
		WillReturnError(sql.ErrNoRows)

	session, err := repo.FindByID(context.Background(), "expired")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session != nil {
		t.Errorf("session = %+v, want nil", session)
	}
	assertExpectations(t, mock)
}

func TestPostgresSessionRepo_FindByID_Found(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)
	now := time.Now()

	mock.ExpectQuery(`FROM sessions`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "expires_at", "created_at"}).
			AddRow("s1", "u1", now.Add(time.Hour), now))

	session, err := repo.FindByID(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session == nil || session.UserID != "u1" {
		t.Errorf("session = %+v", session)
	}
	assertExpectations(t, mock)
}

func TestPostgresSessionRepo_DeleteByUserID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	mock.ExpectExec(`DELETE FROM sessions WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := repo.DeleteByUserID(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertExpectations(t, mock)
}

func TestPostgresSessionRepo_DeleteByID_Error(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	mock.ExpectExec(`DELETE FROM sessions WHERE id = \$1`).
		WithArgs("s1").
		WillReturnError(errors.New("connection reset"))

	if err := repo.DeleteByID(context.Background(), "s1"); err == nil {
		t.Fatal("expected error")
	}
	assertExpectations(t, mock)
}

func TestPostgresSessionRepo_FindByID_QueryErrorIsWrapped(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)
	dbErr := errors.New("connection refused")

	mock.ExpectQuery(`FROM sessions`).WithArgs("s1").WillReturnError(dbErr)

	session, err := repo.FindByID(context.Background(), "s1")
	if !errors.Is(err, dbErr) {
		t.Fatalf("err = %v, want wrapped %v", err, dbErr)
	}
	if session != nil {
		t.Errorf("session = %+v, want nil", session)
	}
	assertExpectations(t, mock)
}
