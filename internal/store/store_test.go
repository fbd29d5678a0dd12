package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return AttachDB(db), mock
}

func TestRecordRefreshSuccess(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE _dash_refresh_total").WithArgs(0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO _dash_refresh_daily").WithArgs(0, 3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.RecordRefresh(context.Background(), true, 3); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordRefreshRollsBack(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE _dash_refresh_total").WithArgs(1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO _dash_refresh_daily").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := s.RecordRefresh(context.Background(), false, 0); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetTotals(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT refreshes, failures FROM _dash_refresh_total").
		WillReturnRows(sqlmock.NewRows([]string{"refreshes", "failures"}).AddRow(40, 2))
	mock.ExpectQuery("SELECT refreshes, failures, dropped FROM _dash_refresh_daily").
		WillReturnRows(sqlmock.NewRows([]string{"refreshes", "failures", "dropped"}).AddRow(5, 1, 12))

	got, err := s.GetTotals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := Totals{Refreshes: 40, Failures: 2, TodayRefreshes: 5, TodayFailures: 1, TodayDropped: 12}
	if *got != want {
		t.Fatalf("totals = %+v, want %+v", *got, want)
	}
}

func TestGetTotalsNoRowsToday(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT refreshes, failures FROM _dash_refresh_total").
		WillReturnRows(sqlmock.NewRows([]string{"refreshes", "failures"}).AddRow(1, 0))
	mock.ExpectQuery("SELECT refreshes, failures, dropped FROM _dash_refresh_daily").
		WillReturnRows(sqlmock.NewRows([]string{"refreshes", "failures", "dropped"}))

	got, err := s.GetTotals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.Refreshes != 1 || got.TodayRefreshes != 0 {
		t.Fatalf("totals = %+v", *got)
	}
}
