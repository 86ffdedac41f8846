package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
)

func TestWithTx_Errors(t *testing.T) {
	fnErr := errs.NotFound("test", "tenant %q not found", "ghost")

	tests := []struct {
		name   string
		expect func(sqlmock.Sqlmock)
		fnErr  error
		kind   errs.Kind
	}{
		{
			name:   "begin fails",
			expect: func(m sqlmock.Sqlmock) { m.ExpectBegin().WillReturnError(errors.New("conn reset")) },
			kind:   errs.KindInternal,
		},
		{
			name: "commit fails",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectCommit().WillReturnError(errors.New("serialization failure"))
			},
			kind: errs.KindInternal,
		},
		{
			name: "fn error rolls back unchanged",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectRollback()
			},
			fnErr: fnErr,
			kind:  errs.KindNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			tt.expect(mock)

			err = withTx(context.Background(), db, func(*sql.Tx) error { return tt.fnErr })
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, tt.kind), "got %v", err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
