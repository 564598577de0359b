package postgres

import (
	"bytes"
	"context"
	"encoding/binary"
	"regexp"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

// prefixSealer binds the plaintext to the aad without encrypting it.
type prefixSealer struct{}

func (prefixSealer) Seal(aad, plaintext []byte) ([]byte, error) {
	return append(append([]byte(nil), aad...), plaintext...), nil
}

func (prefixSealer) Open(aad, blob []byte) ([]byte, error) {
	if !bytes.HasPrefix(blob, aad) {
		return nil, errs.ErrCrypto
	}
	return blob[len(aad):], nil
}

func testRegistration() *model.Registration {
	return &model.Registration{
		ID:             uuid.Must(uuid.NewV4()),
		FCMToken:       "fcm-token",
		GCMToken:       "gcm-token",
		InstallationID: "fid",
		Identity:       model.DeviceIdentity{DeviceID: 123, SecurityToken: 456},
		Keys: model.WebPushKeys{
			PrivateKey: bytes.Repeat([]byte{1}, privateKeyLen),
			PublicKey:  append([]byte{4}, bytes.Repeat([]byte{2}, publicKeyLen-1)...),
			AuthSecret: bytes.Repeat([]byte{3}, authSecretLen),
		},
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func sealedSecrets(reg *model.Registration, token uint64) []byte {
	b := append([]byte(nil), reg.ID.Bytes()...)
	b = append(b, reg.Keys.PrivateKey...)
	b = append(b, reg.Keys.PublicKey...)
	b = append(b, reg.Keys.AuthSecret...)
	return binary.BigEndian.AppendUint64(b, token)
}

var registrationColumns = []string{"id", "fcm_token", "gcm_token", "installation_id", "device_id", "secrets", "created_at"}

func registrationRow(reg *model.Registration) *pgxmock.Rows {
	return pgxmock.NewRows(registrationColumns).AddRow(
		reg.ID, reg.FCMToken, reg.GCMToken, reg.InstallationID, reg.Identity.DeviceID,
		sealedSecrets(reg, reg.Identity.SecurityToken), reg.CreatedAt)
}

func TestRegistrationRepo_Create_OK_and_UniqueViolation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRegistrationRepo(db, prefixSealer{})
	ctx := context.Background()
	reg := testRegistration()

	const insert = `INSERT INTO registrations \(id, fcm_token, gcm_token, installation_id, device_id, secrets, created_at\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7\)`
	mock.ExpectExec(insert).
		WithArgs(reg.ID, reg.FCMToken, reg.GCMToken, reg.InstallationID, reg.Identity.DeviceID, sealedSecrets(reg, 456), reg.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(ctx, reg))

	mock.ExpectExec(insert).
		WithArgs(reg.ID, reg.FCMToken, reg.GCMToken, reg.InstallationID, reg.Identity.DeviceID, pgxmock.AnyArg(), reg.CreatedAt).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Create(ctx, reg), errs.ErrExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepo_Create_MalformedKeys(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRegistrationRepo(db, prefixSealer{})
	reg := testRegistration()
	reg.Keys.AuthSecret = reg.Keys.AuthSecret[:4]

	require.ErrorIs(t, r.Create(context.Background(), reg), errs.ErrCrypto)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRegistrationRepo(db, prefixSealer{})
	ctx := context.Background()
	want := testRegistration()

	const sel = `SELECT id, fcm_token, gcm_token, installation_id, device_id, secrets, created_at FROM registrations WHERE id=\$1`
	mock.ExpectQuery(sel).WithArgs(want.ID).WillReturnRows(registrationRow(want))
	got, err := r.Get(ctx, want.ID)
	require.NoError(t, err)
	require.Equal(t, want, got)

	mock.ExpectQuery(sel).WithArgs(want.ID).WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, want.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRegistrationRepo_Get_SecretsBoundToID(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRegistrationRepo(db, prefixSealer{})
	reg := testRegistration()
	other := testRegistration()

	// secrets sealed for a different registration must not open under this id
	mock.ExpectQuery(`FROM registrations WHERE id=\$1`).WithArgs(reg.ID).
		WillReturnRows(pgxmock.NewRows(registrationColumns).AddRow(
			reg.ID, reg.FCMToken, reg.GCMToken, reg.InstallationID, reg.Identity.DeviceID,
			sealedSecrets(other, 1), reg.CreatedAt))
	_, err := r.Get(context.Background(), reg.ID)
	require.ErrorIs(t, err, errs.ErrCrypto)
}

func TestRegistrationRepo_List(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRegistrationRepo(db, prefixSealer{})
	a, b := testRegistration(), testRegistration()

	rows := registrationRow(a).AddRow(
		b.ID, b.FCMToken, b.GCMToken, b.InstallationID, b.Identity.DeviceID,
		sealedSecrets(b, b.Identity.SecurityToken), b.CreatedAt)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM registrations ORDER BY created_at, id`)).WillReturnRows(rows)

	got, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, a.ID, got[0].ID)
	require.Equal(t, b.Keys, got[1].Keys)
}

func TestRegistrationRepo_UpdateIdentity(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRegistrationRepo(db, prefixSealer{})
	reg := testRegistration()
	next := model.DeviceIdentity{DeviceID: 777, SecurityToken: 888}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT secrets FROM registrations WHERE id=\$1 FOR UPDATE`).WithArgs(reg.ID).
		WillReturnRows(pgxmock.NewRows([]string{"secrets"}).AddRow(sealedSecrets(reg, 456)))
	mock.ExpectExec(`UPDATE registrations SET device_id=\$2, secrets=\$3 WHERE id=\$1`).
		WithArgs(reg.ID, int64(777), sealedSecrets(reg, 888)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, r.UpdateIdentity(context.Background(), reg.ID, next))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepo_UpdateIdentity_NotFoundRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRegistrationRepo(db, prefixSealer{})
	id := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT secrets FROM registrations`).WithArgs(id).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := r.UpdateIdentity(context.Background(), id, model.DeviceIdentity{DeviceID: 1, SecurityToken: 2})
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepo_Delete(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRegistrationRepo(db, prefixSealer{})
	id := uuid.Must(uuid.NewV4())

	mock.ExpectExec(`DELETE FROM registrations WHERE id=\$1`).WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, r.Delete(context.Background(), id))

	mock.ExpectExec(`DELETE FROM registrations WHERE id=\$1`).WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, r.Delete(context.Background(), id), errs.ErrNotFound)
}
