package postgres

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/fcm-listener/internal/errs"
	"github.com/and161185/fcm-listener/internal/model"
	"github.com/and161185/fcm-listener/internal/repository"
)

// Sealer encrypts secrets at rest. It is implemented by *crypto.Sealer.
type Sealer interface {
	Seal(aad, plaintext []byte) ([]byte, error)
	Open(aad, blob []byte) ([]byte, error)
}

// Layout of the sealed secrets column: private key, public key, auth secret, security token.
const (
	privateKeyLen = 32
	publicKeyLen  = 65
	authSecretLen = 16
	tokenLen      = 8
	secretsLen    = privateKeyLen + publicKeyLen + authSecretLen + tokenLen
)

// RegistrationRepo implements RegistrationRepository using PostgreSQL.
// Key material and the security token are stored sealed with the registration id as AAD.
type RegistrationRepo struct {
	db     *DB
	sealer Sealer
}

var _ repository.RegistrationRepository = (*RegistrationRepo)(nil)

// NewRegistrationRepo constructs a registration repository.
func NewRegistrationRepo(db *DB, sealer Sealer) *RegistrationRepo {
	return &RegistrationRepo{db: db, sealer: sealer}
}

const registrationCols = `id, fcm_token, gcm_token, installation_id, device_id, secrets, created_at`

// Create inserts a new registration row.
func (r *RegistrationRepo) Create(ctx context.Context, reg *model.Registration) error {
	secrets, err := r.seal(reg.ID, reg.Keys, reg.Identity.SecurityToken)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO registrations (id, fcm_token, gcm_token, installation_id, device_id, secrets, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = r.db.Pool.Exec(ctx, q,
		reg.ID, reg.FCMToken, reg.GCMToken, reg.InstallationID, reg.Identity.DeviceID, secrets, reg.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("registration %s: %w", reg.ID, errs.ErrExists)
	}
	return err
}

// Get selects a registration by ID.
func (r *RegistrationRepo) Get(ctx context.Context, id uuid.UUID) (*model.Registration, error) {
	const q = `SELECT ` + registrationCols + ` FROM registrations WHERE id=$1`
	return r.scan(r.db.Pool.QueryRow(ctx, q, id))
}

// List returns all registrations ordered by creation time.
func (r *RegistrationRepo) List(ctx context.Context) ([]model.Registration, error) {
	const q = `SELECT ` + registrationCols + ` FROM registrations ORDER BY created_at, id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Registration
	for rows.Next() {
		reg, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *reg)
	}
	return out, rows.Err()
}

// UpdateIdentity re-seals the secrets with the new security token and stores the new device id.
func (r *RegistrationRepo) UpdateIdentity(ctx context.Context, id uuid.UUID, identity model.DeviceIdentity) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	var blob []byte
	if err = tx.QueryRow(ctx, `SELECT secrets FROM registrations WHERE id=$1 FOR UPDATE`, id).Scan(&blob); err != nil {
		return scanErr(err)
	}
	keys, _, err := r.open(id, blob)
	if err != nil {
		return err
	}
	secrets, err := r.seal(id, keys, identity.SecurityToken)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `UPDATE registrations SET device_id=$2, secrets=$3 WHERE id=$1`, id, identity.DeviceID, secrets)
	return err
}

// Delete removes a registration; delivered ids go with it via ON DELETE CASCADE.
func (r *RegistrationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM registrations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *RegistrationRepo) scan(row pgx.Row) (*model.Registration, error) {
	var (
		reg     model.Registration
		secrets []byte
		created time.Time
	)
	if err := row.Scan(&reg.ID, &reg.FCMToken, &reg.GCMToken, &reg.InstallationID,
		&reg.Identity.DeviceID, &secrets, &created); err != nil {
		return nil, scanErr(err)
	}
	keys, token, err := r.open(reg.ID, secrets)
	if err != nil {
		return nil, err
	}
	reg.Keys = keys
	reg.Identity.SecurityToken = token
	reg.CreatedAt = created
	return &reg, nil
}

func (r *RegistrationRepo) seal(id uuid.UUID, keys model.WebPushKeys, token uint64) ([]byte, error) {
	if len(keys.PrivateKey) != privateKeyLen || len(keys.PublicKey) != publicKeyLen || len(keys.AuthSecret) != authSecretLen {
		return nil, fmt.Errorf("registration %s: malformed key material: %w", id, errs.ErrCrypto)
	}
	buf := make([]byte, 0, secretsLen)
	buf = append(buf, keys.PrivateKey...)
	buf = append(buf, keys.PublicKey...)
	buf = append(buf, keys.AuthSecret...)
	buf = binary.BigEndian.AppendUint64(buf, token)
	return r.sealer.Seal(id.Bytes(), buf)
}

func (r *RegistrationRepo) open(id uuid.UUID, blob []byte) (model.WebPushKeys, uint64, error) {
	buf, err := r.sealer.Open(id.Bytes(), blob)
	if err != nil {
		return model.WebPushKeys{}, 0, fmt.Errorf("registration %s: %w", id, err)
	}
	if len(buf) != secretsLen {
		return model.WebPushKeys{}, 0, fmt.Errorf("registration %s: sealed secrets length %d: %w", id, len(buf), errs.ErrCrypto)
	}
	keys := model.WebPushKeys{
		PrivateKey: append([]byte(nil), buf[:privateKeyLen]...),
		PublicKey:  append([]byte(nil), buf[privateKeyLen:privateKeyLen+publicKeyLen]...),
		AuthSecret: append([]byte(nil), buf[privateKeyLen+publicKeyLen:secretsLen-tokenLen]...),
	}
	return keys, binary.BigEndian.Uint64(buf[secretsLen-tokenLen:]), nil
}
