package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/hrygo/repliesengine/store"
)

// PutChannelCredential stores a provider credential encrypted at rest.
func (d *DB) PutChannelCredential(ctx context.Context, ref string, cred *store.ChannelCredential) error {
	return d.putSecret(ctx, ref, cred)
}

// PutAICredential stores an AI provider credential encrypted at rest.
func (d *DB) PutAICredential(ctx context.Context, ref string, cred *store.AICredential) error {
	return d.putSecret(ctx, ref, cred)
}

func (d *DB) putSecret(ctx context.Context, ref string, v any) error {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode credential")
	}
	secret, err := store.EncryptSecret(string(plaintext), d.secretKey)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encrypt credential")
	}

	now := fmtTime(time.Now())
	res, err := d.db.ExecContext(ctx,
		`UPDATE credential SET secret = $1, updated_at = $2 WHERE ref = $3`,
		secret, now, ref)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to update credential")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO credential (ref, secret, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		ref, secret, now, now)
	return pkgerrors.Wrap(err, "failed to insert credential")
}

// GetChannelCredential fetches and decrypts a provider credential.
func (d *DB) GetChannelCredential(ctx context.Context, ref string) (*store.ChannelCredential, error) {
	var cred store.ChannelCredential
	if err := d.getSecret(ctx, ref, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// GetAICredential fetches and decrypts an AI provider credential.
func (d *DB) GetAICredential(ctx context.Context, ref string) (*store.AICredential, error) {
	var cred store.AICredential
	if err := d.getSecret(ctx, ref, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

func (d *DB) getSecret(ctx context.Context, ref string, v any) error {
	var secret string
	err := d.db.QueryRowContext(ctx, `SELECT secret FROM credential WHERE ref = $1`, ref).Scan(&secret)
	if err == sql.ErrNoRows {
		return ErrCredentialNotFound
	}
	if err != nil {
		return pkgerrors.Wrap(err, "failed to read credential")
	}
	plaintext, err := store.DecryptSecret(secret, d.secretKey)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to decrypt credential")
	}
	return pkgerrors.Wrap(json.Unmarshal([]byte(plaintext), v), "failed to decode credential")
}
