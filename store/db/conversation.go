package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/hrygo/repliesengine/store"
)

// Resolve looks a conversation up by the inbound addressing triple. This is
// the ingest-path lookup backed by the unique resolver index.
func (d *DB) Resolve(ctx context.Context, channel, companyChannel, primaryChannel string) (*store.ResolvedConversation, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT conversation_id, primary_channel, channel_credential_ref, hand_off_to_human, auto_handoff
		FROM conversation
		WHERE channel = $1 AND company_channel = $2 AND primary_channel = $3`,
		channel, companyChannel, primaryChannel)

	var rc store.ResolvedConversation
	err := row.Scan(&rc.ConversationID, &rc.PrimaryChannel, &rc.ChannelCredentialRef, &rc.HandOffToHuman, &rc.AutoHandoff)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to resolve conversation")
	}
	return &rc, nil
}

// Get hydrates the full conversation record.
func (d *DB) Get(ctx context.Context, primaryChannel, conversationID string) (*store.ConversationRecord, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT primary_channel, conversation_id, channel, company_id, company_channel,
		       conversation_status, channel_credential_ref, ai_credential_ref,
		       assistant_id, thread_id, hand_off_to_human, auto_handoff, messages,
		       prompt_tokens, completion_tokens, total_tokens, created_at, updated_at
		FROM conversation
		WHERE primary_channel = $1 AND conversation_id = $2`,
		primaryChannel, conversationID)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*store.ConversationRecord, error) {
	var rec store.ConversationRecord
	var messagesJSON, createdAt, updatedAt string
	err := row.Scan(
		&rec.PrimaryChannel, &rec.ConversationID, &rec.Channel, &rec.CompanyID,
		&rec.CompanyChannel, &rec.Status, &rec.ChannelCredentialRef,
		&rec.AICredentialRef, &rec.AssistantID, &rec.ThreadID,
		&rec.HandOffToHuman, &rec.AutoHandoff, &messagesJSON,
		&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to scan conversation")
	}
	if err := json.Unmarshal([]byte(messagesJSON), &rec.Messages); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode messages")
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// Create inserts a new conversation row. The outbound engine normally seeds
// rows with template_sent; this is also the test fixture path.
func (d *DB) Create(ctx context.Context, rec *store.ConversationRecord) error {
	messagesJSON, err := json.Marshal(rec.Messages)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode messages")
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO conversation (
			primary_channel, conversation_id, channel, company_id, company_channel,
			conversation_status, channel_credential_ref, ai_credential_ref,
			assistant_id, thread_id, hand_off_to_human, auto_handoff, messages,
			prompt_tokens, completion_tokens, total_tokens, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		rec.PrimaryChannel, rec.ConversationID, rec.Channel, rec.CompanyID,
		rec.CompanyChannel, rec.Status, rec.ChannelCredentialRef,
		rec.AICredentialRef, rec.AssistantID, rec.ThreadID,
		rec.HandOffToHuman, rec.AutoHandoff, string(messagesJSON),
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt))
	if err != nil {
		return pkgerrors.Wrap(err, "failed to insert conversation")
	}
	return nil
}

// AcquireLease takes the processing lease for a conversation by flipping its
// status to processing_reply, and returns the status the row held before. The
// update succeeds when the row is not currently leased, or when the holder
// looks dead: updated_at older than the steal threshold. Returns ErrLeaseHeld
// when a live holder owns the row.
func (d *DB) AcquireLease(ctx context.Context, primaryChannel, conversationID string, stealThreshold time.Duration) (string, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", pkgerrors.Wrap(err, "failed to begin lease acquire")
	}
	defer tx.Rollback()

	var prior string
	err = tx.QueryRowContext(ctx, `
		SELECT conversation_status FROM conversation
		WHERE primary_channel = $1 AND conversation_id = $2`,
		primaryChannel, conversationID).Scan(&prior)
	if err == sql.ErrNoRows {
		return "", ErrConversationNotFound
	}
	if err != nil {
		return "", pkgerrors.Wrap(err, "failed to read lease status")
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE conversation
		SET conversation_status = $1, updated_at = $2
		WHERE primary_channel = $3 AND conversation_id = $4
		  AND (conversation_status <> $1 OR updated_at < $5)`,
		store.StatusProcessingReply, fmtTime(now),
		primaryChannel, conversationID, fmtTime(now.Add(-stealThreshold)))
	if err != nil {
		return "", pkgerrors.Wrap(err, "failed to acquire lease")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", pkgerrors.Wrap(err, "failed to read lease result")
	}
	if n == 0 {
		return "", ErrLeaseHeld
	}
	if err := tx.Commit(); err != nil {
		return "", pkgerrors.Wrap(err, "failed to commit lease acquire")
	}
	return prior, nil
}

// ReleaseLease resets the status of a leased conversation, conditional on the
// lease still being held. Used on failure paths with StatusRetry.
func (d *DB) ReleaseLease(ctx context.Context, primaryChannel, conversationID, status string) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE conversation
		SET conversation_status = $1, updated_at = $2
		WHERE primary_channel = $3 AND conversation_id = $4 AND conversation_status = $5`,
		status, fmtTime(time.Now()), primaryChannel, conversationID, store.StatusProcessingReply)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to release lease")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// TurnResult is everything a completed turn writes back to the row.
type TurnResult struct {
	UserTurn         store.Message
	AssistantTurn    store.Message
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CommitTurn appends the merged user turn and the assistant reply in one
// transaction, adds the token usage, and settles the status to reply_sent.
// The commit is conditional on the lease still being held; a lost lease
// returns ErrLeaseLost and writes nothing.
func (d *DB) CommitTurn(ctx context.Context, primaryChannel, conversationID string, turn *TurnResult) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to begin commit")
	}
	defer tx.Rollback()

	var messagesJSON string
	err = tx.QueryRowContext(ctx, `
		SELECT messages FROM conversation
		WHERE primary_channel = $1 AND conversation_id = $2 AND conversation_status = $3`,
		primaryChannel, conversationID, store.StatusProcessingReply).Scan(&messagesJSON)
	if err == sql.ErrNoRows {
		return ErrLeaseLost
	}
	if err != nil {
		return pkgerrors.Wrap(err, "failed to read conversation for commit")
	}

	var messages []store.Message
	if err := json.Unmarshal([]byte(messagesJSON), &messages); err != nil {
		return pkgerrors.Wrap(err, "failed to decode messages")
	}
	messages = append(messages, turn.UserTurn, turn.AssistantTurn)
	updated, err := json.Marshal(messages)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode messages")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversation
		SET messages = $1,
		    prompt_tokens = prompt_tokens + $2,
		    completion_tokens = completion_tokens + $3,
		    total_tokens = total_tokens + $4,
		    conversation_status = $5,
		    updated_at = $6
		WHERE primary_channel = $7 AND conversation_id = $8 AND conversation_status = $9`,
		string(updated), turn.PromptTokens, turn.CompletionTokens, turn.TotalTokens,
		store.StatusReplySent, fmtTime(time.Now()),
		primaryChannel, conversationID, store.StatusProcessingReply)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to commit turn")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}

	return pkgerrors.Wrap(tx.Commit(), "failed to commit transaction")
}
