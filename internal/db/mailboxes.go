package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/felo/eml-store/internal/message"
)

var ErrMailboxNotFound = errors.New("mailbox not found")

// Mailbox owns a set of messages and hands out their UIDs
type Mailbox struct {
	ID          message.MailboxID
	Name        string
	Owner       string
	UIDValidity uint32
	NextUID     imap.UID
	CreatedAt   NullTime
}

// CreateMailbox inserts a new mailbox
func (db *DB) CreateMailbox(ctx context.Context, name, owner string) (*Mailbox, error) {
	if name == "" {
		return nil, fmt.Errorf("mailbox name is empty")
	}

	validity := uint32(time.Now().Unix())
	result, err := db.ExecContext(ctx,
		"INSERT INTO mailboxes (name, owner, uid_validity) VALUES (?, ?, ?)",
		name, owner, validity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert mailbox: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return db.getMailbox(ctx, "id = ?", id)
}

// EnsureMailbox returns the named mailbox, creating it if needed
func (db *DB) EnsureMailbox(ctx context.Context, name, owner string) (*Mailbox, error) {
	mb, err := db.GetMailbox(ctx, name)
	if err != nil {
		return nil, err
	}
	if mb != nil {
		return mb, nil
	}
	return db.CreateMailbox(ctx, name, owner)
}

// GetMailbox retrieves a mailbox by name. Returns nil if it does not exist.
func (db *DB) GetMailbox(ctx context.Context, name string) (*Mailbox, error) {
	return db.getMailbox(ctx, "name = ?", name)
}

// GetMailboxByID retrieves a mailbox by ID. Returns nil if it does not exist.
func (db *DB) GetMailboxByID(ctx context.Context, id message.MailboxID) (*Mailbox, error) {
	return db.getMailbox(ctx, "id = ?", int64(id))
}

func (db *DB) getMailbox(ctx context.Context, where string, arg any) (*Mailbox, error) {
	mb := &Mailbox{}
	err := db.QueryRowContext(ctx, `
		SELECT id, name, owner, uid_validity, next_uid, created_at
		FROM mailboxes WHERE `+where, arg,
	).Scan(&mb.ID, &mb.Name, &mb.Owner, &mb.UIDValidity, &mb.NextUID, &mb.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox: %w", err)
	}
	return mb, nil
}

// ListMailboxes returns all mailboxes ordered by name
func (db *DB) ListMailboxes(ctx context.Context) ([]*Mailbox, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, owner, uid_validity, next_uid, created_at
		FROM mailboxes ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	defer rows.Close()

	var mailboxes []*Mailbox
	for rows.Next() {
		mb := &Mailbox{}
		if err := rows.Scan(&mb.ID, &mb.Name, &mb.Owner, &mb.UIDValidity, &mb.NextUID, &mb.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		mailboxes = append(mailboxes, mb)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mailboxes: %w", err)
	}

	return mailboxes, nil
}

// AllocateUID reserves the next UID of a mailbox. UIDs are never reused,
// even when the message they were reserved for is not stored.
func (db *DB) AllocateUID(ctx context.Context, mailboxID message.MailboxID) (imap.UID, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var uid imap.UID
	err = tx.QueryRowContext(ctx, "SELECT next_uid FROM mailboxes WHERE id = ?", int64(mailboxID)).Scan(&uid)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: id %d", ErrMailboxNotFound, mailboxID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read next uid: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE mailboxes SET next_uid = ? WHERE id = ?", uid+1, int64(mailboxID)); err != nil {
		return 0, fmt.Errorf("failed to advance next uid: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return uid, nil
}
