package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/felo/eml-store/internal/message"
	"github.com/felo/eml-store/internal/parser"
)

var ErrMessageNotFound = errors.New("message not found")

// InsertMessage persists the metadata of m and returns the stored record,
// whose content is read from the active content backend.
//
// Content that is not already held by the backend is drained into the backend first,
// outside any transaction. The drained length must match m.Size().
func (db *DB) InsertMessage(ctx context.Context, m *message.Message) (*message.Message, error) {
	ref, stored := m.ContentRef(db.content)
	if !stored {
		var err error
		ref, err = db.storeContent(ctx, m)
		if err != nil {
			return nil, err
		}
	}

	if err := db.insertMetadata(ctx, m, ref); err != nil {
		if !stored {
			return nil, errors.Join(err, db.discardContent(ctx, ref))
		}
		return nil, err
	}

	return message.New(message.Params{
		Mailbox:        m.Mailbox(),
		UID:            m.UID(),
		InternalDate:   m.InternalDate(),
		Size:           m.Size(),
		Flags:          m.Flags(),
		Content:        message.Stored(db.content, ref),
		BodyStartOctet: m.BodyStartOctet(),
		Headers:        m.Headers(),
		Properties:     m.Properties(),
	})
}

func (db *DB) storeContent(ctx context.Context, m *message.Message) (message.ContentRef, error) {
	rc, err := m.FullContent(ctx)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	ref, n, err := db.content.Put(ctx, rc)
	if err != nil {
		return "", fmt.Errorf("failed to store content: %w", err)
	}
	if n != m.Size() {
		err := fmt.Errorf("%w: stored %d bytes, message size is %d", message.ErrContentRead, n, m.Size())
		return "", errors.Join(err, db.discardContent(ctx, ref))
	}
	return ref, nil
}

// discardContent removes content written for a message that was not stored.
// The error names the ref so an orphaned blob can be found.
func (db *DB) discardContent(ctx context.Context, ref message.ContentRef) error {
	if err := db.content.Delete(ctx, ref); err != nil {
		return fmt.Errorf("failed to discard content %s: %w", ref, err)
	}
	return nil
}

func (db *DB) insertMetadata(ctx context.Context, m *message.Message, ref message.ContentRef) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			mailbox_id, uid, internal_date, size, body_start_octet, flags, content_ref
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		int64(m.Mailbox()), int64(m.UID()), newNullTime(m.InternalDate()),
		m.Size(), m.BodyStartOctet(), joinFlags(m.Flags()), string(ref),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	row, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	if len(m.Headers()) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO headers (message_row, line_number, name, value) VALUES (?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, h := range m.Headers() {
			if _, err := stmt.ExecContext(ctx, row, h.LineNumber, h.Name, h.Value); err != nil {
				return fmt.Errorf("failed to insert header %s: %w", h.Name, err)
			}
		}
	}

	if len(m.Properties()) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO properties (message_row, line_number, namespace, local_name, value)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, p := range m.Properties() {
			if _, err := stmt.ExecContext(ctx, row, p.LineNumber, p.Namespace, p.LocalName, p.Value); err != nil {
				return fmt.Errorf("failed to insert property %s: %w", p.LocalName, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ImportMessage parses a raw RFC 5322 message and stores it in mailbox under
// a freshly allocated UID. A zero internalDate falls back to the Date header,
// then to the current time.
func (db *DB) ImportMessage(ctx context.Context, mailboxID message.MailboxID, raw []byte, internalDate time.Time, flags []imap.Flag) (*message.Message, error) {
	parsed, err := parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return db.ImportParsed(ctx, mailboxID, parsed, raw, internalDate, flags)
}

// ImportParsed stores a message that was already parsed from raw
func (db *DB) ImportParsed(ctx context.Context, mailboxID message.MailboxID, parsed *parser.ParsedMessage, raw []byte, internalDate time.Time, flags []imap.Flag) (*message.Message, error) {
	if internalDate.IsZero() {
		internalDate = parsed.Date
	}
	if internalDate.IsZero() {
		internalDate = time.Now()
	}

	uid, err := db.AllocateUID(ctx, mailboxID)
	if err != nil {
		return nil, err
	}

	m, err := message.New(message.Params{
		Mailbox:        mailboxID,
		UID:            uid,
		InternalDate:   internalDate,
		Size:           parsed.Size,
		Flags:          flags,
		Content:        message.Bytes(raw),
		BodyStartOctet: parsed.BodyStartOctet,
		Headers:        parsed.Headers,
		Properties:     parsed.Properties,
	})
	if err != nil {
		return nil, err
	}

	return db.InsertMessage(ctx, m)
}

const messageColumns = `id, mailbox_id, uid, internal_date, size, body_start_octet, flags, content_ref`

type messageRow struct {
	row            int64
	mailbox        message.MailboxID
	uid            imap.UID
	internalDate   NullTime
	size           int64
	bodyStartOctet int64
	flags          string
	ref            string
}

func (r *messageRow) dest() []any {
	return []any{&r.row, &r.mailbox, &r.uid, &r.internalDate, &r.size, &r.bodyStartOctet, &r.flags, &r.ref}
}

func (db *DB) toMessage(r *messageRow, headers []message.Header, props []message.Property) (*message.Message, error) {
	m, err := message.New(message.Params{
		Mailbox:        r.mailbox,
		UID:            r.uid,
		InternalDate:   r.internalDate.Time,
		Size:           r.size,
		Flags:          splitFlags(r.flags),
		Content:        message.Stored(db.content, message.ContentRef(r.ref)),
		BodyStartOctet: r.bodyStartOctet,
		Headers:        headers,
		Properties:     props,
	})
	if err != nil {
		return nil, fmt.Errorf("stored message uid %d: %w", r.uid, err)
	}
	return m, nil
}

// GetMessage retrieves a message with its headers and properties.
// Returns nil if it does not exist.
func (db *DB) GetMessage(ctx context.Context, mailboxID message.MailboxID, uid imap.UID) (*message.Message, error) {
	var r messageRow
	err := db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE mailbox_id = ? AND uid = ?",
		int64(mailboxID), int64(uid),
	).Scan(r.dest()...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	headers, err := db.getHeaders(ctx, r.row)
	if err != nil {
		return nil, err
	}
	props, err := db.getProperties(ctx, r.row)
	if err != nil {
		return nil, err
	}

	return db.toMessage(&r, headers, props)
}

func (db *DB) getHeaders(ctx context.Context, row int64) ([]message.Header, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT line_number, name, value FROM headers WHERE message_row = ? ORDER BY line_number", row)
	if err != nil {
		return nil, fmt.Errorf("failed to get headers: %w", err)
	}
	defer rows.Close()

	var headers []message.Header
	for rows.Next() {
		var h message.Header
		if err := rows.Scan(&h.LineNumber, &h.Name, &h.Value); err != nil {
			return nil, fmt.Errorf("failed to scan header: %w", err)
		}
		headers = append(headers, h)
	}
	return headers, rows.Err()
}

func (db *DB) getProperties(ctx context.Context, row int64) ([]message.Property, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT line_number, namespace, local_name, value
		FROM properties WHERE message_row = ? ORDER BY line_number
	`, row)
	if err != nil {
		return nil, fmt.Errorf("failed to get properties: %w", err)
	}
	defer rows.Close()

	var props []message.Property
	for rows.Next() {
		var p message.Property
		if err := rows.Scan(&p.LineNumber, &p.Namespace, &p.LocalName, &p.Value); err != nil {
			return nil, fmt.Errorf("failed to scan property: %w", err)
		}
		props = append(props, p)
	}
	return props, rows.Err()
}

// ListMessages retrieves messages of a mailbox in UID order (metadata only,
// headers and properties are not loaded)
func (db *DB) ListMessages(ctx context.Context, mailboxID message.MailboxID, limit, offset int) ([]*message.Message, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE mailbox_id = ? ORDER BY uid LIMIT ? OFFSET ?",
		int64(mailboxID), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var list []*message.Message
	for rows.Next() {
		var r messageRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m, err := db.toMessage(&r, nil, nil)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return list, nil
}

// CountMessages returns the number of messages in a mailbox
func (db *DB) CountMessages(ctx context.Context, mailboxID message.MailboxID) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE mailbox_id = ?", int64(mailboxID)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// CopyMessage duplicates a message into dst under a new UID. The copy gets
// its own content, independent of the source.
func (db *DB) CopyMessage(ctx context.Context, src message.MailboxID, uid imap.UID, dst message.MailboxID) (*message.Message, error) {
	orig, err := db.GetMessage(ctx, src, uid)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, fmt.Errorf("%w: mailbox %d uid %d", ErrMessageNotFound, src, uid)
	}

	newUID, err := db.AllocateUID(ctx, dst)
	if err != nil {
		return nil, err
	}

	dup, err := message.Copy(ctx, dst, newUID, orig)
	if err != nil {
		return nil, err
	}

	return db.InsertMessage(ctx, dup)
}

// SetFlags replaces the flags of a message
func (db *DB) SetFlags(ctx context.Context, mailboxID message.MailboxID, uid imap.UID, flags []imap.Flag) error {
	result, err := db.ExecContext(ctx,
		"UPDATE messages SET flags = ? WHERE mailbox_id = ? AND uid = ?",
		joinFlags(flags), int64(mailboxID), int64(uid),
	)
	if err != nil {
		return fmt.Errorf("failed to update flags: %w", err)
	}
	return expectOneRow(result, mailboxID, uid)
}

// DeleteMessage deletes a message and, once nothing else references it,
// its content
func (db *DB) DeleteMessage(ctx context.Context, mailboxID message.MailboxID, uid imap.UID) error {
	var ref string
	err := db.QueryRowContext(ctx,
		"SELECT content_ref FROM messages WHERE mailbox_id = ? AND uid = ?",
		int64(mailboxID), int64(uid),
	).Scan(&ref)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: mailbox %d uid %d", ErrMessageNotFound, mailboxID, uid)
	}
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}

	result, err := db.ExecContext(ctx, "DELETE FROM messages WHERE mailbox_id = ? AND uid = ?", int64(mailboxID), int64(uid))
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if err := expectOneRow(result, mailboxID, uid); err != nil {
		return err
	}

	var refs int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE content_ref = ?", ref).Scan(&refs); err != nil {
		return fmt.Errorf("failed to count content references: %w", err)
	}
	if refs == 0 {
		if err := db.content.Delete(ctx, message.ContentRef(ref)); err != nil {
			return fmt.Errorf("failed to delete content: %w", err)
		}
	}
	return nil
}

func expectOneRow(result sql.Result, mailboxID message.MailboxID, uid imap.UID) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: mailbox %d uid %d", ErrMessageNotFound, mailboxID, uid)
	}
	return nil
}

func joinFlags(flags []imap.Flag) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, " ")
}

func splitFlags(s string) []imap.Flag {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	flags := make([]imap.Flag, len(fields))
	for i, f := range fields {
		flags[i] = imap.Flag(f)
	}
	return flags
}
