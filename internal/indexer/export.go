package indexer

import (
	"context"
	"fmt"
	"io"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"

	"github.com/felo/eml-store/internal/db"
	"github.com/felo/eml-store/internal/message"
)

const exportPageSize = 100

// ExportMbox writes every message of mailbox to w as an mbox archive and
// returns how many were written
func ExportMbox(ctx context.Context, database *db.DB, mailbox message.MailboxID, w io.Writer) (int, error) {
	mw := mboxlib.NewWriter(w)
	written := 0

	for offset := 0; ; offset += exportPageSize {
		page, err := database.ListMessages(ctx, mailbox, exportPageSize, offset)
		if err != nil {
			return written, err
		}

		for _, listed := range page {
			// the listing carries no headers; the envelope sender comes from From
			m, err := database.GetMessage(ctx, mailbox, listed.UID())
			if err != nil {
				return written, err
			}
			if m == nil {
				continue
			}
			if err := writeMessage(ctx, mw, m); err != nil {
				return written, err
			}
			written++
		}

		if len(page) < exportPageSize {
			break
		}
	}

	if err := mw.Close(); err != nil {
		return written, fmt.Errorf("close mbox: %w", err)
	}
	return written, nil
}

func writeMessage(ctx context.Context, mw *mboxlib.Writer, m *message.Message) error {
	rc, err := m.FullContent(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := mw.CreateMessage(envelopeSender(m.Headers()), m.InternalDate())
	if err != nil {
		return fmt.Errorf("create mbox message uid %d: %w", m.UID(), err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("write mbox message uid %d: %w", m.UID(), err)
	}
	return nil
}

func envelopeSender(headers []message.Header) string {
	for _, h := range headers {
		if !strings.EqualFold(h.Name, "From") {
			continue
		}
		if addr, err := mail.ParseAddress(h.Value); err == nil && addr.Address != "" {
			return addr.Address
		}
	}
	return "MAILER-DAEMON"
}
