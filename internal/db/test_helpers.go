package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
)

// SetupTestDB creates an in-memory SQLite database for testing
func SetupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	return db
}

// CleanupTestDB closes the test database
func CleanupTestDB(t *testing.T, db *DB) {
	t.Helper()

	if err := db.Close(); err != nil {
		t.Errorf("Failed to close test database: %v", err)
	}
}

// CreateTestRaw builds a raw RFC 5322 message with the given subject and body
func CreateTestRaw(subject, sender, body string) []byte {
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: recipient@test.com\r\nSubject: %s\r\nMessage-ID: <%s@test.com>\r\n"+
			"Date: Mon, 1 Jan 2024 10:00:00 +0000\r\n\r\n%s",
		sender, subject, subject, body,
	))
}

// CreateTestMailbox creates a mailbox or fails the test
func CreateTestMailbox(t *testing.T, db *DB, name string) *Mailbox {
	t.Helper()

	mb, err := db.CreateMailbox(context.Background(), name, "tester")
	if err != nil {
		t.Fatalf("Failed to create mailbox %s: %v", name, err)
	}
	return mb
}

// ImportTestMessages imports one message per body into mailbox and returns their UIDs
func ImportTestMessages(t *testing.T, db *DB, mb *Mailbox, bodies ...string) []imap.UID {
	t.Helper()

	uids := make([]imap.UID, 0, len(bodies))
	for i, body := range bodies {
		raw := CreateTestRaw(fmt.Sprintf("msg-%d", i), "sender@test.com", body)
		m, err := db.ImportMessage(context.Background(), mb.ID, raw, time.Time{}, nil)
		if err != nil {
			t.Fatalf("Failed to import test message %d: %v", i, err)
		}
		uids = append(uids, m.UID())
	}
	return uids
}
