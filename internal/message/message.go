// Package message holds the stored-message record and the rules for reading
// its full content and its body.
package message

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/felo/eml-store/internal/stream"
)

// MailboxID identifies the mailbox that owns a message.
type MailboxID int64

// Header is a single header field, in the order it appeared in the message.
type Header struct {
	LineNumber int
	Name       string
	Value      string
}

// Property is a piece of metadata derived from the message at ingest time.
type Property struct {
	LineNumber int
	Namespace  string
	LocalName  string
	Value      string
}

// Params holds the arguments for New.
type Params struct {
	Mailbox        MailboxID
	UID            imap.UID
	InternalDate   time.Time
	Size           int64
	Flags          []imap.Flag
	Content        Content
	BodyStartOctet int64
	Headers        []Header
	Properties     []Property
}

// Message is a stored message: identity, metadata and a content source.
//
// Size and BodyStartOctet never change after construction. Reads of a
// Message are sequential; concurrent reads are only safe when the content is
// Stored and the store returns independent cursors.
type Message struct {
	mailbox        MailboxID
	uid            imap.UID
	internalDate   time.Time
	size           int64
	flags          []imap.Flag
	bodyStartOctet int64
	headers        []Header
	properties     []Property
	content        Content
}

// New creates a message from caller supplied metadata and content.
func New(p Params) (*Message, error) {
	if p.Content == nil {
		return nil, fmt.Errorf("%w: content is nil", ErrInvalidConfiguration)
	}
	if p.Size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrInvalidConfiguration, p.Size)
	}
	if p.BodyStartOctet < 0 || p.BodyStartOctet > p.Size {
		return nil, fmt.Errorf("%w: body start octet %d outside [0, %d]",
			ErrInvalidConfiguration, p.BodyStartOctet, p.Size)
	}
	if b, ok := p.Content.(bytesContent); ok && int64(len(b)) != p.Size {
		return nil, fmt.Errorf("%w: content holds %d bytes, size is %d",
			ErrInvalidConfiguration, len(b), p.Size)
	}

	return &Message{
		mailbox:        p.Mailbox,
		uid:            p.UID,
		internalDate:   p.InternalDate,
		size:           p.Size,
		flags:          p.Flags,
		bodyStartOctet: p.BodyStartOctet,
		headers:        p.Headers,
		properties:     p.Properties,
		content:        p.Content,
	}, nil
}

// Copy creates a message in mailbox under uid with the metadata of src.
//
// The full content of src is drained into an owned buffer before Copy
// returns, so the copy never shares a cursor with src. When src holds
// one-shot content, src reads the same buffer afterwards. Callers must not
// read src concurrently with Copy. A source that yields fewer or more than
// src.Size() bytes fails with ErrContentRead.
func Copy(ctx context.Context, mailbox MailboxID, uid imap.UID, src *Message) (*Message, error) {
	rc, err := src.open(ctx)
	if err != nil {
		return nil, errors.Join(ErrContentRead, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	buf.Grow(int(src.size))
	// one extra byte detects content longer than the declared size
	n, err := io.Copy(&buf, io.LimitReader(rc, src.size+1))
	if err != nil {
		return nil, fmt.Errorf("%w: after %d bytes: %w", ErrContentRead, n, err)
	}
	if n < src.size {
		return nil, fmt.Errorf("%w: content ended after %d of %d bytes", ErrContentRead, n, src.size)
	}
	if n > src.size {
		return nil, fmt.Errorf("%w: content exceeds declared size %d", ErrContentRead, src.size)
	}

	// one-shot content is gone now; src keeps reading the drained bytes
	if _, ok := src.content.(*streamContent); ok {
		src.content = bytesContent(buf.Bytes())
	}

	return &Message{
		mailbox:        mailbox,
		uid:            uid,
		internalDate:   src.internalDate,
		size:           src.size,
		flags:          slices.Clone(src.flags),
		bodyStartOctet: src.bodyStartOctet,
		headers:        slices.Clone(src.headers),
		properties:     slices.Clone(src.properties),
		content:        bytesContent(buf.Bytes()),
	}, nil
}

func (m *Message) Mailbox() MailboxID      { return m.mailbox }
func (m *Message) UID() imap.UID           { return m.uid }
func (m *Message) InternalDate() time.Time { return m.internalDate }
func (m *Message) Size() int64             { return m.size }
func (m *Message) BodyStartOctet() int64   { return m.bodyStartOctet }
func (m *Message) Headers() []Header       { return m.headers }
func (m *Message) Properties() []Property  { return m.properties }
func (m *Message) Flags() []imap.Flag      { return m.flags }

// SetFlags replaces the flags. Flags are not interpreted by Message.
func (m *Message) SetFlags(flags []imap.Flag) {
	m.flags = flags
}

// HasFlag reports whether flag is set.
func (m *Message) HasFlag(flag imap.Flag) bool {
	return slices.Contains(m.flags, flag)
}

// ContentRef returns the reference of the content when it is held by store.
func (m *Message) ContentRef(store ContentStore) (ContentRef, bool) {
	if c, ok := m.content.(*storedContent); ok && c.store == store {
		return c.ref, true
	}
	return "", false
}

// FullContent returns a stream over all Size bytes of the message. Bytes a
// store holds past Size are not returned.
func (m *Message) FullContent(ctx context.Context) (io.ReadCloser, error) {
	rc, err := m.open(ctx)
	if err != nil {
		return nil, err
	}
	return limit(rc, m.size), nil
}

// BodyContent returns a stream over the bytes following BodyStartOctet.
// Content shorter than BodyStartOctet fails with ErrTruncatedStream.
func (m *Message) BodyContent(ctx context.Context) (io.ReadCloser, error) {
	rc, err := m.open(ctx)
	if err != nil {
		return nil, err
	}

	body, err := stream.NewReader(rc, m.bodyStartOctet)
	if err != nil {
		if errors.Is(err, ErrTruncatedStream) {
			return nil, fmt.Errorf("uid %d body at octet %d: %w", m.uid, m.bodyStartOctet, err)
		}
		return nil, fmt.Errorf("%w: uid %d: %w", ErrContentUnavailable, m.uid, err)
	}
	return limit(body, m.size-m.bodyStartOctet), nil
}

// open returns the unbounded content stream
func (m *Message) open(ctx context.Context) (io.ReadCloser, error) {
	rc, err := m.content.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrContentUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: uid %d: %w", ErrContentUnavailable, m.uid, err)
	}
	return rc, nil
}

type limitedStream struct {
	io.Reader
	io.Closer
}

// limit caps rc at n bytes; Close still closes rc.
func limit(rc io.ReadCloser, n int64) io.ReadCloser {
	return limitedStream{Reader: io.LimitReader(rc, n), Closer: rc}
}
