package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/text/encoding/charmap"

	msg "github.com/felo/eml-store/internal/message"
)

func init() {
	// Register additional charsets that are commonly used in emails
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

// ParseEMLFile reads an .eml file and parses it
func ParseEMLFile(filePath string) (*ParsedMessage, []byte, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file: %w", err)
	}

	parsed, err := Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	return parsed, raw, nil
}

// ParseEML reads a message from r and parses it
func ParseEML(r io.Reader) (*ParsedMessage, []byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read email: %w", err)
	}

	parsed, err := Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	return parsed, raw, nil
}

// Parse extracts the header fields, the body start octet and the MIME
// properties of a raw RFC 5322 message.
func Parse(raw []byte) (*ParsedMessage, error) {
	rd := bytes.NewReader(raw)
	br := bufio.NewReader(rd)

	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Bytes handed to bufio minus the ones it still holds
	bodyStart := int64(len(raw)) - int64(rd.Len()) - int64(br.Buffered())

	parsed := &ParsedMessage{
		Size:           int64(len(raw)),
		BodyStartOctet: bodyStart,
	}

	fields := h.Fields()
	for line := 0; fields.Next(); line++ {
		parsed.Headers = append(parsed.Headers, msg.Header{
			LineNumber: line,
			Name:       fields.Key(),
			Value:      fields.Value(),
		})
	}

	mh := mail.Header{Header: message.Header{Header: h}}

	if id, err := mh.MessageID(); err == nil && id != "" {
		parsed.MessageID = "<" + id + ">"
	}

	// Subject - decode MIME words, fall back to the raw value
	if subject, err := mh.Subject(); err == nil {
		parsed.Subject = subject
	} else {
		parsed.Subject = mh.Get("Subject")
	}

	if date, err := mh.Date(); err == nil {
		parsed.Date = date
	}

	parsed.Properties = properties(mh, raw[bodyStart:])

	return parsed, nil
}

// properties derives MIME metadata. Messages without a Content-Type are
// text/plain per RFC 2045.
func properties(h mail.Header, body []byte) []msg.Property {
	mediaType, params, err := h.ContentType()
	if err != nil || h.Get("Content-Type") == "" {
		mediaType, params = "text/plain", map[string]string{"charset": "us-ascii"}
	}

	typ, sub, ok := strings.Cut(strings.ToLower(mediaType), "/")
	if !ok {
		sub = ""
	}

	var props []msg.Property
	add := func(ns, name, value string) {
		props = append(props, msg.Property{
			LineNumber: len(props),
			Namespace:  ns,
			LocalName:  name,
			Value:      value,
		})
	}

	add(NamespaceMIME, PropMediaType, typ)
	add(NamespaceMIME, PropSubType, sub)

	if enc := h.Get("Content-Transfer-Encoding"); enc != "" {
		add(NamespaceMIME, PropTransferEncoding, strings.ToLower(strings.TrimSpace(enc)))
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		add(NamespaceContentType, name, params[name])
	}

	if typ == "text" {
		add(NamespaceMIME, PropTextualLineCount, strconv.Itoa(countLines(body)))
	}

	return props
}

func countLines(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	n := bytes.Count(body, []byte("\n"))
	if body[len(body)-1] != '\n' {
		n++
	}
	return n
}

// Lookup returns the first property matching namespace and name
func Lookup(props []msg.Property, namespace, name string) (string, bool) {
	for _, p := range props {
		if p.Namespace == namespace && p.LocalName == name {
			return p.Value, true
		}
	}
	return "", false
}
