package parser

import (
	"time"

	"github.com/felo/eml-store/internal/message"
)

// Property namespaces used for ingest-time metadata
const (
	NamespaceMIME        = "mime"
	NamespaceContentType = "mime.content-type.params"
)

// Property local names
const (
	PropMediaType        = "mime-type"
	PropSubType          = "mime-subtype"
	PropTransferEncoding = "content-transfer-encoding"
	PropTextualLineCount = "textual-line-count"
)

// ParsedMessage holds what ingest needs to know about a raw message
type ParsedMessage struct {
	MessageID      string
	Subject        string
	Date           time.Time
	Size           int64
	BodyStartOctet int64
	Headers        []message.Header
	Properties     []message.Property
}
