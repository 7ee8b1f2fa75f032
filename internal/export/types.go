package export

import "errors"

// Archive-level errors. These are fatal: a malformed container or a missing
// required top-level key aborts the run before any chunk is emitted.
var (
	ErrInvalidFormat   = errors.New("invalid archive format")
	ErrCorruptArchive  = errors.New("corrupt archive")
	ErrSchemaViolation = errors.New("schema violation")
)

// RawMessage is a single message as it appears in the export archive.
// Seq is not part of the archive; the reader assigns it in extraction order
// so that messages with identical timestamps sort stably later on.
type RawMessage struct {
	ID          string `json:"id"`
	ArrivalTime string `json:"originalarrivaltime"`
	From        string `json:"from"`
	Content     string `json:"content"`
	MessageType string `json:"messagetype"`
	Seq         int64  `json:"-"`
}

// RawConversation is one conversation entry from the archive, still in
// export shape. A nil Messages slice means the MessageList key was absent.
type RawConversation struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"displayName"`
	Messages    []RawMessage `json:"MessageList"`
}

// Header holds the required top-level keys of the export document.
type Header struct {
	UserID     string `json:"userId"`
	ExportDate string `json:"exportDate"`
}

// Chunk is a bounded group of conversations read together. NextCursor is the
// index of the first conversation not included in this chunk; resuming a read
// at NextCursor skips everything the chunk contained.
type Chunk struct {
	Index         int
	Conversations []RawConversation
	NextCursor    int64
	Skipped       int64
}
