package export

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// hashSample bounds how much of the input file contributes to the identity
// hash. Hashing a multi-gigabyte archive in full would cost a whole extra
// read pass; the prefix plus the file size is enough to tell two different
// export files apart.
const hashSample = 256 * 1024

// InputHash returns the identity hash for an input file, used to bind
// checkpoints to the exact file that produced them.
func InputHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stating input: %w", err)
	}

	h := sha256.New()
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(info.Size()))
	h.Write(size[:])
	if _, err := io.CopyN(h, f, hashSample); err != nil && err != io.EOF {
		return "", fmt.Errorf("hashing input: %w", err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Reader streams conversations out of an export archive in bounded chunks.
// The archive is either a single JSON document or a TAR container holding
// one; in both cases conversations are decoded one at a time so peak memory
// is bounded by the chunk size, not the input size.
type Reader struct {
	file      *os.File
	dec       *json.Decoder
	header    Header
	chunkSize int
	cursor    int64
	seq       int64
	skipped   int64
	chunkIdx  int
	logger    *slog.Logger
}

// Open validates the archive container and top-level shape, then positions
// the reader at the first conversation. The required keys (userId,
// exportDate) must appear before the conversations array, which is how the
// export format always lays them out.
func Open(path string, chunkSize int) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	src, err := selectSource(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &Reader{
		file:      f,
		dec:       json.NewDecoder(src),
		chunkSize: chunkSize,
		logger:    slog.Default(),
	}
	if err := r.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// selectSource returns the JSON stream for the archive: the file itself, or
// the first .json entry of a TAR container.
func selectSource(f *os.File, path string) (io.Reader, error) {
	if strings.HasSuffix(path, ".tar") {
		tr := tar.NewReader(f)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				return nil, fmt.Errorf("%w: no JSON entry in TAR container", ErrInvalidFormat)
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
			}
			if hdr.Typeflag == tar.TypeReg && strings.HasSuffix(filepath.Base(hdr.Name), ".json") {
				return tr, nil
			}
		}
	}
	if strings.HasSuffix(path, ".json") {
		return f, nil
	}
	return nil, fmt.Errorf("%w: expected a .json or .tar file, got %q", ErrInvalidFormat, filepath.Base(path))
}

// readHeader walks top-level tokens until it enters the conversations array.
func (r *Reader) readHeader() error {
	tok, err := r.dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: top-level value is not an object", ErrInvalidFormat)
	}

	for r.dec.More() {
		keyTok, err := r.dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("%w: non-string object key", ErrCorruptArchive)
		}

		switch key {
		case "userId":
			if err := r.dec.Decode(&r.header.UserID); err != nil {
				return fmt.Errorf("%w: userId: %v", ErrSchemaViolation, err)
			}
		case "exportDate":
			if err := r.dec.Decode(&r.header.ExportDate); err != nil {
				return fmt.Errorf("%w: exportDate: %v", ErrSchemaViolation, err)
			}
		case "conversations":
			if r.header.UserID == "" || r.header.ExportDate == "" {
				return fmt.Errorf("%w: missing userId or exportDate before conversations", ErrSchemaViolation)
			}
			tok, err := r.dec.Token()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
			}
			if delim, ok := tok.(json.Delim); !ok || delim != '[' {
				return fmt.Errorf("%w: conversations is not an array", ErrSchemaViolation)
			}
			return nil
		default:
			// Unknown top-level keys are tolerated but not retained.
			var discard json.RawMessage
			if err := r.dec.Decode(&discard); err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
			}
		}
	}
	return fmt.Errorf("%w: missing conversations", ErrSchemaViolation)
}

// Header returns the top-level export metadata.
func (r *Reader) Header() Header {
	return r.header
}

// Skipped returns the number of conversations dropped by per-record
// validation so far.
func (r *Reader) Skipped() int64 {
	return r.skipped
}

// SeekTo advances the reader to the given conversation index without
// processing the entries in between. Already-read bytes are discarded as raw
// tokens, not unmarshalled into records.
func (r *Reader) SeekTo(ctx context.Context, cursor int64) error {
	for r.cursor < cursor {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !r.dec.More() {
			return fmt.Errorf("%w: cursor %d beyond end of conversations", ErrCorruptArchive, cursor)
		}
		var discard json.RawMessage
		if err := r.dec.Decode(&discard); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		}
		r.cursor++
	}
	return nil
}

// ReadChunk decodes up to chunkSize conversations. It returns io.EOF once
// the conversations array is exhausted. A conversation that fails per-record
// validation is logged, counted, and dropped; it never aborts the run.
func (r *Reader) ReadChunk(ctx context.Context) (*Chunk, error) {
	if !r.dec.More() {
		return nil, io.EOF
	}

	chunk := &Chunk{Index: r.chunkIdx}
	for len(chunk.Conversations) < r.chunkSize && r.dec.More() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var conv RawConversation
		if err := r.dec.Decode(&conv); err != nil {
			return nil, fmt.Errorf("%w: conversation %d: %v", ErrCorruptArchive, r.cursor, err)
		}
		r.cursor++

		if reason := validate(conv); reason != "" {
			r.skipped++
			chunk.Skipped++
			r.logger.Warn("skipping malformed conversation",
				"cursor", r.cursor-1, "conversation_id", conv.ID, "reason", reason)
			continue
		}

		for i := range conv.Messages {
			conv.Messages[i].Seq = r.seq
			r.seq++
		}
		chunk.Conversations = append(chunk.Conversations, conv)
	}

	chunk.NextCursor = r.cursor
	r.chunkIdx++
	return chunk, nil
}

// validate applies per-record checks. It returns an empty string for a
// usable conversation, otherwise the reason it must be skipped.
func validate(conv RawConversation) string {
	if conv.ID == "" {
		return "missing id"
	}
	if conv.Messages == nil {
		return "missing MessageList"
	}
	return ""
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// IsFatal reports whether an extraction error is one of the archive-level
// failures that must abort the run rather than be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidFormat) ||
		errors.Is(err, ErrCorruptArchive) ||
		errors.Is(err, ErrSchemaViolation)
}
