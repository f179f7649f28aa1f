package wal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sushant-115/twopc/core/transaction"
)

// Log line grammar:
//
//	ID STATE [OP KEY [VALUE]]
//
// Tokens are separated by whitespace. A key or value that is empty, contains
// whitespace, starts with a double quote or is not valid UTF-8 is written as
// a Go quoted string, so any plain-token line stays valid.

var (
	ErrIncompleteRecord = errors.New("incomplete log record")
	ErrMalformedRecord  = errors.New("malformed log record")
)

// EncodeRecord renders a transaction as a single log line, without the
// trailing newline.
func EncodeRecord(t *transaction.Transaction) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(t.ID, 10))
	b.WriteByte(' ')
	b.WriteString(string(t.State))
	if t.Op == nil {
		return b.String()
	}
	b.WriteByte(' ')
	b.WriteString(string(t.Op.Kind))
	b.WriteByte(' ')
	b.WriteString(encodeToken(t.Op.Key))
	if t.Op.Kind == transaction.OpPut {
		b.WriteByte(' ')
		b.WriteString(encodeToken(t.Op.Value))
	}
	return b.String()
}

// DecodeRecord parses one log line produced by EncodeRecord.
func DecodeRecord(line string) (*transaction.Transaction, error) {
	fields, err := splitFields(line)
	if err != nil {
		return nil, err
	}
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: want at least id and state, got %d fields", ErrIncompleteRecord, len(fields))
	}

	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad id %q", ErrMalformedRecord, fields[0])
	}
	state, err := transaction.ParseState(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	t := &transaction.Transaction{ID: id, State: state}
	if len(fields) == 2 {
		return t, nil
	}

	kind, err := transaction.ParseOpKind(fields[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	switch kind {
	case transaction.OpDelete:
		if len(fields) < 4 {
			return nil, fmt.Errorf("%w: delete without key", ErrIncompleteRecord)
		}
		if len(fields) > 4 {
			return nil, fmt.Errorf("%w: trailing fields after delete key", ErrMalformedRecord)
		}
		t.Op = transaction.Delete(fields[3])
	case transaction.OpPut:
		if len(fields) < 5 {
			return nil, fmt.Errorf("%w: put needs key and value", ErrIncompleteRecord)
		}
		if len(fields) > 5 {
			return nil, fmt.Errorf("%w: trailing fields after put value", ErrMalformedRecord)
		}
		t.Op = transaction.Put(fields[3], fields[4])
	}
	return t, nil
}

func encodeToken(s string) string {
	if s == "" || s[0] == '"' || !utf8.ValidString(s) || strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return strconv.Quote(s)
	}
	return s
}

func splitFields(line string) ([]string, error) {
	var fields []string
	s := strings.TrimSpace(line)
	for s != "" {
		if s[0] == '"' {
			quoted, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
			}
			v, err := strconv.Unquote(quoted)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
			}
			fields = append(fields, v)
			s = s[len(quoted):]
			if s != "" && !unicode.IsSpace(rune(s[0])) {
				return nil, fmt.Errorf("%w: text after quoted token", ErrMalformedRecord)
			}
		} else {
			end := strings.IndexFunc(s, unicode.IsSpace)
			if end < 0 {
				end = len(s)
			}
			fields = append(fields, s[:end])
			s = s[end:]
		}
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
	}
	return fields, nil
}
