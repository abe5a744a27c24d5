package gpt

import (
	"bytes"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
)

// GPT stores the first three GUID groups little-endian while RFC 4122 UUIDs
// are big-endian throughout; both conversions are the same byte swap.
func swapGUID(b [16]byte) [16]byte {
	return [16]byte{
		b[3], b[2], b[1], b[0],
		b[5], b[4],
		b[7], b[6],
		b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15],
	}
}

// GUIDToUUID converts an on-disk GUID to a uuid.UUID.
func GUIDToUUID(g [16]byte) uuid.UUID {
	return uuid.UUID(swapGUID(g))
}

// UUIDToGUID converts a uuid.UUID to its on-disk GUID encoding.
func UUIDToGUID(u uuid.UUID) [16]byte {
	return swapGUID([16]byte(u))
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EntryName decodes the UTF-16LE partition name, trimming trailing NULs.
func EntryName(e *Entry) string {
	decoded, err := utf16le.NewDecoder().Bytes(e.Name[:])
	if err != nil {
		return ""
	}
	return string(bytes.TrimRight(decoded, "\x00"))
}

// SetEntryName encodes name as UTF-16LE into the entry, truncating to the
// 72-byte field.
func SetEntryName(e *Entry, name string) error {
	encoded, err := utf16le.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return err
	}
	var field [72]byte
	copy(field[:], encoded)
	e.Name = field
	return nil
}
