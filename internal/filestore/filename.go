package filestore

import (
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/encoding/charmap"
)

const genericMimeType = "application/octet-stream"

// RepairFilename recovers a UTF-8 filename whose bytes were decoded as
// ISO-8859-1 somewhere upstream. Each rune is turned back into its single
// latin1 byte and the bytes are read as UTF-8. Names that cannot have been
// produced that way (runes above U+00FF, or bytes that are not valid UTF-8)
// are returned unchanged, so applying it to an intact name is a no-op.
func RepairFilename(raw string) string {
	if raw == "" {
		return raw
	}
	encoded, err := charmap.ISO8859_1.NewEncoder().String(raw)
	if err != nil {
		return raw
	}
	if !utf8.ValidString(encoded) {
		return raw
	}
	return encoded
}

// DetectMimeType returns the declared content type unless it is empty or
// generic, in which case the file at path is sniffed.
func DetectMimeType(declared, path string) string {
	if declared != "" && declared != genericMimeType {
		return declared
	}
	detected, err := mimetype.DetectFile(path)
	if err != nil || detected == nil {
		return genericMimeType
	}
	return detected.String()
}
