package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout matches the millisecond ISO-8601 form clients already store.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

const (
	keyID        = "id"
	keyWeek      = "week"
	keyDate      = "date"
	keyTopic     = "topic"
	keyRemark    = "remark"
	keyFiles     = "files"
	keyUpdatedAt = "updatedAt"
)

var (
	// ErrScheduleNotFound indicates that no schedule record carries the requested id.
	ErrScheduleNotFound = errors.New("metadata: schedule not found")
	// ErrScheduleExists indicates that a created record reuses an existing id.
	ErrScheduleExists = errors.New("metadata: schedule already exists")
	// ErrInvalidDocument indicates that a stored document could not be decoded.
	ErrInvalidDocument = errors.New("metadata: invalid document")
)

// FormatTimestamp renders t in TimestampLayout (UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a stored timestamp, returning the zero time when it cannot.
func ParseTimestamp(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// Attachment describes one uploaded file owned by a schedule record.
// Attachments are addressed by their position in ScheduleRecord.Files at the
// HTTP boundary; ID is a stable identifier used internally.
type Attachment struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	Path         string `json:"path"`
	RelativePath string `json:"relativePath"`
	UploadDate   string `json:"uploadDate"`
	MimeType     string `json:"mimetype"`
}

// ScheduleRecord is one dated unit of work. Fields this service does not
// interpret are kept in Extra and written back untouched.
type ScheduleRecord struct {
	ID        int64
	Week      int
	Date      string
	Topic     string
	Remark    string
	Files     []Attachment
	UpdatedAt string
	Extra     map[string]json.RawMessage
}

// Fields returns the record as a flat map of raw JSON values. A known field
// whose stored value did not fit its typed slot is written back from Extra
// as long as the typed slot is still unset.
func (r ScheduleRecord) Fields() (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(r.Extra)+7)
	for key, value := range r.Extra {
		fields[key] = value
	}
	known := []struct {
		key   string
		value any
		unset bool
		skip  bool
	}{
		{key: keyID, value: r.ID, unset: r.ID == 0},
		{key: keyWeek, value: r.Week, unset: r.Week == 0},
		{key: keyDate, value: r.Date, unset: r.Date == ""},
		{key: keyTopic, value: r.Topic, unset: r.Topic == ""},
		{key: keyRemark, value: r.Remark, unset: r.Remark == ""},
		{key: keyFiles, value: r.Files, unset: r.Files == nil, skip: r.Files == nil},
		{key: keyUpdatedAt, value: r.UpdatedAt, unset: r.UpdatedAt == "", skip: r.UpdatedAt == ""},
	}
	for _, entry := range known {
		if _, raw := r.Extra[entry.key]; raw && entry.unset {
			continue
		}
		if entry.skip {
			continue
		}
		encoded, err := json.Marshal(entry.value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", entry.key, err)
		}
		fields[entry.key] = encoded
	}
	return fields, nil
}

// MarshalJSON implements json.Marshaler.
func (r ScheduleRecord) MarshalJSON() ([]byte, error) {
	fields, err := r.Fields()
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ScheduleRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	*r = RecordFromFields(fields)
	return nil
}

// RecordFromFields decodes a flat field map into a ScheduleRecord. Records are
// free-form: a known field whose value does not decode into its typed slot
// is kept verbatim in Extra instead of being rejected.
func RecordFromFields(fields map[string]json.RawMessage) ScheduleRecord {
	record := ScheduleRecord{Extra: make(map[string]json.RawMessage)}
	decoders := map[string]func(json.RawMessage) bool{
		keyID:        decodeInto(&record.ID),
		keyWeek:      decodeInto(&record.Week),
		keyDate:      decodeInto(&record.Date),
		keyTopic:     decodeInto(&record.Topic),
		keyRemark:    decodeInto(&record.Remark),
		keyFiles:     decodeInto(&record.Files),
		keyUpdatedAt: decodeInto(&record.UpdatedAt),
	}
	for key, value := range fields {
		decode, known := decoders[key]
		if !known {
			record.Extra[key] = value
			continue
		}
		if isJSONNull(value) {
			continue
		}
		if !decode(value) {
			record.Extra[key] = value
		}
	}
	return record
}

// decodeInto returns a decoder that sets *target only when value decodes cleanly.
func decodeInto[T any](target *T) func(json.RawMessage) bool {
	return func(value json.RawMessage) bool {
		var decoded T
		if err := json.Unmarshal(value, &decoded); err != nil {
			return false
		}
		*target = decoded
		return true
	}
}

// Attachment returns the attachment at position index.
func (r ScheduleRecord) Attachment(index int) (Attachment, bool) {
	if index < 0 || index >= len(r.Files) {
		return Attachment{}, false
	}
	return r.Files[index], true
}

// RemoveAttachment drops the attachment with the given stable id, shifting
// later attachments down by one. It reports whether an entry was removed.
func (r *ScheduleRecord) RemoveAttachment(attachmentID string) bool {
	for index, attachment := range r.Files {
		if attachment.ID != attachmentID {
			continue
		}
		remaining := make([]Attachment, 0, len(r.Files)-1)
		remaining = append(remaining, r.Files[:index]...)
		r.Files = append(remaining, r.Files[index+1:]...)
		return true
	}
	return false
}

// MessageBoard is the singleton shared document of feedback items and a notice.
type MessageBoard struct {
	Feedbacks json.RawMessage `json:"feedbacks"`
	Notice    string          `json:"notice"`
	UpdatedAt string          `json:"updatedAt,omitempty"`
}

// FeedbackCount returns the number of feedback items; non-array values count as zero.
func (b MessageBoard) FeedbackCount() int {
	var items []json.RawMessage
	if err := json.Unmarshal(b.Feedbacks, &items); err != nil {
		return 0
	}
	return len(items)
}

// WithDefaults fills in an empty feedback array for legacy boards.
func (b MessageBoard) WithDefaults() MessageBoard {
	if len(b.Feedbacks) == 0 || isJSONNull(b.Feedbacks) {
		b.Feedbacks = json.RawMessage("[]")
	}
	return b
}

func isJSONNull(value json.RawMessage) bool {
	return len(value) == 0 || string(value) == "null"
}

// Clone returns a copy that shares no mutable state with r.
func (r ScheduleRecord) Clone() ScheduleRecord {
	copied := r
	if r.Files != nil {
		copied.Files = make([]Attachment, len(r.Files))
		copy(copied.Files, r.Files)
	}
	if r.Extra != nil {
		copied.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for key, value := range r.Extra {
			copied.Extra[key] = value
		}
	}
	return copied
}
