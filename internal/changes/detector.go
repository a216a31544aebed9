// Package changes turns a document mutation into human-labelled change
// descriptions for the audit log. Detection never alters or blocks the
// mutation it observes.
package changes

import (
	"encoding/json"
	"reflect"
	"strings"
	"unicode/utf16"

	"github.com/MarcoPoloResearchLab/rota/backend/internal/metadata"
	"github.com/tidwall/gjson"
)

const (
	LabelModifyTopic  = "modify-topic"
	LabelModifyRemark = "modify-remark"
	LabelFeedback     = "feedback"
	LabelNotice       = "notice"

	boardActionPrefix = "update-message-board"
	fieldUpdatedAt    = "updatedAt"
)

// FieldRule reports a change for Field whenever the incoming payload carries
// it, without comparing old and new values.
type FieldRule struct {
	Field   string
	Label   string
	Extract func(gjson.Result) string
}

// DocumentRule reports Label when the payload carries Field and Changed
// returns true for the stored and incoming values.
type DocumentRule struct {
	Field   string
	Label   string
	Changed func(previous, incoming gjson.Result) bool
}

// ScheduleRules is the whitelist of audited schedule fields.
var ScheduleRules = []FieldRule{
	{Field: "topic", Label: LabelModifyTopic, Extract: TextValue},
	{Field: "remark", Label: LabelModifyRemark, Extract: TextValue},
}

// BoardRules is the whitelist of audited message board fields.
var BoardRules = []DocumentRule{
	{Field: "feedbacks", Label: LabelFeedback, Changed: FeedbacksChanged},
	{Field: "notice", Label: LabelNotice, Changed: ValueChanged},
}

// Change describes one audited field modification.
type Change struct {
	Type     string `json:"type"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

// BoardChange summarises a message board replacement.
type BoardChange struct {
	Labels         []string
	FeedbacksCount int
	NoticeLength   int
}

// Action returns the audit action, e.g. "update-message-board (feedback, notice)".
func (c BoardChange) Action() string {
	return boardActionPrefix + " (" + strings.Join(c.Labels, ", ") + ")"
}

// Detector evaluates rule tables against stored and incoming documents.
type Detector struct {
	scheduleRules []FieldRule
	boardRules    []DocumentRule
}

// NewDetector returns a Detector over ScheduleRules and BoardRules.
func NewDetector() *Detector {
	return &Detector{scheduleRules: ScheduleRules, boardRules: BoardRules}
}

// NewDetectorWithRules returns a Detector over custom tables.
func NewDetectorWithRules(scheduleRules []FieldRule, boardRules []DocumentRule) *Detector {
	return &Detector{scheduleRules: scheduleRules, boardRules: boardRules}
}

// ScheduleChanges returns one Change per whitelisted field present in payload.
// previous may be nil when the record does not exist; old values are then empty.
func (d *Detector) ScheduleChanges(previous *metadata.ScheduleRecord, payload []byte) []Change {
	if !isObject(payload) {
		return nil
	}
	stored := []byte("{}")
	if previous != nil {
		if encoded, err := json.Marshal(previous); err == nil {
			stored = encoded
		}
	}

	var detected []Change
	for _, rule := range d.scheduleRules {
		if rule.Field == fieldUpdatedAt {
			continue
		}
		incoming := gjson.GetBytes(payload, rule.Field)
		if !incoming.Exists() {
			continue
		}
		detected = append(detected, Change{
			Type:     rule.Label,
			OldValue: rule.Extract(gjson.GetBytes(stored, rule.Field)),
			NewValue: rule.Extract(incoming),
		})
	}
	return detected
}

// BoardChanges compares a message board replacement against the stored board.
// It reports false when no whitelisted field changed.
func (d *Detector) BoardChanges(previous *metadata.MessageBoard, payload []byte) (BoardChange, bool) {
	if !isObject(payload) {
		return BoardChange{}, false
	}
	stored := []byte("{}")
	if previous != nil {
		if encoded, err := json.Marshal(previous); err == nil {
			stored = encoded
		}
	}

	var labels []string
	for _, rule := range d.boardRules {
		incoming := gjson.GetBytes(payload, rule.Field)
		if !incoming.Exists() {
			continue
		}
		if rule.Changed(gjson.GetBytes(stored, rule.Field), incoming) {
			labels = append(labels, rule.Label)
		}
	}
	if len(labels) == 0 {
		return BoardChange{}, false
	}

	return BoardChange{
		Labels:         labels,
		FeedbacksCount: arrayLength(gjson.GetBytes(payload, "feedbacks")),
		NoticeLength:   textLength(gjson.GetBytes(payload, "notice")),
	}, true
}

// TextValue renders a JSON value for the audit log: strings as is, null,
// false or a missing value as "", anything else as compact JSON.
func TextValue(value gjson.Result) string {
	switch value.Type {
	case gjson.Null, gjson.False:
		return ""
	case gjson.String:
		return value.Str
	default:
		return value.Raw
	}
}

// FeedbacksChanged reports a change when the item count differs or the
// arrays are not deeply equal.
func FeedbacksChanged(previous, incoming gjson.Result) bool {
	if arrayLength(previous) != arrayLength(incoming) {
		return true
	}
	return ValueChanged(previous, incoming)
}

// ValueChanged reports whether two JSON values differ, treating a missing
// previous value as different from anything.
func ValueChanged(previous, incoming gjson.Result) bool {
	if !previous.Exists() {
		return true
	}
	return !reflect.DeepEqual(previous.Value(), incoming.Value())
}

func arrayLength(value gjson.Result) int {
	if !value.IsArray() {
		return 0
	}
	return len(value.Array())
}

// textLength counts UTF-16 code units, the unit browsers report for string length.
func textLength(value gjson.Result) int {
	if value.Type != gjson.String {
		return 0
	}
	return len(utf16.Encode([]rune(value.Str)))
}

func isObject(payload []byte) bool {
	return gjson.ValidBytes(payload) && gjson.ParseBytes(payload).IsObject()
}
