// Package wire normalizes raw streaming events from a model provider into
// the closed models.TurnEvent vocabulary.
//
// Mapping is pure. Unknown event types and undecodable payloads are
// dropped rather than reported, so providers can add event types without
// breaking turns. Individual fields of the wrong type read as zero values.
package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// Wire event types understood by Map.
const (
	TypeCreated        = "response.created"
	TypeOutputItemAdd  = "response.output_item.added"
	TypeOutputText     = "response.output_text.delta"
	TypeArgumentsDelta = "response.function_call_arguments.delta"
	TypeArgumentsDone  = "response.function_call_arguments.done"
	TypeCompleted      = "response.completed"
	TypeFailed         = "response.failed"
	TypeError          = "error"
)

// ProtocolError reports a payload that could not be decoded.
type ProtocolError struct {
	Type string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("wire: undecodable event: %v", e.Err)
	}
	return fmt.Sprintf("wire: undecodable %s event: %v", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Event is a decoded wire event: its type tag plus the full raw payload.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Decode reads the type tag of a raw event.
func Decode(raw []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Event{}, &ProtocolError{Err: err}
	}
	if head.Type == "" {
		return Event{}, &ProtocolError{Err: fmt.Errorf("missing type")}
	}
	return Event{Type: head.Type, Raw: json.RawMessage(raw)}, nil
}

// MapRaw decodes and maps raw in one step.
func MapRaw(raw []byte) (models.TurnEvent, bool) {
	ev, err := Decode(raw)
	if err != nil {
		return models.TurnEvent{}, false
	}
	return Map(ev)
}

// canonical accepts types with or without the "response." prefix.
func canonical(t string) string {
	if t == TypeError || strings.HasPrefix(t, "response.") {
		return t
	}
	return "response." + t
}

// fields is an event payload decoded one level deep. Each value is read
// on its own so a mistyped sibling cannot hide the rest of the event.
type fields map[string]json.RawMessage

func decodeFields(raw json.RawMessage) fields {
	var f fields
	if len(raw) == 0 || json.Unmarshal(raw, &f) != nil {
		return nil
	}
	return f
}

func (f fields) str(key string) string {
	var s string
	if raw, ok := f[key]; ok && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}

func (f fields) count(key string) int { return toInt(f[key]) }

func (f fields) object(key string) fields { return decodeFields(f[key]) }

// errorDetails reads an error given either as {"code","message"} or as a
// bare code string.
func errorDetails(raw json.RawMessage) (code, message string) {
	if len(raw) == 0 {
		return "", ""
	}
	if body := decodeFields(raw); body != nil {
		return codeString(body["code"]), body.str("message")
	}
	return codeString(raw), ""
}

// Map converts ev to its normalized form. The second result is false when
// the event is not part of the vocabulary or, for non-terminal types, its
// payload is not a JSON object. Failure events are always reported.
func Map(ev Event) (models.TurnEvent, bool) {
	t := canonical(ev.Type)
	p := decodeFields(ev.Raw)
	if p == nil && t != TypeError && t != TypeFailed {
		return models.TurnEvent{}, false
	}
	response := p.object("response")

	switch t {
	case TypeCreated:
		return models.TurnEvent{Type: models.EventCreated, ResponseID: response.str("id")}, true

	case TypeOutputItemAdd:
		item := p["item"]
		itemID := p.str("item_id")
		if itemID == "" {
			itemID = itemIDOf(item)
		}
		return models.TurnEvent{
			Type:        models.EventOutputItemAdded,
			Item:        item,
			ItemID:      itemID,
			OutputIndex: p.count("output_index"),
		}, true

	case TypeOutputText:
		return models.TurnEvent{
			Type:         models.EventTextDelta,
			ItemID:       p.str("item_id"),
			OutputIndex:  p.count("output_index"),
			ContentIndex: p.count("content_index"),
			Delta:        p.str("delta"),
		}, true

	case TypeArgumentsDelta:
		return models.TurnEvent{
			Type:        models.EventToolArgsDelta,
			ItemID:      p.str("item_id"),
			OutputIndex: p.count("output_index"),
			Delta:       p.str("delta"),
		}, true

	case TypeArgumentsDone:
		return models.TurnEvent{
			Type:        models.EventToolArgsDone,
			ItemID:      p.str("item_id"),
			OutputIndex: p.count("output_index"),
			Arguments:   p.str("arguments"),
		}, true

	case TypeCompleted:
		usage := parseUsage(response["usage"])
		return models.TurnEvent{
			Type:       models.EventCompleted,
			ResponseID: response.str("id"),
			TokenUsage: &usage,
		}, true

	case TypeError:
		code, msg := codeString(p["code"]), p.str("message")
		nestedCode, nestedMsg := errorDetails(p["error"])
		if code == "" {
			code = nestedCode
		}
		if msg == "" {
			msg = nestedMsg
		}
		return models.TurnEvent{Type: models.EventFailed, Code: code, Message: msg}, true

	case TypeFailed:
		code, msg := errorDetails(response["error"])
		return models.TurnEvent{
			Type:       models.EventFailed,
			ResponseID: response.str("id"),
			Code:       code,
			Message:    msg,
		}, true
	}
	return models.TurnEvent{}, false
}

func itemIDOf(item json.RawMessage) string {
	var head struct {
		ID string `json:"id"`
	}
	if len(item) == 0 || json.Unmarshal(item, &head) != nil {
		return ""
	}
	return head.ID
}

// parseUsage reads token counts, treating anything missing or malformed
// as zero.
func parseUsage(raw json.RawMessage) models.TokenUsage {
	f := decodeFields(raw)
	return models.TokenUsage{
		InputTokens:  f.count("input_tokens"),
		OutputTokens: f.count("output_tokens"),
		TotalTokens:  f.count("total_tokens"),
	}
}

// toInt reads a non-negative count given as a number or numeric string.
// Negative, non-finite or out of range values read as zero.
func toInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	// float64(math.MaxInt) rounds up to 2^63, so >= rejects it too.
	if math.IsNaN(f) || f < 0 || f >= float64(math.MaxInt) {
		return 0
	}
	return int(f)
}

func codeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch c := v.(type) {
	case string:
		return c
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	}
	return ""
}
