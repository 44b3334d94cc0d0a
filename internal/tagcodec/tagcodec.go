// Package tagcodec decodes the payload stored on a checkpoint tag.
//
// Tags in the field are written by several generations of tooling, so reads
// arrive with MIME markers, NDEF text-record headers, stray NUL bytes or a
// truncated tail. Decode tolerates all of these; the result is still untrusted
// until the caller cross-checks it against the checkpoint being scanned.
package tagcodec

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"fieldops-patrol/internal/apperror"
)

const maxSafeInt = 1<<53 - 1

// ErrNoData is returned when no usable checkpoint id can be recovered.
var ErrNoData = apperror.New(apperror.KindPayloadInvalid, "tag has no valid data")

type Payload struct {
	ID        int64    `json:"id"`
	RoundID   *int64   `json:"roundId,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Name      string   `json:"name,omitempty"`
}

// longest first so the full marker wins over its fragments
var mimePrefixes = []string{
	"application/json",
	"text/plain",
	"plication/json",
	"lication/json",
	"ication/json",
	"cation/json",
	"ation/json",
	"tion/json",
	"ion/json",
	"on/json",
	"/json",
}

var (
	numberField = regexp.MustCompile(`"(id|checkpointId|roundId|latitude|longitude)"\s*:\s*"?\s*(-?[0-9]+(?:\.[0-9]+)?)`)
	stringField = regexp.MustCompile(`"(name|alias)"\s*:\s*"([^"]*)"`)
)

func DecodeString(raw string) (Payload, error) {
	return Decode([]byte(raw))
}

// Decode parses a raw tag payload into a Payload.
func Decode(raw []byte) (Payload, error) {
	text := clean(string(raw))
	obj, truncated := objectText(text)
	if obj == "" {
		return Payload{}, ErrNoData
	}

	fields := map[string]json.RawMessage{}
	err := json.Unmarshal([]byte(obj), &fields)
	if err != nil && truncated {
		// "{...,"name":"Gat" + "}" is still broken; try without the dangling member.
		if cut := strings.LastIndexByte(obj[:len(obj)-1], ','); cut > 0 {
			err = json.Unmarshal([]byte(obj[:cut]+"}"), &fields)
		}
	}
	if err != nil {
		fields = scrape(obj)
	}
	return fromFields(fields)
}

// Encode renders the canonical JSON form written to tags.
func Encode(p Payload) string {
	data, _ := json.Marshal(p)
	return string(data)
}

func clean(s string) string {
	s = strings.ReplaceAll(s, "\uFEFF", "")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	// NDEF text records carry a status byte before the language code.
	s = strings.TrimLeftFunc(s, unicode.IsControl)
	for _, p := range mimePrefixes {
		if len(s) >= len(p) && strings.EqualFold(s[:len(p)], p) {
			s = s[len(p):]
			break
		}
	}
	return strings.TrimSpace(s)
}

// objectText returns the JSON object portion of s. A missing closing brace is
// repaired and reported as truncated.
func objectText(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	end := strings.LastIndexByte(s, '}')
	if end > start {
		return s[start : end+1], false
	}
	return strings.TrimSpace(s[start:]) + "}", true
}

func scrape(obj string) map[string]json.RawMessage {
	fields := map[string]json.RawMessage{}
	for _, m := range numberField.FindAllStringSubmatch(obj, -1) {
		if _, seen := fields[m[1]]; !seen {
			fields[m[1]] = json.RawMessage(m[2])
		}
	}
	for _, m := range stringField.FindAllStringSubmatch(obj, -1) {
		if _, seen := fields[m[1]]; !seen {
			fields[m[1]] = json.RawMessage(strconv.Quote(m[2]))
		}
	}
	return fields
}

func fromFields(fields map[string]json.RawMessage) (Payload, error) {
	id, ok := integer(fields["id"])
	if !ok {
		id, ok = integer(fields["checkpointId"])
	}
	if !ok {
		return Payload{}, ErrNoData
	}

	p := Payload{ID: id}
	if v, ok := integer(fields["roundId"]); ok {
		p.RoundID = &v
	}
	if v, ok := number(fields["latitude"]); ok {
		p.Latitude = &v
	}
	if v, ok := number(fields["longitude"]); ok {
		p.Longitude = &v
	}
	if name, ok := str(fields["name"]); ok && name != "" {
		p.Name = name
	} else if alias, ok := str(fields["alias"]); ok {
		p.Name = alias
	}
	return p, nil
}

// number accepts a JSON number or a numeric string; non-finite values are absent.
func number(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func integer(raw json.RawMessage) (int64, bool) {
	f, ok := number(raw)
	if !ok || f <= 0 || f != math.Trunc(f) || f > maxSafeInt {
		return 0, false
	}
	return int64(f), true
}

func str(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
