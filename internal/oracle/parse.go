package oracle

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoJSON is returned when a response holds no JSON object.
var ErrNoJSON = errors.New("oracle: no JSON object in response")

// Decode modes reported by structured callers.
const (
	ModeJSON    = "json"
	ModeMarkers = "markers"
	ModeDefault = "default"
)

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSON returns the outermost JSON object in raw, tolerating code
// fences and surrounding prose.
func ExtractJSON(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// DecodeJSON unmarshals the JSON object found in raw into v.
func DecodeJSON(raw string, v any) error {
	obj, ok := ExtractJSON(raw)
	if !ok {
		return ErrNoJSON
	}
	return json.Unmarshal([]byte(obj), v)
}

var markerPattern = regexp.MustCompile(`^[\s>*\-#` + "`" + `]*([A-Za-z][A-Za-z_ ]*[A-Za-z])\s*[*` + "`" + `]*\s*:\s*(.*)$`)

// Markers parses "KEY: value" lines. Keys are upper-cased with spaces
// turned into underscores; the first occurrence of a key wins.
func Markers(raw string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		m := markerPattern.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(m[1]), " ", "_"))
		if _, seen := out[key]; seen {
			continue
		}
		out[key] = strings.TrimSpace(strings.Trim(strings.TrimSpace(m[2]), "*`\""))
	}
	return out
}

// MarkerBool reads true/yes as true; everything else is false.
func MarkerBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "y", "1":
		return true
	}
	return false
}

// MarkerInt reads the leading integer of v, as in "7", "7/10" or "7 points".
func MarkerInt(v string) (int, bool) {
	v = strings.TrimSpace(v)
	end := 0
	for end < len(v) && (v[end] >= '0' && v[end] <= '9' || end == 0 && v[end] == '-') {
		end++
	}
	n, err := strconv.Atoi(v[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// MarkerFloat reads the leading number of v.
func MarkerFloat(v string) (float64, bool) {
	fields := strings.Fields(strings.TrimSpace(v))
	if len(fields) == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimRight(fields[0], ",;/"), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// MarkerList splits a comma or semicolon separated value, dropping blanks
// and the literal "none".
func MarkerList(v string) []string {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' || r == '|' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || strings.EqualFold(p, "none") {
			continue
		}
		out = append(out, p)
	}
	return out
}

// IsNone reports whether a marker value means "nothing".
func IsNone(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "none", "null", "nil", "n/a", "-":
		return true
	}
	return false
}
