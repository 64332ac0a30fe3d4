package vlm

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Traffic states accepted from the model.
const (
	TrafficFree       = "free"
	TrafficModerate   = "moderate"
	TrafficHeavy      = "heavy"
	TrafficStopAndGo  = "stop_and_go"
	TrafficUnknown    = "unknown"
	defaultIncident   = "incident"
	defaultDetail     = "unspecified"
	defaultConfidence = 0.2
)

var (
	errNoText = errors.New("no response text found in model response")
	errNoJSON = errors.New("no valid JSON found in model response")

	trafficStates = map[string]bool{
		TrafficFree: true, TrafficModerate: true, TrafficHeavy: true,
		TrafficStopAndGo: true, TrafficUnknown: true,
	}

	severities = map[string]string{
		"low":      "low",
		"minor":    "low",
		"medium":   "medium",
		"moderate": "medium",
		"high":     "high",
		"severe":   "high",
		"critical": "high",
	}

	genericNotes = map[string]bool{
		"clear traffic":         true,
		"no incidents":          true,
		"no incident":           true,
		"none":                  true,
		"no issues":             true,
		"no incidents detected": true,
		"clear":                 true,
		"traffic is clear":      true,
		"normal traffic":        true,
	}
)

// Incident is one reported incident.
type Incident struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// AnalysisResult is the structured reading of one frame.
type AnalysisResult struct {
	TrafficState      string     `json:"traffic_state"`
	ObservedDirection string     `json:"observed_direction"`
	OverallConfidence float64    `json:"overall_confidence"`
	ConfidenceClamped bool       `json:"confidence_clamped,omitempty"`
	Incidents         []Incident `json:"incidents"`
	Notes             string     `json:"notes"`
	Model             string     `json:"model"`
	// RawText is the model's message text before parsing.
	RawText string `json:"-"`
}

// ExtractText returns the assistant message text of a chat-completions
// response. Content may be a string or an array of content parts; a
// top-level output_text is accepted as well.
func ExtractText(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", errNoText
	}
	content := gjson.GetBytes(body, "choices.0.message.content")
	switch {
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Type == gjson.String {
				parts = append(parts, part.String())
			} else if text := part.Get("text"); text.Exists() && text.String() != "" {
				parts = append(parts, text.String())
			}
			return true
		})
		if joined := strings.TrimSpace(strings.Join(parts, "")); joined != "" {
			return joined, nil
		}
	case content.Type == gjson.String && content.String() != "":
		return content.String(), nil
	}
	if out := gjson.GetBytes(body, "output_text"); out.Type == gjson.String && out.String() != "" {
		return out.String(), nil
	}
	return "", errNoText
}

// FindJSON returns the first JSON document in text: the whole text (after
// stripping code fences) if it parses, else the first balanced object that
// parses.
func FindJSON(text string) (string, bool) {
	trimmed := stripFences(strings.TrimSpace(text))
	if trimmed != "" && gjson.Valid(trimmed) {
		r := gjson.Parse(trimmed)
		if r.IsObject() || r.IsArray() {
			return trimmed, true
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchBrace(text, i)
		if end < 0 {
			continue
		}
		if candidate := text[i : end+1]; gjson.Valid(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// MapResponse turns a raw chat-completions body into an AnalysisResult.
// Only a body with no message text or no JSON at all is an error; every other
// defect degrades to a default. cameraDirection seeds observed_direction.
func MapResponse(body []byte, cameraDirection string) (AnalysisResult, error) {
	text, err := ExtractText(body)
	if err != nil {
		return AnalysisResult{}, err
	}
	res, err := MapText(text, cameraDirection)
	if err != nil {
		return AnalysisResult{}, err
	}
	res.Model = gjson.GetBytes(body, "model").String()
	return res, nil
}

// MapText maps the model's message text.
func MapText(text, cameraDirection string) (AnalysisResult, error) {
	doc, ok := FindJSON(text)
	if !ok {
		return AnalysisResult{}, fmt.Errorf("%w: %q", errNoJSON, truncate(text, 200))
	}
	res := mapDocument(gjson.Parse(doc), cameraDirection)
	res.RawText = text
	return res, nil
}

func mapDocument(root gjson.Result, cameraDirection string) AnalysisResult {
	var incidents gjson.Result
	switch {
	case root.IsArray():
		incidents = root
		root = gjson.Result{}
	case root.Get("incidents").Exists():
		incidents = root.Get("incidents")
	case root.Get("type").Exists() && root.Get("severity").Exists() && root.Get("description").Exists():
		incidents = gjson.Parse("[" + root.Raw + "]")
	}

	res := AnalysisResult{
		TrafficState:      normalizeTrafficState(root.Get("traffic_state")),
		ObservedDirection: normalizeDirection(root.Get("observed_direction"), cameraDirection),
		Incidents:         mapIncidents(incidents),
	}
	res.OverallConfidence, res.ConfidenceClamped = normalizeConfidence(root.Get("overall_confidence"))

	notes := strings.TrimSpace(root.Get("notes").String())
	if notes == "" || (len(res.Incidents) == 0 && isGenericNote(notes)) {
		notes = summaryNotes(res)
	}
	res.Notes = notes
	return res
}

func mapIncidents(r gjson.Result) []Incident {
	out := []Incident{}
	if !r.Exists() || r.Type == gjson.Null {
		return out
	}
	items := []gjson.Result{r}
	if r.IsArray() {
		items = r.Array()
	}
	for _, item := range items {
		inc := Incident{Type: defaultIncident, Severity: "low", Description: defaultDetail}
		if item.IsObject() {
			if t := strings.TrimSpace(item.Get("type").String()); t != "" {
				inc.Type = t
			}
			if d := strings.TrimSpace(item.Get("description").String()); d != "" {
				inc.Description = d
			}
			if s, ok := severities[strings.ToLower(strings.TrimSpace(item.Get("severity").String()))]; ok {
				inc.Severity = s
			}
		} else if s := strings.TrimSpace(item.String()); s != "" {
			inc.Description = s
		}
		out = append(out, inc)
	}
	return out
}

func normalizeTrafficState(r gjson.Result) string {
	if r.Type != gjson.String {
		return TrafficUnknown
	}
	state := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(r.String())), " ", "_")
	state = strings.ReplaceAll(state, "-", "_")
	if !trafficStates[state] {
		return TrafficUnknown
	}
	return state
}

func normalizeDirection(r gjson.Result, cameraDirection string) string {
	if d := strings.TrimSpace(r.String()); r.Type == gjson.String && d != "" {
		return d
	}
	if cameraDirection != "" {
		return cameraDirection
	}
	return TrafficUnknown
}

// normalizeConfidence clamps into [0,1] and reports whether clamping happened.
// NaN and infinities are replaced by the default and flagged.
func normalizeConfidence(r gjson.Result) (float64, bool) {
	var v float64
	switch r.Type {
	case gjson.Number:
		v = r.Float()
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(r.String()), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return defaultConfidence, false
		}
		v = parsed
	default:
		return defaultConfidence, false
	}
	switch {
	case math.IsNaN(v), math.IsInf(v, 0):
		return defaultConfidence, true
	case v < 0:
		return 0, true
	case v > 1:
		return 1, true
	}
	return v, false
}

func isGenericNote(note string) bool {
	return genericNotes[strings.Join(strings.Fields(strings.ToLower(note)), " ")]
}

func summaryNotes(res AnalysisResult) string {
	if len(res.Incidents) == 0 {
		direction := strings.ToUpper(res.ObservedDirection)
		flow := strings.ReplaceAll(res.TrafficState, "_", " ")
		return fmt.Sprintf("No active incidents are visible in this frame; %s traffic appears %s with no clear lane-blocking hazards.", direction, flow)
	}
	labels := make([]string, 0, len(res.Incidents))
	for _, inc := range res.Incidents {
		words := strings.Fields(strings.ReplaceAll(inc.Type, "_", " "))
		for i, w := range words {
			words[i] = capitalize(w)
		}
		labels = append(labels, fmt.Sprintf("%s (%s)", strings.Join(words, " "), inc.Severity))
	}
	return strings.Join(labels, ", ")
}

func capitalize(w string) string {
	r, size := utf8.DecodeRuneInString(w)
	if r == utf8.RuneError {
		return w
	}
	return string(unicode.ToUpper(r)) + w[size:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
