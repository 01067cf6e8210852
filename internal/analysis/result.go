// Package analysis turns a flattened call transcript into structured meeting
// notes.
//
// The [Result] schema mirrors what the analysis prompt asks the model for.
// Model output is parsed leniently by [Parse]: strict JSON first, then the
// first fenced code block, and otherwise the empty result, which marshals to
// "{}". Every successful parse is normalized and validated; a field over its
// limit is trimmed to it without discarding the others.
package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// unknownSpeaker labels transcript entries the model left unattributed.
const unknownSpeaker = "Unknown"

// unassignedUser keys tasks the model attributed to a blank user name.
const unassignedUser = "Unassigned"

// Result is the structured analysis of one call. The zero value is the empty
// result.
type Result struct {
	// Summary is a one-paragraph summary of the call.
	Summary string `json:"summary,omitempty" validate:"max=20000"`

	// Purpose is the meeting's goal.
	Purpose string `json:"purpose,omitempty" validate:"max=4000"`

	// KeyPoints lists the important discussion points.
	KeyPoints Lines `json:"key_points,omitempty" validate:"max=500,dive,max=4000"`

	// UsersTasks maps a speaker name to the tasks attributed to them.
	UsersTasks UsersTasks `json:"users_tasks,omitempty" validate:"max=200,dive,max=500"`

	// NextSteps lists actionable follow-ups.
	NextSteps Lines `json:"next_steps,omitempty" validate:"max=500,dive,max=4000"`

	// TranscriptDict is the user-only transcript as the model attributed it.
	TranscriptDict []Utterance `json:"transcript_dict,omitempty" validate:"max=20000,dive"`
}

// IsEmpty reports whether r carries no content.
func (r Result) IsEmpty() bool {
	return r.Summary == "" && r.Purpose == "" && len(r.KeyPoints) == 0 &&
		len(r.UsersTasks) == 0 && len(r.NextSteps) == 0 && len(r.TranscriptDict) == 0
}

// JSON marshals r. The empty result marshals to "{}".
func (r Result) JSON() json.RawMessage {
	b, err := json.Marshal(r)
	if err != nil {
		// Result holds only strings, slices and maps of strings.
		return json.RawMessage("{}")
	}
	return b
}

// Normalize trims every string, drops blank list entries and applies the
// default speaker and user labels.
func (r *Result) Normalize() {
	r.Summary = strings.TrimSpace(r.Summary)
	r.Purpose = strings.TrimSpace(r.Purpose)
	r.KeyPoints = r.KeyPoints.normalize()
	r.NextSteps = r.NextSteps.normalize()

	if len(r.UsersTasks) > 0 {
		tasks := make(UsersTasks, len(r.UsersTasks))
		for user, list := range r.UsersTasks {
			user = strings.TrimSpace(user)
			if user == "" {
				user = unassignedUser
			}
			list = list.normalize()
			if len(list) == 0 {
				continue
			}
			tasks[user] = append(tasks[user], list...)
		}
		r.UsersTasks = tasks
		if len(tasks) == 0 {
			r.UsersTasks = nil
		}
	}

	r.TranscriptDict = lo.FilterMap(r.TranscriptDict, func(u Utterance, _ int) (Utterance, bool) {
		u.Speaker = strings.TrimSpace(u.Speaker)
		u.Text = strings.TrimSpace(u.Text)
		if u.Speaker == "" {
			u.Speaker = unknownSpeaker
		}
		return u, u.Text != ""
	})
	if len(r.TranscriptDict) == 0 {
		r.TranscriptDict = nil
	}
}

// Lines is a list of free-text entries. It decodes from a JSON string, an
// array of strings, or an array of objects carrying a text-like field.
type Lines []string

// UnmarshalJSON implements [json.Unmarshaler].
func (l *Lines) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*l = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Lines{s}
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("analysis: list: %w", err)
	}
	out := make(Lines, 0, len(raw))
	for _, item := range raw {
		s, err := textOf(item, "task", "description", "text", "point", "step", "title")
		if err != nil {
			return err
		}
		out = append(out, s)
	}
	*l = out
	return nil
}

func (l Lines) normalize() Lines {
	out := lo.Compact(lo.Map(l, func(s string, _ int) string { return strings.TrimSpace(s) }))
	if len(out) == 0 {
		return nil
	}
	return out
}

// UsersTasks maps a user name to their tasks. It decodes from an object
// ({"Rahul": ["backend"]}) or from an array of objects
// ([{"user": "Rahul", "tasks": ["backend"]}]).
type UsersTasks map[string]Lines

// UnmarshalJSON implements [json.Unmarshaler].
func (u *UsersTasks) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*u = nil
		return nil
	}
	if len(data) > 0 && data[0] == '{' {
		var m map[string]Lines
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("analysis: users_tasks: %w", err)
		}
		*u = m
		return nil
	}

	var items []struct {
		User        string `json:"user"`
		Name        string `json:"name"`
		Participant string `json:"participant"`
		Tasks       Lines  `json:"tasks"`
		Task        Lines  `json:"task"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("analysis: users_tasks: %w", err)
	}
	m := make(map[string]Lines, len(items))
	for _, it := range items {
		name := lo.CoalesceOrEmpty(it.User, it.Name, it.Participant)
		m[name] = append(m[name], it.Tasks...)
		m[name] = append(m[name], it.Task...)
	}
	*u = m
	return nil
}

// Utterance is one attributed line of the model's transcript.
type Utterance struct {
	Speaker string `json:"speaker" validate:"max=200"`
	Text    string `json:"text" validate:"required,max=20000"`
}

// UnmarshalJSON accepts an object with speaker/user/name and text/message
// fields, or a "speaker: text" string in the transcript's own line format.
func (u *Utterance) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		speaker, text, ok := strings.Cut(s, ":")
		if !ok {
			*u = Utterance{Text: s}
			return nil
		}
		*u = Utterance{Speaker: speaker, Text: text}
		return nil
	}

	var obj struct {
		Speaker     string `json:"speaker"`
		User        string `json:"user"`
		Name        string `json:"name"`
		Participant string `json:"participant"`
		Text        string `json:"text"`
		Message     string `json:"message"`
		Content     string `json:"content"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("analysis: transcript entry: %w", err)
	}
	*u = Utterance{
		Speaker: lo.CoalesceOrEmpty(obj.Speaker, obj.User, obj.Name, obj.Participant),
		Text:    lo.CoalesceOrEmpty(obj.Text, obj.Message, obj.Content),
	}
	return nil
}

// textOf returns a JSON string as-is, or the first non-empty of keys when
// item is an object. Other scalars are rendered verbatim.
func textOf(item json.RawMessage, keys ...string) (string, error) {
	item = bytes.TrimSpace(item)
	if len(item) == 0 {
		return "", nil
	}
	switch item[0] {
	case '"':
		var s string
		err := json.Unmarshal(item, &s)
		return s, err
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(item, &obj); err != nil {
			return "", err
		}
		for _, k := range keys {
			if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
				return s, nil
			}
		}
		return string(item), nil
	case '[':
		return "", fmt.Errorf("analysis: nested list entry")
	default:
		if bytes.Equal(item, []byte("null")) {
			return "", nil
		}
		return string(item), nil
	}
}
