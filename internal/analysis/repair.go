package analysis

import (
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// repair trims every value the validator rejected with a max rule to the
// limit it names, and clears values rejected by any other rule. Fields that
// passed are left alone.
func (r *Result) repair(errs validator.ValidationErrors) {
	for _, fe := range errs {
		limit := -1
		if fe.Tag() == "max" {
			if n, err := strconv.Atoi(fe.Param()); err == nil {
				limit = n
			}
		}
		field, key, sub := splitNamespace(fe.StructNamespace())
		switch field {
		case "Summary":
			r.Summary = truncate(r.Summary, limit)
		case "Purpose":
			r.Purpose = truncate(r.Purpose, limit)
		case "KeyPoints":
			r.KeyPoints = r.KeyPoints.repair(key, limit)
		case "NextSteps":
			r.NextSteps = r.NextSteps.repair(key, limit)
		case "UsersTasks":
			r.UsersTasks = r.UsersTasks.repair(key, limit)
		case "TranscriptDict":
			r.TranscriptDict = repairUtterances(r.TranscriptDict, key, sub, limit)
		}
	}
	r.Normalize()
}

// splitNamespace breaks "Result.TranscriptDict[3].Text" into its top-level
// field, the index or map key, and the nested field.
func splitNamespace(ns string) (field, key, sub string) {
	ns = strings.TrimPrefix(ns, "Result.")
	field, rest, ok := strings.Cut(ns, "[")
	if !ok {
		return field, "", ""
	}
	i := strings.LastIndex(rest, "]")
	if i < 0 {
		return field, rest, ""
	}
	return field, rest[:i], strings.TrimPrefix(rest[i+1:], ".")
}

// truncate shortens s to n runes. A negative n clears s.
func truncate(s string, n int) string {
	if n < 0 {
		return ""
	}
	if rs := []rune(s); len(rs) > n {
		return string(rs[:n])
	}
	return s
}

func (l Lines) repair(key string, limit int) Lines {
	if key == "" {
		if limit < 0 {
			return nil
		}
		if len(l) > limit {
			return l[:limit]
		}
		return l
	}
	i, err := strconv.Atoi(key)
	if err != nil || i < 0 || i >= len(l) {
		return l
	}
	l[i] = truncate(l[i], limit)
	return l
}

// repair caps the number of users, keeping names in sorted order, or the
// task list of the user named by key.
func (u UsersTasks) repair(key string, limit int) UsersTasks {
	if key == "" {
		if limit < 0 {
			return nil
		}
		names := lo.Keys(u)
		slices.Sort(names)
		for _, name := range names[min(limit, len(names)):] {
			delete(u, name)
		}
		return u
	}
	if tasks, ok := u[key]; ok {
		u[key] = tasks.repair("", limit)
	}
	return u
}

func repairUtterances(us []Utterance, key, sub string, limit int) []Utterance {
	if key == "" {
		if limit < 0 {
			return nil
		}
		if len(us) > limit {
			return us[:limit]
		}
		return us
	}
	i, err := strconv.Atoi(key)
	if err != nil || i < 0 || i >= len(us) {
		return us
	}
	switch sub {
	case "Speaker":
		us[i].Speaker = truncate(us[i].Speaker, limit)
	case "Text":
		// Normalize drops the entry if this leaves it empty.
		us[i].Text = truncate(us[i].Text, limit)
	}
	return us
}
