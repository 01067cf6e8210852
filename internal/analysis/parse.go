package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrNotJSON is returned by [Parse] when the response holds no JSON object,
// neither bare nor inside a fenced code block.
var ErrNotJSON = errors.New("analysis: response is not valid JSON")

// ErrInvalid wraps schema validation failures.
var ErrInvalid = errors.New("analysis: result failed validation")

// firstFence matches the first fenced block; greedyFence spans from the first
// opening fence to the last closing one, for objects that contain a fence.
var (
	firstFence  = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	greedyFence = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")
)

var validate = validator.New()

// Parse decodes a model response into a normalized, validated Result. Fields
// that exceed their limits are trimmed to them. When nothing usable remains it
// returns the empty Result together with the cause.
func Parse(raw string) (Result, error) {
	content := strings.TrimSpace(raw)

	res, err := decode(content)
	if err != nil {
		if res, err = decodeFenced(content); err != nil {
			return Result{}, err
		}
	}

	res.Normalize()
	if err := validate.Struct(res); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		res.repair(verrs)
		if err := validate.Struct(res); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return res, nil
}

func decodeFenced(content string) (Result, error) {
	m := firstFence.FindStringSubmatch(content)
	if m == nil {
		return Result{}, ErrNotJSON
	}
	res, err := decode(m[1])
	if err == nil {
		return res, nil
	}
	if g := greedyFence.FindStringSubmatch(content); g != nil && g[1] != m[1] {
		if res, gerr := decode(g[1]); gerr == nil {
			return res, nil
		}
	}
	return Result{}, fmt.Errorf("%w: fenced block: %v", ErrNotJSON, err)
}

func decode(s string) (Result, error) {
	var res Result
	if !strings.HasPrefix(s, "{") {
		return res, ErrNotJSON
	}
	err := json.Unmarshal([]byte(s), &res)
	return res, err
}
