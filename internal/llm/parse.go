package llm

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"github.com/coilworks/coil/internal/errdefs"
)

// ExtractJSONObject returns the first balanced top-level JSON object found
// in text. Models frequently wrap JSON in prose or markdown fences, so
// callers should never unmarshal raw model output directly.
func ExtractJSONObject(text string) (string, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if start >= 0 && inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start >= 0 {
				depth--
				if depth == 0 {
					return text[start : i+1], nil
				}
			}
		case '"':
			if start >= 0 {
				inString = true
			}
		}
	}

	return "", fmt.Errorf("%w: no JSON object found in response", errdefs.ErrParse)
}

// DecodeObject extracts and unmarshals the first JSON object in text into v.
// Malformed JSON (truncated, trailing commas, single quotes) is repaired
// before giving up.
func DecodeObject(text string, v interface{}) error {
	raw, err := ExtractJSONObject(text)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return fmt.Errorf("%w: response is not valid JSON and could not be repaired: %v", errdefs.ErrParse, repairErr)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("%w: repaired response still failed to unmarshal: %v", errdefs.ErrParse, err)
	}
	return nil
}
