package repo

import (
	"encoding/json"
	"fmt"
	"time"
)

func toJSON(val any) ([]byte, error) {
	if val == nil {
		return nil, nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return data, nil
}

func jsonParam(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}

// keywordsJSON encodes a keyword list; nil becomes an empty array.
func keywordsJSON(words []string) string {
	if words == nil {
		words = []string{}
	}
	data, _ := json.Marshal(words)
	return string(data)
}

func keywordsFromJSON(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var words []string
	if err := json.Unmarshal(data, &words); err != nil {
		return nil, fmt.Errorf("decode keywords: %w", err)
	}
	return words, nil
}

// analyticsDate is the calendar day an event is attributed to.
func analyticsDate(at time.Time) string {
	return at.Format(time.DateOnly)
}
