package tools

import (
	"github.com/jaakkos/mailroom/internal/domain"
)

// requireString extracts a non-empty string from args by key.
func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", domain.Invalid("%s is required", key)
	}
	return v, nil
}

// optionalString extracts a string from args by key, "" when absent.
func optionalString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// optionalBool extracts a bool from args by key with a fallback.
func optionalBool(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

// optionalInt extracts a number from args by key with a fallback. JSON
// numbers decode as float64.
func optionalInt(args map[string]any, key string, fallback int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return fallback
}

// requireInt64 extracts a number from args by key.
func requireInt64(args map[string]any, key string) (int64, error) {
	v, ok := args[key].(float64)
	if !ok {
		return 0, domain.Invalid("%s must be a number", key)
	}
	return int64(v), nil
}

// stringSlice extracts a []string from args by key. A bare string is
// accepted as a one-element list; non-string elements are rejected.
func stringSlice(args map[string]any, key string) ([]string, error) {
	v, exists := args[key]
	if !exists || v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return []string{s}, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, domain.Invalid("%s must be a list of strings, got %T", key, v)
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, domain.Invalid("%s must contain only strings, got %T", key, e)
		}
		out = append(out, s)
	}
	return out, nil
}

// requireStringSlice extracts a non-empty []string from args by key.
func requireStringSlice(args map[string]any, key string) ([]string, error) {
	out, err := stringSlice(args, key)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, domain.Invalid("%s is required", key)
	}
	return out, nil
}
