package controller

import (
	"encoding/json"
	"fmt"
)

// ValidateConfig checks the agent config document against the bounds the
// worker contract relies on (§6.2): a required model, and range checks on
// the handful of fields the supervisor or worker interprets directly.
// Unknown fields are preserved by the caller and never rejected here — only
// the fields this system itself understands are validated.
func ValidateConfig(raw string) (map[string]any, error) {
	if raw == "" {
		raw = "{}"
	}

	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrInvalidConfig, err)
	}

	model, ok := cfg["model"]
	if !ok {
		return nil, fmt.Errorf("%w: missing required field \"model\"", ErrInvalidConfig)
	}
	if s, ok := model.(string); !ok || s == "" {
		return nil, fmt.Errorf("%w: \"model\" must be a non-empty string", ErrInvalidConfig)
	}

	if v, ok := cfg["temperature"]; ok {
		f, ok := v.(float64)
		if !ok || f < 0.0 || f > 2.0 {
			return nil, fmt.Errorf("%w: \"temperature\" must be between 0.0 and 2.0", ErrInvalidConfig)
		}
	}

	if v, ok := cfg["max_tokens"]; ok {
		f, ok := v.(float64)
		if !ok || f != float64(int(f)) || int(f) < 1 || int(f) > 32000 {
			return nil, fmt.Errorf("%w: \"max_tokens\" must be an integer between 1 and 32000", ErrInvalidConfig)
		}
	}

	if v, ok := cfg["timeout_seconds"]; ok {
		f, ok := v.(float64)
		if !ok || f != float64(int(f)) || int(f) < 1 || int(f) > 300 {
			return nil, fmt.Errorf("%w: \"timeout_seconds\" must be an integer between 1 and 300", ErrInvalidConfig)
		}
	}

	if v, ok := cfg["port"]; ok {
		f, ok := v.(float64)
		if !ok || f != float64(int(f)) || int(f) < 1024 || int(f) > 65535 {
			return nil, fmt.Errorf("%w: \"port\" must be an integer between 1024 and 65535", ErrInvalidConfig)
		}
	}

	return cfg, nil
}

// DeepMergeConfig merges userConfig over templateConfig: scalar and array
// keys present in userConfig override templateConfig; nested objects are
// merged key-by-key recursively. templateConfig is never mutated.
func DeepMergeConfig(templateConfig, userConfig map[string]any) map[string]any {
	out := make(map[string]any, len(templateConfig)+len(userConfig))
	for k, v := range templateConfig {
		out[k] = v
	}

	for k, uv := range userConfig {
		tv, exists := out[k]
		if !exists {
			out[k] = uv
			continue
		}

		tMap, tIsMap := tv.(map[string]any)
		uMap, uIsMap := uv.(map[string]any)
		if tIsMap && uIsMap {
			out[k] = DeepMergeConfig(tMap, uMap)
			continue
		}

		out[k] = uv
	}

	return out
}

func marshalConfig(cfg map[string]any) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("controller: marshaling effective config: %w", err)
	}
	return string(b), nil
}
