package config

import "strings"

// Parse reads JSONC configuration content on top of base and validates the
// result. Blank content yields base.
func Parse(content string, base Config) (Config, []Warning, error) {
	cfg, err := decode(content, base)
	if err != nil {
		return Config{}, nil, err
	}

	warnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, warnings, nil
}

func decode(content string, base Config) (Config, error) {
	if strings.TrimSpace(content) == "" {
		return base, nil
	}
	return parseJSONC(content, base)
}
