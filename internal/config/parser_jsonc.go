package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/jsonc"
)

type jsoncConfig struct {
	Bus     *string        `json:"bus"`
	Rules   *jsoncRuleList `json:"rules"`
	Monitor *jsoncMonitor  `json:"monitor"`
	Output  *jsoncOutput   `json:"output"`
	Log     *jsoncLog      `json:"log"`
}

type jsoncMonitor struct {
	BecomeMonitorTimeoutMS *int `json:"become_monitor_timeout_ms"`
	PumpIntervalMS         *int `json:"pump_interval_ms"`
	QueueSize              *int `json:"queue_size"`
}

type jsoncOutput struct {
	Format   *string `json:"format"`
	Compress *string `json:"compress"`
	Color    *string `json:"color"`
	MaxBytes *int    `json:"max_bytes"`
	MaxItems *int    `json:"max_items"`
}

type jsoncLog struct {
	Level *string `json:"level"`
}

// jsoncRuleList accepts either one rule string or an array of them. Rules
// contain commas themselves, so a single string is never split.
type jsoncRuleList []string

func (l *jsoncRuleList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = []string{single}
		return nil
	}

	return fmt.Errorf("expected match rule string or array of match rule strings")
}

func parseJSONC(content string, base Config) (Config, error) {
	normalized := string(jsonc.ToJSON([]byte(content)))

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	payload.applyTo(&cfg)
	return cfg, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) {
	if payload.Bus != nil {
		cfg.Bus = strings.TrimSpace(*payload.Bus)
	}

	if payload.Rules != nil {
		cfg.Rules = cleanRules(*payload.Rules)
	}

	if payload.Monitor != nil {
		if payload.Monitor.BecomeMonitorTimeoutMS != nil {
			cfg.Monitor.BecomeMonitorTimeoutMS = *payload.Monitor.BecomeMonitorTimeoutMS
		}
		if payload.Monitor.PumpIntervalMS != nil {
			cfg.Monitor.PumpIntervalMS = *payload.Monitor.PumpIntervalMS
		}
		if payload.Monitor.QueueSize != nil {
			cfg.Monitor.QueueSize = *payload.Monitor.QueueSize
		}
	}

	if payload.Output != nil {
		if payload.Output.Format != nil {
			cfg.Output.Format = strings.ToLower(strings.TrimSpace(*payload.Output.Format))
		}
		if payload.Output.Compress != nil {
			cfg.Output.Compress = strings.ToLower(strings.TrimSpace(*payload.Output.Compress))
		}
		if payload.Output.Color != nil {
			cfg.Output.Color = strings.ToLower(strings.TrimSpace(*payload.Output.Color))
		}
		if payload.Output.MaxBytes != nil {
			cfg.Output.MaxBytes = *payload.Output.MaxBytes
		}
		if payload.Output.MaxItems != nil {
			cfg.Output.MaxItems = *payload.Output.MaxItems
		}
	}

	if payload.Log != nil && payload.Log.Level != nil {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(*payload.Log.Level))
	}
}

func cleanRules(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, rule := range raw {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		out = append(out, rule)
	}
	return out
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
