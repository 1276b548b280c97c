package config

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseJSONCAcceptsCommentsAndTrailingCommas(t *testing.T) {
	input := `
{
  // line comment
  "rules": [
    "type='signal'", /* block comment */
  ],
  "monitor": {
    "pump_interval_ms": 250,
  },
}
`

	cfg, err := parseJSONC(input, Default())
	require.NoError(t, err)
	require.Equal(t, []string{"type='signal'"}, cfg.Rules)
	require.Equal(t, 250, cfg.Monitor.PumpIntervalMS)
}

func TestParseJSONCRetainsCommentLikeTextInsideStrings(t *testing.T) {
	cfg, err := parseJSONC(`{"bus":"unix:path=/run//bus /* x */",}`, Default())
	require.NoError(t, err)
	require.Equal(t, "unix:path=/run//bus /* x */", cfg.Bus)
}

func TestParseJSONCRejectsMultipleValues(t *testing.T) {
	_, err := parseJSONC(`{"bus":"system"} {"bus":"session"}`, Default())
	require.Error(t, err)
	require.Contains(t, err.Error(), "multiple JSON values")
}

func TestParseJSONCTypeErrorReportsLine(t *testing.T) {
	input := "{\n  \"monitor\": {\n    \"queue_size\": \"big\"\n  }\n}\n"
	_, err := parseJSONC(input, Default())
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 3")
}

func TestParseJSONCRejectsNonStringRules(t *testing.T) {
	_, err := parseJSONC(`{"rules": 7}`, Default())
	require.Error(t, err)
	require.Contains(t, err.Error(), "expected match rule string")
}

func TestParseJSONCDropsBlankRules(t *testing.T) {
	cfg, err := parseJSONC(`{"rules": ["  ", " type='signal' "]}`, Default())
	require.NoError(t, err)
	require.Equal(t, []string{"type='signal'"}, cfg.Rules)
}

func TestEnsureSingleJSONValue(t *testing.T) {
	decoder := json.NewDecoder(strings.NewReader(`{} `))
	var payload map[string]any
	require.NoError(t, decoder.Decode(&payload))
	require.NoError(t, ensureSingleJSONValue(decoder))
}

func TestOffsetToLineCol(t *testing.T) {
	content := "ab\ncd\nef"

	line, col := offsetToLineCol(content, 0)
	require.Equal(t, 1, line)
	require.Equal(t, 1, col)

	line, col = offsetToLineCol(content, 5)
	require.Equal(t, 2, line)
	require.Equal(t, 2, col)

	line, col = offsetToLineCol(content, 100)
	require.Equal(t, 3, line)
	require.Equal(t, 2, col)
}
