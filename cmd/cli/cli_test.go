package cli

import (
	"bytes"
	"testing"

	"pipeflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	assert.Nil(t, parseValue(""))
	assert.Equal(t, "high", parseValue(`"high"`))
	assert.Equal(t, "high", parseValue("high"))
	assert.Equal(t, float64(42), parseValue("42"))
	assert.Equal(t, true, parseValue("true"))
}

func TestBuildRunRequest(t *testing.T) {
	flagTriggerType, flagCardID, flagPipeID = "card_field_value", "C1", "P1"
	flagFieldKey, flagFieldValue = "priority", "high"
	defer func() { flagFieldKey, flagFieldValue = "", "" }()

	req := buildRunRequest()
	assert.Equal(t, models.TriggerCardFieldValue, req.TriggerType)
	require.NotNil(t, req.Context)
	assert.Equal(t, "priority", req.Context.FieldKey)
	assert.Equal(t, "high", req.Context.FieldValue)

	flagFieldKey, flagFieldValue = "", ""
	flagTriggerType = "manual"
	assert.Nil(t, buildRunRequest().Context)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Version: dev")
}
