package model_test

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usinatech/vigia/internal/model"
)

func validAlert() model.AlertPayload {
	return model.AlertPayload{
		MsgID:       "5df4c5a9-0599-4d61-b9c4-0cfcf2a1f0a7",
		TS:          time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		Site:        "Pasteurizacao",
		ClientID:    "plant-A",
		TagName:     "TEMP_01",
		Value:       211,
		Desvio:      model.DeviationHH,
		AlertsCount: 1,
		Unidade:     "°C",
		Recipients:  []string{},
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := model.NewEnvelope(model.TypeAlert, model.AlertVersion, validAlert())
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded model.Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, model.TypeAlert, decoded.Type)
	assert.Equal(t, model.AlertVersion, decoded.Version)

	var p model.AlertPayload
	require.NoError(t, json.Unmarshal(decoded.Payload, &p))
	assert.Equal(t, validAlert(), p)
}

func TestEnvelopeKey(t *testing.T) {
	env := model.Envelope{Type: "telemetry", Version: 1}
	assert.Equal(t, "telemetry/1", env.Key())
	assert.Equal(t, env.Key(), model.EnvelopeKey("telemetry", 1))
}

func TestParseDeviation(t *testing.T) {
	assert.Equal(t, model.DeviationHH, model.ParseDeviation("HH"))
	assert.Equal(t, model.DeviationHH, model.ParseDeviation(" hh "))
	assert.Equal(t, model.DeviationL, model.ParseDeviation("l"))
	assert.Equal(t, model.DeviationUnknown, model.ParseDeviation("WAT"))
	assert.Equal(t, model.DeviationUnknown, model.ParseDeviation(""))
}

func TestDeviationCritical(t *testing.T) {
	assert.True(t, model.DeviationLL.Critical())
	assert.True(t, model.DeviationHH.Critical())
	assert.False(t, model.DeviationL.Critical())
	assert.False(t, model.DeviationH.Critical())
	assert.False(t, model.DeviationUnknown.Critical())
}

func TestValidateAlertPayloadHappyPath(t *testing.T) {
	assert.Empty(t, model.ValidateAlertPayload(validAlert()))
}

func TestValidateAlertPayloadAccumulates(t *testing.T) {
	p := model.AlertPayload{Value: math.NaN()}
	problems := model.ValidateAlertPayload(p)

	// clientId, tagName, desvio, recipients, ts, value, alertsCount all wrong.
	require.Len(t, problems, 7)
	assert.Contains(t, problems, "clientId is required")
	assert.Contains(t, problems, "value must be a finite number")
	assert.Contains(t, problems, "alertsCount must be >= 1")
}

func TestValidateAlertPayloadUnknownDesvioAllowed(t *testing.T) {
	p := validAlert()
	p.Desvio = model.DeviationUnknown
	assert.Empty(t, model.ValidateAlertPayload(p))
}

func TestValidateAlertPayloadRejectsInfiniteValue(t *testing.T) {
	p := validAlert()
	p.Value = math.Inf(1)
	problems := model.ValidateAlertPayload(p)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "finite")
}

func TestValidateAlertPayloadWhitespaceClientID(t *testing.T) {
	p := validAlert()
	p.ClientID = "   "
	problems := model.ValidateAlertPayload(p)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "clientId")
}
