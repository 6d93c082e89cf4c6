package ssrs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportsync/internal/config"
)

func TestInferDateParams(t *testing.T) {
	tests := []struct {
		names []string
		want  DateParams
	}{
		{[]string{"SHIP_DATE_START", "SHIP_DATE_END"}, DateRange("SHIP_DATE_START", "SHIP_DATE_END")},
		{[]string{"EndDate", "StartDate"}, DateRange("StartDate", "EndDate")},
		{[]string{"DATE_FROM", "DATE_TO", "DEPARTMENT"}, DateRange("DATE_FROM", "DATE_TO")},
		{[]string{"LOGGED_DATE"}, SingleDate("LOGGED_DATE")},
		{[]string{"LOGGED_DATE", "AREA"}, SingleDate("LOGGED_DATE")},
		{[]string{"pDay"}, SingleDate("pDay")},
		{[]string{"ReportParam"}, SingleDate("ReportParam")},
	}
	for _, tt := range tests {
		got, err := InferDateParams(tt.names)
		require.NoError(t, err, "%v", tt.names)
		assert.Equal(t, tt.want, got, "%v", tt.names)
	}
}

func TestInferDateParamsAmbiguous(t *testing.T) {
	for _, names := range [][]string{
		nil,
		{"A_DATE", "B_DATE"},
		{"SHIP_DATE_START"},
		{"START_A", "START_B", "END"},
		{"CUSTOMER", "AREA"},
	} {
		_, err := InferDateParams(names)
		assert.Error(t, err, "%v", names)
	}
}

func TestDateParamsValues(t *testing.T) {
	v := SingleDate("D").Values(day("2025-08-21"), day("2025-08-25"), "1/2/2006")
	assert.Equal(t, "8/21/2025", v.Get("D"))
	assert.Len(t, v, 1)

	r := DateRange("S", "E")
	assert.True(t, r.IsRange())
	assert.Equal(t, []string{"S", "E"}, r.Names())
	assert.True(t, DateParams{}.IsZero())
}

func TestParamsFor(t *testing.T) {
	p, err := ParamsFor(&config.Report{Params: config.Params{Date: "LOGGED_DATE"}})
	require.NoError(t, err)
	assert.Equal(t, SingleDate("LOGGED_DATE"), p)

	p, err = ParamsFor(&config.Report{Params: config.Params{Start: "S", End: "E"}})
	require.NoError(t, err)
	assert.Equal(t, DateRange("S", "E"), p)

	_, err = ParamsFor(&config.Report{Name: "x", Params: config.Params{Names: []string{"A", "B"}}})
	assert.Error(t, err)
}
