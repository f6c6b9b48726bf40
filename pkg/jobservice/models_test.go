package jobservice_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "geotask/pkg/jobservice"
)

func runModel(t *testing.T, m Model, body string) (json.RawMessage, error) {
	t.Helper()
	return m(context.Background(), Input{Body: json.RawMessage(body)})
}

func TestTR55_CurveNumberRunoff(t *testing.T) {
	// CN 80: S = 2.5, Ia = 0.5, Q = (3 - 0.5)^2 / (3 + 2) = 1.25
	out, err := runModel(t, TR55, `{"precipitation_in":3,"land_cover":[
		{"name":"urban","curve_number":80,"area_km2":2},
		{"name":"forest","curve_number":40,"area_km2":2}]}`)
	require.NoError(t, err)

	var res map[string]TR55Output
	require.NoError(t, json.Unmarshal(out, &res))
	runoff := res["runoff"]
	require.Len(t, runoff.ByCover, 2)

	assert.Equal(t, "urban", runoff.ByCover[0].Name)
	assert.InDelta(t, 1.25, runoff.ByCover[0].RunoffIn, 1e-9)
	assert.InDelta(t, 1.25*0.0254*2e6, runoff.ByCover[0].VolumeM3, 0.01)

	// CN 40: S = 15, Ia = 3, P does not exceed Ia.
	assert.Zero(t, runoff.ByCover[1].RunoffIn)
	assert.InDelta(t, 0.625, runoff.RunoffIn, 1e-4)
	assert.Equal(t, 4.0, runoff.AreaKm2)
}

func TestTR55_RejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty body":       ``,
		"not json":         `{`,
		"no land cover":    `{"precipitation_in":1}`,
		"negative rain":    `{"precipitation_in":-1,"land_cover":[{"curve_number":70,"area_km2":1}]}`,
		"curve number 0":   `{"precipitation_in":1,"land_cover":[{"curve_number":0,"area_km2":1}]}`,
		"curve number 101": `{"precipitation_in":1,"land_cover":[{"curve_number":101,"area_km2":1}]}`,
		"zero area":        `{"precipitation_in":1,"land_cover":[{"curve_number":70,"area_km2":0}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := runModel(t, TR55, body)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestTR55_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := TR55(ctx, Input{Body: json.RawMessage(`{"precipitation_in":1,"land_cover":[{"curve_number":70,"area_km2":1}]}`)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStats(t *testing.T) {
	out, err := runModel(t, Stats, `{"values":[4,1,3,2]}`)
	require.NoError(t, err)

	var s StatsOutput
	require.NoError(t, json.Unmarshal(out, &s))
	assert.Equal(t, 4, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.Equal(t, 2.5, s.Mean)
	assert.Equal(t, 2.5, s.Median)
	assert.InDelta(t, 1.118034, s.StdDev, 1e-6)

	_, err = runModel(t, Stats, `{"values":[]}`)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, Input) (json.RawMessage, error) { return nil, nil }

	require.NoError(t, r.Register("modeling", "tr55", noop))
	require.NoError(t, r.Register("analyze", "stats", noop))
	require.NoError(t, r.Register("analyze", "land", noop))

	assert.Error(t, r.Register("modeling", "tr55", noop), "duplicate")
	assert.Error(t, r.Register("modeling", "jobs", noop), "reserved")
	assert.Error(t, r.Register("", "x", noop))
	assert.Error(t, r.Register("modeling", "x", nil))

	assert.Equal(t, []Task{
		{Type: "analyze", Name: "land"},
		{Type: "analyze", Name: "stats"},
		{Type: "modeling", Name: "tr55"},
	}, r.Tasks())

	_, err := r.Lookup("modeling", "gwlfe")
	assert.ErrorIs(t, err, ErrUnknownTask)

	assert.Len(t, DefaultRegistry().Tasks(), 2)
}
