package layout_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domespan/atmosrender/internal/layout"
)

func TestLoad_JSON_FourSpeakersNoSubs(t *testing.T) {
	var doc = []byte(`{
		"speakers": [
			{"azimuth": 0, "elevation": 0, "radius": 5, "deviceChannel": 0},
			{"azimuth": 1.5707963267948966, "elevation": 0, "radius": 5, "deviceChannel": 1},
			{"azimuth": 3.141592653589793, "elevation": 0, "radius": 5, "deviceChannel": 2},
			{"azimuth": 4.71238898038469, "elevation": 0, "radius": 5, "deviceChannel": 3}
		]
	}`)

	var l, err = layout.Load(doc)
	require.NoError(t, err)
	assert.Len(t, l.Speakers, 4)
	assert.True(t, l.Is2D)
	assert.Equal(t, 4, l.OutputChans)
	assert.InDelta(t, 5.0, l.Radius, 1e-9)
	assert.InDelta(t, 90.0, l.Speakers[1].DegAzimuth, 1e-9)
}

func TestLoad_YAML(t *testing.T) {
	var doc = []byte("speakers:\n  - azimuth: 0\n    elevation: 0\n    radius: 2\n    deviceChannel: 0\n")

	var l, err = layout.Load(doc)
	require.NoError(t, err)
	assert.Len(t, l.Speakers, 1)
	assert.InDelta(t, 2.0, l.Radius, 1e-9)
}

func TestLoad_SubwoofersExtendOutputChannels(t *testing.T) {
	var doc = []byte(`{
		"speakers": [
			{"azimuth": 0, "elevation": 0, "radius": 2, "deviceChannel": 0},
			{"azimuth": 1, "elevation": 0, "radius": 2, "deviceChannel": 1}
		],
		"subwoofers": [ {"channel": 4}, {"channel": 5} ]
	}`)

	var l, err = layout.Load(doc)
	require.NoError(t, err)
	assert.Equal(t, 6, l.OutputChans)
	assert.ElementsMatch(t, []int{4, 5}, l.SubwooferChannels())
}

func TestLoad_NonPositiveRadiusDefaultsToOne(t *testing.T) {
	var doc = []byte(`{"speakers": [{"azimuth": 0, "elevation": 0, "radius": -3, "deviceChannel": 0}]}`)

	var l, err = layout.Load(doc)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, l.Speakers[0].Radius, 1e-9)
}

func TestLoad_MalformedFailsLoudly(t *testing.T) {
	var _, err = layout.Load([]byte(`{"speakers": [`))
	assert.Error(t, err)
}

func TestLoad_NoSpeakersFails(t *testing.T) {
	var _, err = layout.Load([]byte(`{"speakers": []}`))
	assert.Error(t, err)
}

func TestLoad_Is2DThreshold(t *testing.T) {
	var doc = []byte(`{
		"speakers": [
			{"azimuth": 0, "elevation": 0, "radius": 2, "deviceChannel": 0},
			{"azimuth": 1, "elevation": 0.1, "radius": 2, "deviceChannel": 1}
		]
	}`)

	var l, err = layout.Load(doc)
	require.NoError(t, err)
	assert.False(t, l.Is2D)
	assert.InDelta(t, 0.0, l.MinElevRad, 1e-9)
	assert.InDelta(t, 0.1, l.MaxElevRad, math.Abs(1e-9))
}
