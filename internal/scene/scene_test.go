package scene_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domespan/atmosrender/internal/scene"
)

func TestLoad_BasicAudioObject(t *testing.T) {
	var doc = []byte(`{
		"version": "0.5",
		"sampleRate": 48000,
		"timeUnit": "seconds",
		"duration": 1.0,
		"frames": [
			{"time": 0, "nodes": [{"id": "11.1", "type": "audio_object", "cart": [0,1,0]}]}
		]
	}`)

	var sc, err = scene.Load(doc)
	require.NoError(t, err)
	assert.Equal(t, 48000, sc.SampleRate)
	assert.InDelta(t, 1.0, sc.Duration, 1e-9)
	require.Contains(t, sc.Sources, "11.1")
	require.Len(t, sc.Sources["11.1"].Keyframes, 1)
	assert.Equal(t, 0.0, sc.Sources["11.1"].Keyframes[0].Time)
}

func TestLoad_SamplesTimeUnit(t *testing.T) {
	var doc = []byte(`{
		"sampleRate": 48000,
		"timeUnit": "samples",
		"duration": 1.0,
		"frames": [
			{"time": 24000, "nodes": [{"id": "1.1", "type": "audio_object", "cart": [1,0,0]}]}
		]
	}`)

	var sc, err = scene.Load(doc)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, sc.Sources["1.1"].Keyframes[0].Time, 1e-9)
}

func TestLoad_MillisecondsTimeUnit(t *testing.T) {
	var doc = []byte(`{
		"sampleRate": 48000,
		"timeUnit": "milliseconds",
		"duration": 1.0,
		"frames": [
			{"time": 500, "nodes": [{"id": "1.1", "type": "audio_object", "cart": [1,0,0]}]}
		]
	}`)

	var sc, err = scene.Load(doc)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, sc.Sources["1.1"].Keyframes[0].Time, 1e-9)
}

func TestLoad_LFENode(t *testing.T) {
	var doc = []byte(`{
		"sampleRate": 48000,
		"timeUnit": "seconds",
		"duration": 1.0,
		"frames": [ {"time": 0, "nodes": [{"id": "LFE", "type": "LFE"}]} ]
	}`)

	var sc, err = scene.Load(doc)
	require.NoError(t, err)
	require.Contains(t, sc.Sources, "LFE")
	assert.True(t, sc.Sources["LFE"].IsLFE)
}

func TestLoad_UnknownNodeTypeIgnored(t *testing.T) {
	var doc = []byte(`{
		"sampleRate": 48000,
		"timeUnit": "seconds",
		"duration": 1.0,
		"frames": [ {"time": 0, "nodes": [{"id": "x", "type": "spectral_features"}]} ]
	}`)

	var sc, err = scene.Load(doc)
	require.NoError(t, err)
	assert.NotContains(t, sc.Sources, "x")
}

func TestSanitise_ZeroLengthDirectionBecomesFront(t *testing.T) {
	var doc = []byte(`{
		"sampleRate": 48000,
		"timeUnit": "seconds",
		"duration": 1.0,
		"frames": [
			{"time": 0, "nodes": [{"id": "s", "type": "audio_object", "cart": [1,0,0]}]},
			{"time": 1, "nodes": [{"id": "s", "type": "audio_object", "cart": [0,0,0]}]}
		]
	}`)

	var sc, err = scene.Load(doc)
	require.NoError(t, err)
	var kfs = sc.Sources["s"].Keyframes
	require.Len(t, kfs, 2)
	// Zero-length direction replaced with front (0,1,0).
	assert.Equal(t, scene.Keyframe{Time: 1, X: 0, Y: 1, Z: 0}, kfs[1])
}

func TestSanitise_DuplicateTimeKeepsLatest(t *testing.T) {
	var doc = []byte(`{
		"sampleRate": 48000,
		"timeUnit": "seconds",
		"duration": 1.0,
		"frames": [
			{"time": 0, "nodes": [{"id": "s", "type": "audio_object", "cart": [1,0,0]}]},
			{"time": 0, "nodes": [{"id": "s", "type": "audio_object", "cart": [0,1,0]}]}
		]
	}`)

	var sc, err = scene.Load(doc)
	require.NoError(t, err)
	var kfs = sc.Sources["s"].Keyframes
	require.Len(t, kfs, 1)
	assert.Equal(t, 0.0, kfs[0].X)
	assert.Equal(t, 1.0, kfs[0].Y)
}

func TestSanitise_OutOfOrderIsSorted(t *testing.T) {
	var doc = []byte(`{
		"sampleRate": 48000,
		"timeUnit": "seconds",
		"duration": 2.0,
		"frames": [
			{"time": 1, "nodes": [{"id": "s", "type": "audio_object", "cart": [0,1,0]}]},
			{"time": 0, "nodes": [{"id": "s", "type": "audio_object", "cart": [1,0,0]}]}
		]
	}`)

	var sc, err = scene.Load(doc)
	require.NoError(t, err)
	var kfs = sc.Sources["s"].Keyframes
	require.Len(t, kfs, 2)
	assert.True(t, kfs[0].Time < kfs[1].Time)
}

func TestLoad_MissingSampleRateFails(t *testing.T) {
	var _, err = scene.Load([]byte(`{"sampleRate": 0, "frames": []}`))
	assert.Error(t, err)
}

func TestLoad_DurationDerivedWhenAbsent(t *testing.T) {
	var doc = []byte(`{
		"sampleRate": 48000,
		"timeUnit": "seconds",
		"frames": [
			{"time": 3.5, "nodes": [{"id": "s", "type": "audio_object", "cart": [1,0,0]}]}
		]
	}`)

	var sc, err = scene.Load(doc)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, sc.Duration, 1e-9)
}

func TestIdempotence_LoadTwiceSameKeyframes(t *testing.T) {
	var doc = []byte(`{
		"sampleRate": 48000,
		"timeUnit": "seconds",
		"duration": 1.0,
		"frames": [
			{"time": 1, "nodes": [{"id": "s", "type": "audio_object", "cart": [0,1,0]}]},
			{"time": 0, "nodes": [{"id": "s", "type": "audio_object", "cart": [1,0,0]}]}
		]
	}`)

	var sc1, err1 = scene.Load(doc)
	require.NoError(t, err1)
	var sc2, err2 = scene.Load(doc)
	require.NoError(t, err2)
	assert.Equal(t, sc1.Sources["s"].Keyframes, sc2.Sources["s"].Keyframes)
}

func TestResolveTimeUnit_HeuristicInfersSamples(t *testing.T) {
	// max time (47999) vastly exceeds duration (1s) but matches sampleRate*duration.
	var doc = []byte(`{
		"sampleRate": 48000,
		"duration": 1.0,
		"frames": [
			{"time": 47999, "nodes": [{"id": "s", "type": "audio_object", "cart": [1,0,0]}]}
		]
	}`)

	var sc, err = scene.Load(doc)
	require.NoError(t, err)
	assert.InDelta(t, 47999.0/48000.0, sc.Sources["s"].Keyframes[0].Time, 1e-6)
	assert.True(t, math.IsNaN(math.NaN())) // sanity on imported math
}
