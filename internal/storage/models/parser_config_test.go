package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeParserConfigCoercesRaptor(t *testing.T) {
	raw := map[string]any{
		"chunk_token_num": "512",
		"raptor": map[string]any{
			"use_raptor":  true,
			"max_cluster": 32.0,
			"max_token":   "128",
			"random_seed": "7",
			"threshold":   "0.25",
		},
	}

	cfg, err := NormalizeParserConfig(raw)
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.ChunkTokenNum)
	require.NotNil(t, cfg.Raptor)
	assert.Equal(t, 32, cfg.Raptor.MaxCluster)
	assert.Equal(t, 128, cfg.Raptor.MaxToken)
	assert.Equal(t, 7, cfg.Raptor.RandomSeed)
	assert.InDelta(t, 0.25, cfg.Raptor.Threshold, 1e-9)
}

func TestNormalizeParserConfigRaptorDefaults(t *testing.T) {
	cfg, err := NormalizeParserConfig(map[string]any{
		"raptor": map[string]any{"use_raptor": "true"},
	})
	require.NoError(t, err)

	require.NotNil(t, cfg.Raptor)
	assert.Equal(t, DefaultRaptorMaxToken, cfg.Raptor.MaxToken)
	assert.Equal(t, DefaultRaptorMaxCluster, cfg.Raptor.MaxCluster)
	assert.Equal(t, DefaultRaptorThreshold, cfg.Raptor.Threshold)
}

func TestNormalizeParserConfigRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		raw   map[string]any
		field string
	}{
		{"bad token budget", map[string]any{"chunk_token_num": "lots"}, "chunk_token_num"},
		{"negative page size", map[string]any{"task_page_size": -1}, "task_page_size"},
		{"bad seed", map[string]any{"raptor": map[string]any{"random_seed": []any{1}}}, "raptor.random_seed"},
		{"threshold range", map[string]any{"raptor": map[string]any{"threshold": 3}}, "raptor.threshold"},
		{"bad pages", map[string]any{"pages": []any{[]any{5.0, 1.0}}}, "pages"},
		{"raptor not object", map[string]any{"raptor": "yes"}, "raptor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeParserConfig(tt.raw)
			require.Error(t, err)
			var fe *FieldError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestParserConfigJSONKeepsExtraKeys(t *testing.T) {
	in := []byte(`{"chunk_token_num":256,"pages":[[1,10]],"entity_types":["person"],"layout_recognize":false}`)

	var cfg ParserConfig
	require.NoError(t, json.Unmarshal(in, &cfg))
	assert.Equal(t, 256, cfg.ChunkTokenNum)
	assert.Equal(t, [][2]int{{1, 10}}, cfg.Pages)
	assert.False(t, cfg.LayoutEnabled())
	assert.Contains(t, cfg.Extra, "entity_types")

	out, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
}

func TestParserConfigEqual(t *testing.T) {
	a := DefaultParserConfig()
	b := DefaultParserConfig()
	assert.True(t, a.Equal(b))

	b.ChunkTokenNum = 64
	assert.False(t, a.Equal(b))
}

func TestParseRunStatus(t *testing.T) {
	tests := map[string]RunStatus{
		"RUNNING":   RunRunning,
		"running":   RunRunning,
		"1":         RunRunning,
		"2":         RunCancel,
		"cancelled": RunCancel,
		"DONE":      RunDone,
	}
	for in, want := range tests {
		got, ok := ParseRunStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ParseRunStatus("paused")
	assert.False(t, ok)
}
