package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetReturnsCopy(t *testing.T) {
	initial := map[string]interface{}{"env": "test"}
	s := New(initial)

	initial["env"] = "mutated"
	got := s.Get()
	assert.Equal(t, "test", got["env"])

	got["env"] = "changed"
	v, ok := s.Value("env")
	require.True(t, ok)
	assert.Equal(t, "test", v)
}

func TestStore_Update(t *testing.T) {
	s := New(map[string]interface{}{
		"db": map[string]interface{}{"host": "localhost", "port": 5432},
	})

	s.Update(map[string]interface{}{
		"db":    map[string]interface{}{"host": "db.internal"},
		"debug": true,
	})

	got := s.Get()
	assert.Equal(t, map[string]interface{}{"host": "db.internal"}, got["db"])
	assert.Equal(t, true, got["debug"])
}

func TestStore_DeepUpdate(t *testing.T) {
	original := map[string]interface{}{"host": "localhost", "port": 5432}
	s := New(map[string]interface{}{
		"db":   original,
		"name": "app",
	})

	s.DeepUpdate(map[string]interface{}{
		"db": map[string]interface{}{
			"host": "db.internal",
			"pool": map[string]interface{}{"size": 10},
		},
		"name": map[string]interface{}{"short": "a"},
	})

	got := s.Get()
	assert.Equal(t, map[string]interface{}{
		"host": "db.internal",
		"port": 5432,
		"pool": map[string]interface{}{"size": 10},
	}, got["db"])
	assert.Equal(t, map[string]interface{}{"short": "a"}, got["name"])
	assert.Equal(t, "localhost", original["host"])
}

func TestStore_Decode(t *testing.T) {
	s := New(map[string]interface{}{
		"cache": map[string]interface{}{
			"size": "128",
			"ttl":  "5m",
			"tags": "a,b",
		},
	})

	var cfg struct {
		Size int           `mapstructure:"size"`
		TTL  time.Duration `mapstructure:"ttl"`
		Tags []string      `mapstructure:"tags"`
	}
	require.NoError(t, s.DecodeKey("cache", &cfg))
	assert.Equal(t, 128, cfg.Size)
	assert.Equal(t, 5*time.Minute, cfg.TTL)
	assert.Equal(t, []string{"a", "b"}, cfg.Tags)

	err := s.DecodeKey("missing", &cfg)
	assert.Error(t, err)
}
