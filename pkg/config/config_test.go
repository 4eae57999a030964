package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", StorageMemory)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 5*time.Second, cfg.TypingTTL)
	assert.Equal(t, FanoutBroadcast, cfg.CreatedFanout)
	assert.Equal(t, []string{"*"}, cfg.WSAllowedOrigins)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown driver":      {"STORAGE_DRIVER": "postgres"},
		"firestore project":   {"STORAGE_DRIVER": StorageFirestore, "FIREBASE_PROJECT_ID": ""},
		"unknown fanout":      {"STORAGE_DRIVER": StorageMemory, "CONVERSATION_CREATED_FANOUT": "everyone"},
		"non positive ttl":    {"STORAGE_DRIVER": StorageMemory, "TYPING_TTL": "0s"},
		"non positive buffer": {"STORAGE_DRIVER": StorageMemory, "WS_SEND_BUFFER": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
