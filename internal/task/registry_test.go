package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopHandler is a minimal handler for registry tests.
func noopHandler(ctx context.Context, args json.RawMessage) (any, error) {
	return nil, nil
}

func TestRegistryRegister(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		reg := NewRegistry()
		err := reg.Register(Definition{Name: "send-email", Handler: noopHandler})
		require.NoError(t, err)

		def, err := reg.Get("send-email")
		require.NoError(t, err)
		assert.Equal(t, DefaultQueue, def.Config.Queue, "unset queue should default")
		assert.Equal(t, DefaultTimeout, def.Config.Timeout, "unset timeout should default")
		assert.Equal(t, 0, def.Config.MaxRetries)
	})

	t.Run("keeps explicit config", func(t *testing.T) {
		reg := NewRegistry()
		err := reg.Register(Definition{
			Name:    "resize-image",
			Handler: noopHandler,
			Config: Config{
				Queue:      "media",
				Timeout:    5 * time.Second,
				MaxRetries: 3,
				Cron:       "*/5 * * * *",
			},
		})
		require.NoError(t, err)

		def, err := reg.Get("resize-image")
		require.NoError(t, err)
		assert.Equal(t, "media", def.Config.Queue)
		assert.Equal(t, 5*time.Second, def.Config.Timeout)
		assert.Equal(t, 3, def.Config.MaxRetries)
		assert.Equal(t, "*/5 * * * *", def.Config.Cron)
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(Definition{Name: "send-email", Handler: noopHandler}))

		err := reg.Register(Definition{Name: "send-email", Handler: noopHandler})
		assert.ErrorIs(t, err, ErrDuplicateTask)
	})

	t.Run("rejects invalid definitions", func(t *testing.T) {
		testCases := []struct {
			name string
			def  Definition
		}{
			{name: "empty name", def: Definition{Handler: noopHandler}},
			{name: "nil handler", def: Definition{Name: "broken"}},
			{
				name: "negative retries",
				def: Definition{
					Name:    "broken",
					Handler: noopHandler,
					Config:  Config{MaxRetries: -1},
				},
			},
			{
				name: "negative timeout",
				def: Definition{
					Name:    "broken",
					Handler: noopHandler,
					Config:  Config{Timeout: -time.Second},
				},
			},
			{
				name: "bad cron expression",
				def: Definition{
					Name:    "broken",
					Handler: noopHandler,
					Config:  Config{Cron: "every day at noon"},
				},
			},
			{
				name: "six-field cron expression",
				def: Definition{
					Name:    "broken",
					Handler: noopHandler,
					Config:  Config{Cron: "0 0 * * * *"},
				},
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				reg := NewRegistry()
				err := reg.Register(tc.def)
				assert.ErrorIs(t, err, ErrInvalidDefinition)
			})
		}
	})
}

func TestRegistryGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{Name: "send-email", Handler: noopHandler}))

	_, err := reg.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrUnknownTask)

	def, err := reg.Get("send-email")
	require.NoError(t, err)
	assert.Equal(t, "send-email", def.Name)
}

func TestRegistryDefinitions(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{Name: "zeta", Handler: noopHandler}))
	require.NoError(t, reg.Register(Definition{Name: "alpha", Handler: noopHandler}))
	require.NoError(t, reg.Register(Definition{
		Name:    "cleanup",
		Handler: noopHandler,
		Config:  Config{Cron: "0 * * * *"},
	}))

	defs := reg.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].Name, "definitions should be sorted by name")
	assert.Equal(t, "cleanup", defs[1].Name)
	assert.Equal(t, "zeta", defs[2].Name)

	crons := reg.CronDefinitions()
	require.Len(t, crons, 1, "only tasks with a cron expression should be listed")
	assert.Equal(t, "cleanup", crons[0].Name)

	assert.Equal(t, 3, reg.Len())
}

func TestRegistryMustRegister(t *testing.T) {
	reg := NewRegistry()
	assert.NotPanics(t, func() {
		reg.MustRegister(Definition{Name: "ok", Handler: noopHandler})
	})
	assert.Panics(t, func() {
		reg.MustRegister(Definition{Name: "ok", Handler: noopHandler})
	}, "registering a duplicate should panic")
}

func TestNonRetryable(t *testing.T) {
	assert.Nil(t, NonRetryable(nil), "wrapping nil should stay nil")

	base := assert.AnError
	wrapped := NonRetryable(base)
	assert.True(t, IsNonRetryable(wrapped))
	assert.ErrorIs(t, wrapped, base, "wrapped error should still match the original")
	assert.False(t, IsNonRetryable(base))
	assert.Equal(t, base.Error(), wrapped.Error())
}

func TestMarshalArgs(t *testing.T) {
	raw, err := MarshalArgs(map[string]int{"n": 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(raw))

	raw, err = MarshalArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	raw, err = MarshalArgs(json.RawMessage(`{"pre":"encoded"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"pre":"encoded"}`, string(raw), "raw JSON should pass through untouched")

	raw, err = MarshalArgs(json.RawMessage(nil))
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw), "empty raw JSON should become null")

	_, err = MarshalArgs(make(chan int))
	assert.Error(t, err, "unserializable args should fail")
}
