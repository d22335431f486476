// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	t.Run("initializes in order and skips plain services", func(t *testing.T) {
		log := &journal{}
		services := []Service{
			newLifecycle("monitor", log),
			&namedService{name: "plain"},
			&initService{namedService: namedService{name: "stdout"}, log: log},
		}

		require.NoError(t, Init(nil, services))
		assert.Equal(t, []string{"init:monitor", "init:stdout"}, log.entries())
	})

	t.Run("failure rolls back in reverse order", func(t *testing.T) {
		log := &journal{}
		initErr := errors.New("no devices")

		first := newLifecycle("monitor", log)
		second := newLifecycle("prometheus", log)
		third := newLifecycle("server", log)
		third.initFn = func() error { return initErr }
		never := newLifecycle("stdout", log)

		err := Init(nil, []Service{first, second, third, never})
		require.Error(t, err)
		assert.ErrorIs(t, err, initErr)
		assert.Contains(t, err.Error(), "failed to initialize service server")

		assert.Equal(t, []string{
			"init:monitor", "init:prometheus", "init:server",
			"shutdown:prometheus", "shutdown:monitor",
		}, log.entries())
	})

	t.Run("rollback shutdown errors are joined", func(t *testing.T) {
		log := &journal{}
		initErr := errors.New("init error")
		shutdownErr := errors.New("shutdown error")

		first := newLifecycle("monitor", log)
		first.shutdownFn = func() error { return shutdownErr }
		second := newLifecycle("server", log)
		second.initFn = func() error { return initErr }

		err := Init(nil, []Service{first, second})
		assert.ErrorIs(t, err, initErr)
		assert.ErrorIs(t, err, shutdownErr)
	})

	t.Run("services without shutdown are not rolled back", func(t *testing.T) {
		log := &journal{}
		initErr := errors.New("init error")
		services := []Service{
			&initService{namedService: namedService{name: "a"}, log: log},
			&initService{namedService: namedService{name: "b"}, log: log, initFn: func() error { return initErr }},
		}

		assert.ErrorIs(t, Init(nil, services), initErr)
		assert.Equal(t, []string{"init:a", "init:b"}, log.entries())
	})

	t.Run("empty list", func(t *testing.T) {
		assert.NoError(t, Init(nil, nil))
	})
}
