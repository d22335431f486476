// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"sync"
)

// journal records lifecycle calls across services in call order
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, call)
}

func (j *journal) entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

// namedService implements only Service
type namedService struct {
	name string
}

func (s *namedService) Name() string { return s.name }

// initService implements Initializer
type initService struct {
	namedService
	log    *journal
	initFn func() error
}

func (s *initService) Init() error {
	s.log.add("init:" + s.name)
	if s.initFn != nil {
		return s.initFn()
	}
	return nil
}

// lifecycleService implements Initializer, Runner and Shutdowner
type lifecycleService struct {
	initService
	runFn      func(ctx context.Context) error
	shutdownFn func() error
}

func (s *lifecycleService) Run(ctx context.Context) error {
	s.log.add("run:" + s.name)
	if s.runFn != nil {
		return s.runFn(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *lifecycleService) Shutdown() error {
	s.log.add("shutdown:" + s.name)
	if s.shutdownFn != nil {
		return s.shutdownFn()
	}
	return nil
}

func newLifecycle(name string, log *journal) *lifecycleService {
	return &lifecycleService{initService: initService{namedService: namedService{name: name}, log: log}}
}

// closerService implements Initializer and Shutdowner but has no run loop
type closerService struct {
	initService
	shutdownErr error
}

func (s *closerService) Shutdown() error {
	s.log.add("shutdown:" + s.name)
	return s.shutdownErr
}

func newCloser(name string, log *journal) *closerService {
	return &closerService{initService: initService{namedService: namedService{name: name}, log: log}}
}
