// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Builder layers YAML overlays on top of a base configuration. Only the
// fields present in an overlay replace the base values.
type Builder struct {
	yamls  []string
	files  []string
	Config *Config
}

// Use sets the base configuration; DefaultConfig is used when unset
func (b *Builder) Use(c *Config) *Builder {
	b.Config = c
	return b
}

// Merge adds YAML documents to be merged into the configuration
func (b *Builder) Merge(yamls ...string) *Builder {
	b.yamls = append(b.yamls, yamls...)
	return b
}

// MergeFiles adds YAML files to be merged after the inline documents
func (b *Builder) MergeFiles(paths ...string) *Builder {
	b.files = append(b.files, paths...)
	return b
}

// Build merges every overlay in order. Errors of all overlays are joined; the
// configuration is not validated.
func (b *Builder) Build() (*Config, error) {
	if b.Config == nil {
		b.Config = DefaultConfig()
	}

	overlays := make([]string, 0, len(b.yamls)+len(b.files))
	overlays = append(overlays, b.yamls...)

	var errs error
	for _, path := range b.files {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to read overlay: %w", err))
			continue
		}
		overlays = append(overlays, string(data))
	}

	for _, y := range overlays {
		if err := b.merge(y); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	if errs != nil {
		return nil, errs
	}
	b.Config.sanitize()
	return b.Config, nil
}

func (b *Builder) merge(y string) error {
	overlay := &Config{}
	if err := yaml.Unmarshal([]byte(y), overlay); err != nil {
		return fmt.Errorf("failed to parse YAML: %w, yaml: %s", err, y)
	}

	if err := mergo.Merge(b.Config, overlay, mergo.WithOverride, mergo.WithTransformers(boolPtrTransformer{})); err != nil {
		return fmt.Errorf("failed to merge config: %w, yaml: %s", err, y)
	}
	return nil
}

// boolPtrTransformer lets an overlay set an optional flag to false; mergo
// otherwise treats a pointer to false like an unset value.
type boolPtrTransformer struct{}

func (t boolPtrTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ != reflect.TypeOf((*bool)(nil)) {
		return nil
	}

	return func(dst, src reflect.Value) error {
		if src.IsNil() {
			return nil
		}
		if dst.CanSet() {
			dst.Set(src)
		}
		return nil
	}
}
