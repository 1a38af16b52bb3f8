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

// Builder layers YAML fragments and files over a base configuration. Later
// layers override earlier ones.
type Builder struct {
	layers []layer
	Config *Config
}

type layer struct {
	source string
	yaml   string
	err    error
}

// Use sets the base configuration
func (b *Builder) Use(c *Config) *Builder {
	b.Config = c
	return b
}

// Merge adds YAML strings to be merged into the configuration
func (b *Builder) Merge(yamls ...string) *Builder {
	for _, y := range yamls {
		b.layers = append(b.layers, layer{source: "inline", yaml: y})
	}
	return b
}

// MergeFiles adds YAML files to be merged into the configuration. Read
// errors are reported by Build.
func (b *Builder) MergeFiles(paths ...string) *Builder {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		b.layers = append(b.layers, layer{source: p, yaml: string(data), err: err})
	}
	return b
}

// Build merges all layers into the base configuration, DefaultConfig when
// none was set with Use. The result is sanitized but not validated.
func (b *Builder) Build() (*Config, error) {
	if b.Config == nil {
		b.Config = DefaultConfig()
	}

	var errs error
	for _, l := range b.layers {
		if l.err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to read config %s: %w", l.source, l.err))
			continue
		}

		additional := &Config{}
		if err := yaml.Unmarshal([]byte(l.yaml), additional); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to parse YAML from %s: %w", l.source, err))
			continue
		}

		if err := mergo.Merge(b.Config, additional, mergo.WithOverride, mergo.WithTransformers(boolPtrTransformer{})); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to merge config from %s: %w", l.source, err))
			continue
		}
	}

	if errs != nil {
		return nil, errs
	}
	b.Config.sanitize()
	return b.Config, nil
}

// boolPtrTransformer lets an explicit false in a later layer override true
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
