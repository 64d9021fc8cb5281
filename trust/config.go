// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// optionFile is the YAML layout of Options.
type optionFile struct {
	Options `yaml:",inline"`
	XScale  scaleOption `yaml:"x_scale"`
}

// scaleOption accepts either "auto" ("jac") or a list of positive numbers.
type scaleOption struct {
	auto   bool
	values []float64
}

func (s *scaleOption) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch strings.ToLower(node.Value) {
		case "auto", "jac":
			s.auto = true
			return nil
		}
		return fmt.Errorf("%w: line %d: x_scale must be \"auto\", \"jac\" or a list", ErrInvalidConfig, node.Line)
	case yaml.SequenceNode:
		return node.Decode(&s.values)
	default:
		return fmt.Errorf("%w: line %d: x_scale must be \"auto\", \"jac\" or a list", ErrInvalidConfig, node.Line)
	}
}

func (m *Method) UnmarshalYAML(node *yaml.Node) error {
	var name string
	if err := node.Decode(&name); err != nil {
		return err
	}
	method, err := ParseMethod(name)
	if err != nil {
		return err
	}
	*m = method
	return nil
}

// LoadOptions decodes YAML options on top of DefaultOptions.
//
// Keys use the snake case names of the Options fields, a tolerance set to
// .nan disables its test and x_scale accepts "auto" or a list.
// Unrecognized keys are rejected with ErrUnknownOption.
func LoadOptions(r io.Reader) (Options, error) {
	file := optionFile{Options: DefaultOptions()}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			for _, msg := range typeErr.Errors {
				if strings.Contains(msg, "not found in type") {
					return Options{}, fmt.Errorf("%w: %s", ErrUnknownOption, msg)
				}
			}
		}
		if errors.Is(err, ErrInvalidConfig) {
			return Options{}, err
		}
		return Options{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	opts := file.Options
	opts.AutoScale = file.XScale.auto
	opts.XScale = file.XScale.values
	return opts, nil
}
