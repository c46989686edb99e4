// Copyright (c) Echobridge, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package config loads the optional YAML config file. The config carries
// static tags to stamp onto every transcript event and CEL rules that
// decide which events reach the sinks.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"echobridge.dev/event"
)

type Config struct {
	Tags  map[string]string `yaml:"tags"`
	Rules []Rule            `yaml:"rules"`
}

func (c *Config) Load(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	if err = yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	slog.Debug("parsed config", "tags", len(c.Tags), "rules", len(c.Rules))
	return nil
}

func (c *Config) Validate() error {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
	)
	if err != nil {
		return fmt.Errorf("create cel env: %w", err)
	}

	for index, rule := range c.Rules {
		switch rule.Then {
		case "include":
		case "exclude":
		default:
			return fmt.Errorf("config: invalid action in rule: %q. Expected either 'include' or 'exclude'", rule.Then)
		}

		ast, iss := env.Compile(rule.If)
		if err = iss.Err(); err != nil {
			return fmt.Errorf("compile program: %w", err)
		}
		if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
			return fmt.Errorf("typecheck program: Got %v, wanted %v result type", ast.OutputType(), cel.BoolType)
		}
		program, err := env.Program(ast)
		if err != nil {
			return fmt.Errorf("create program instance: %w", err)
		}
		c.Rules[index].program = program
	}

	// Test the rules on a representative event as a sanity check. Tags
	// that only appear on some events (like "peer" or "port") must be
	// has()-guarded in rule expressions.
	dummy := c.Template()
	dummy.Set("kind", "status")
	dummy.Set("session", "")
	dummy.Set("msg", "")
	for _, rule := range c.Rules {
		if _, err := rule.Matches(dummy); err != nil {
			return fmt.Errorf("config test: %w", err)
		}
	}

	return nil
}

// Template returns an event template carrying the config's static tags.
// Tags from the config file override the seeded hostname.
func (c *Config) Template() *event.Event {
	tmpl := event.New()
	if hostname, err := os.Hostname(); err == nil {
		tmpl.Set("hostname", hostname)
	}
	for key, val := range c.Tags {
		tmpl.Set(key, val)
	}
	return tmpl
}

func (c *Config) FindMatchingRule(ev *event.Event) (rule *Rule, found bool) {
	for _, rule := range c.Rules {
		matches, err := rule.Matches(ev)
		// Ignore errors here and skip this rule so that one bad rule
		// doesn't take the whole transcript down
		if err != nil {
			continue
		}

		if matches {
			return &rule, true
		}
	}

	return nil, false
}

// Allow reports whether the event should reach the sinks. The first
// matching rule decides; events that match no rule are included.
func (c *Config) Allow(ev *event.Event) bool {
	if rule, found := c.FindMatchingRule(ev); found {
		return rule.Then != "exclude"
	}
	return true
}

type Rule struct {
	If   string `yaml:"if"`
	Then string `yaml:"then"`

	program cel.Program
}

func (r *Rule) Matches(ev *event.Event) (bool, error) {
	tags := map[string]any{}
	for key, val := range ev.Tags() {
		tags[key] = val
	}

	out, _, err := r.program.Eval(map[string]any{
		"event": tags,
	})
	if err != nil {
		return false, fmt.Errorf("evaluating program on rule %q: %w", r.If, err)
	}

	match, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("evaluating program on rule %q: expected bool but got %T", r.If, out.Value())
	}

	return match, nil
}
