// Package language holds the table of supported languages and how to build
// and run each one.
//
// LIFECYCLE:
// The registry is built once at startup (defaults, optionally patched from the
// config file) and never mutated afterwards. Every request reads from it
// concurrently without locks: an immutable value needs no synchronisation.
//
// COMMAND TEMPLATES:
// Commands are written as plain strings in the table ("gcc -o {bin} {src}")
// and split into argv ONCE, at startup, with shlex. Placeholders are then
// substituted argument-by-argument at run time. Nothing submitted by a user
// ever becomes part of a command line, and no shell is involved.
package language

import (
	"fmt"
	"path"
	"slices"
	"strings"
)

// Placeholders understood by command templates.
const (
	PlaceholderSource = "{src}" // absolute path of the source file
	PlaceholderBinary = "{bin}" // absolute path of the build output
	PlaceholderDir    = "{dir}" // the workspace directory itself
)

// BinaryName is the file name compiled languages write their program to.
const BinaryName = "program"

// Definition is the configuration-facing description of a language.
// It is what the built-in table and the YAML config both speak.
type Definition struct {
	ID    string   `mapstructure:"id" yaml:"id"`
	Name  string   `mapstructure:"name" yaml:"name"`
	File  string   `mapstructure:"file" yaml:"file"`
	Image string   `mapstructure:"image" yaml:"image"`
	Build string   `mapstructure:"build" yaml:"build,omitempty"`
	Run   string   `mapstructure:"run" yaml:"run"`
	Env   []string `mapstructure:"env" yaml:"env,omitempty"`
}

// Spec is a validated, parsed language entry.
type Spec struct {
	ID       string
	Name     string
	FileName string
	Image    string
	Build    []string
	Run      []string
	Env      []string
}

// clone copies the slices so callers cannot reach the registry's storage.
func (s Spec) clone() Spec {
	s.Build = slices.Clone(s.Build)
	s.Run = slices.Clone(s.Run)
	s.Env = slices.Clone(s.Env)
	return s
}

// Compiled reports whether the language has a build phase.
func (s Spec) Compiled() bool {
	return len(s.Build) > 0
}

// SourcePath is where the submitted code lives inside dir.
func (s Spec) SourcePath(dir string) string {
	return path.Join(dir, s.FileName)
}

// BuildArgs returns the build argv for a workspace mounted at dir,
// or nil for interpreted languages.
func (s Spec) BuildArgs(dir string) []string {
	if !s.Compiled() {
		return nil
	}
	return s.expand(s.Build, dir)
}

// RunArgs returns the run argv for a workspace mounted at dir.
func (s Spec) RunArgs(dir string) []string {
	return s.expand(s.Run, dir)
}

func (s Spec) expand(tpl []string, dir string) []string {
	r := strings.NewReplacer(
		PlaceholderSource, s.SourcePath(dir),
		PlaceholderBinary, path.Join(dir, BinaryName),
		PlaceholderDir, dir,
	)
	out := make([]string, len(tpl))
	for i, arg := range tpl {
		out[i] = r.Replace(arg)
	}
	return out
}

// validateFileName rejects anything that could escape the workspace.
func validateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("file name is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("file name %q must be a bare file name", name)
	}
	if name == BinaryName {
		return fmt.Errorf("file name %q collides with the build output", name)
	}
	return nil
}
