// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestBindFlags_BasicTypes(t *testing.T) {
	type params struct {
		Target   string        `flag:"target" desc:"target name"`
		Force    bool          `flag:"force,f" desc:"override checks"`
		Jobs     int           `flag:"jobs" desc:"parallel builds"`
		MinFree  int64         `flag:"min-free-mb" desc:"free space floor"`
		Ratio    float64       `flag:"ratio" desc:"ratio"`
		Timeout  time.Duration `flag:"timeout" desc:"connect timeout"`
		Options  []string      `flag:"ssh-option" desc:"extra ssh options"`
		Untagged string
	}

	var p params
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(&p, flagSet); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}

	err := flagSet.Parse([]string{
		"--target", "prod-server",
		"-f",
		"--jobs", "4",
		"--min-free-mb", "4096",
		"--ratio", "0.5",
		"--timeout", "15s",
		"--ssh-option", "Compression=yes,BatchMode=yes",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if p.Target != "prod-server" {
		t.Errorf("Target = %q, want %q", p.Target, "prod-server")
	}
	if !p.Force {
		t.Error("Force = false, want true")
	}
	if p.Jobs != 4 {
		t.Errorf("Jobs = %d, want 4", p.Jobs)
	}
	if p.MinFree != 4096 {
		t.Errorf("MinFree = %d, want 4096", p.MinFree)
	}
	if p.Ratio != 0.5 {
		t.Errorf("Ratio = %f, want 0.5", p.Ratio)
	}
	if p.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", p.Timeout)
	}
	if len(p.Options) != 2 || p.Options[0] != "Compression=yes" || p.Options[1] != "BatchMode=yes" {
		t.Errorf("Options = %v", p.Options)
	}
	if p.Untagged != "" {
		t.Errorf("Untagged = %q, want empty", p.Untagged)
	}
}

func TestBindFlags_Defaults(t *testing.T) {
	type params struct {
		Host    string        `flag:"host" default:"localhost"`
		Port    int           `flag:"port" default:"22"`
		Timeout time.Duration `flag:"timeout" default:"10s"`
		Backup  bool          `flag:"backup" default:"true"`
		Tags    []string      `flag:"tags" default:"x,y"`
	}

	var p params
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(&p, flagSet); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := flagSet.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if p.Host != "localhost" || p.Port != 22 || p.Timeout != 10*time.Second || !p.Backup {
		t.Errorf("defaults = %+v", p)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "x" || p.Tags[1] != "y" {
		t.Errorf("Tags = %v, want [x y]", p.Tags)
	}
}

type testLocation struct {
	Dir string
}

func (l *testLocation) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&l.Dir, "config-dir", "", "configuration directory")
}

func TestBindFlags_FlagBinder(t *testing.T) {
	type params struct {
		Location testLocation
		Name     string `flag:"name"`
	}

	var p params
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(&p, flagSet); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := flagSet.Parse([]string{"--config-dir", "/etc/nix-deploy", "--name", "lab"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Location.Dir != "/etc/nix-deploy" || p.Name != "lab" {
		t.Errorf("params = %+v", p)
	}
}

func TestBindFlags_EmbeddedHelpers(t *testing.T) {
	type params struct {
		JSONOutput
		Verbosity
		Target string `flag:"target"`
	}

	var p params
	flagSet := FlagsFromParams("deploy", &p)
	for _, name := range []string{"json", "verbose", "debug", "target"} {
		if flagSet.Lookup(name) == nil {
			t.Errorf("--%s not registered", name)
		}
	}

	if err := flagSet.Parse([]string{"-d", "--json"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.OutputJSON {
		t.Error("OutputJSON = false, want true")
	}
	if got := p.Level(); got != slog.LevelDebug {
		t.Errorf("Level = %v, want debug when --debug is set", got)
	}
}

func TestVerbosityLevel(t *testing.T) {
	tests := []struct {
		name      string
		verbosity Verbosity
		want      slog.Level
	}{
		{"quiet", Verbosity{}, slog.LevelInfo},
		{"verbose", Verbosity{Verbose: true}, slog.LevelDebug},
		{"debug", Verbosity{Debug: true}, slog.LevelDebug},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.verbosity.Level(); got != test.want {
				t.Errorf("Level = %v, want %v", got, test.want)
			}
		})
	}
}

func TestBindFlags_Errors(t *testing.T) {
	type named struct {
		Name string `flag:"name"`
	}
	type badDefault struct {
		Count int `flag:"count" default:"not_a_number"`
	}
	type unsupported struct {
		Ratio float32 `flag:"ratio"`
	}

	var value named
	text := "not a struct"
	tests := []struct {
		name   string
		params any
		want   string
	}{
		{"not a pointer", value, "params must be a pointer to a struct"},
		{"not a struct", &text, "params must be a pointer to a struct"},
		{"bad default", &badDefault{}, "default for --count"},
		{"unsupported type", &unsupported{}, "unsupported type"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := BindFlags(test.params, pflag.NewFlagSet("test", pflag.ContinueOnError))
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("BindFlags error = %v, want %q", err, test.want)
			}
		})
	}
}

func TestFlagsFromParams_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil input, got none")
		}
	}()
	FlagsFromParams("test", nil)
}
