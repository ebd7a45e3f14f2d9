// Copyright 2020 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newFlags(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlags(t, "--debug", "--cpus=8", "--granules=1024", "--attest-max-ops=0"))
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 8; c.CPUs != want {
		t.Errorf("CPUs=%v, want: %v", c.CPUs, want)
	}
	if want := 1024; c.Granules != want {
		t.Errorf("Granules=%v, want: %v", c.Granules, want)
	}
	if want := 0; c.AttestMaxOps != want {
		t.Errorf("AttestMaxOps=%v, want: %v", c.AttestMaxOps, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	args := []string{"--cpus=2", "--log-format=json", "--check-lock-order=false", "--mem-base=4096"}
	c, err := NewFromFlags(newFlags(t, args...))
	if err != nil {
		t.Fatal(err)
	}
	c2, err := NewFromFlags(newFlags(t, c.ToFlags()...))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, c2); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"--log-format=xml"},
		{"--cpus=0"},
		{"--granules=-1"},
		{"--mem-base=100"},
		{"--max-ipa-bits=60"},
		{"--rec-aux=-1"},
		{"--max-run-iterations=0"},
	} {
		if _, err := NewFromFlags(newFlags(t, args...)); err == nil {
			t.Errorf("NewFromFlags(%v) succeeded", args)
		}
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rmmsim.toml")
	const contents = `
cpus = 3
granules = 512
debug = true
log_format = "json"
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	// The command line wins over the file.
	c, err := NewFromFlags(newFlags(t, "--config="+path, "--cpus=5"))
	if err != nil {
		t.Fatal(err)
	}
	if want := 5; c.CPUs != want {
		t.Errorf("CPUs=%v, want: %v", c.CPUs, want)
	}
	if want := 512; c.Granules != want {
		t.Errorf("Granules=%v, want: %v", c.Granules, want)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want: true")
	}
	if want := "json"; c.LogFormat != want {
		t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
	}

	if _, err := NewFromFlags(newFlags(t, "--config="+filepath.Join(t.TempDir(), "missing.toml"))); err == nil {
		t.Errorf("NewFromFlags with missing file succeeded")
	}
}

func TestCopy(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	cp := c.Copy()
	if diff := cmp.Diff(c, cp); diff != "" {
		t.Errorf("copy mismatch (-want +got):\n%s", diff)
	}
	cp.CPUs++
	if c.CPUs == cp.CPUs {
		t.Errorf("copy shares state with the original")
	}
	if got := c.Monitor().CPUs; got != c.CPUs {
		t.Errorf("Monitor().CPUs=%v, want: %v", got, c.CPUs)
	}
}
