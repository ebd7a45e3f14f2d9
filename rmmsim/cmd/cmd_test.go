// Copyright 2026 The gVisor Authors.
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


package cmd

import (
	"bytes"
	"flag"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rmm/rmmsim/config"
)

func testConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags(%v): %v", args, err)
	}
	return conf
}

func TestChallengeFlag(t *testing.T) {
	var c challengeFlag
	if err := c.Set("0102"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	regs := c.regs()
	if got, want := regs[0], uint64(0x0201); got != want {
		t.Errorf("first register: got %#x, wanted %#x", got, want)
	}
	if !strings.HasPrefix(c.String(), "0102000000") {
		t.Errorf("String: got %q", c.String())
	}
	for _, bad := range []string{"xyz", strings.Repeat("00", len(c)+1)} {
		if err := c.Set(bad); err == nil {
			t.Errorf("Set(%q) succeeded", bad)
		}
	}
}

func TestScenario(t *testing.T) {
	for _, algo := range []string{"sha256", "sha512"} {
		t.Run(algo, func(t *testing.T) {
			conf := testConfig(t, "--granules=128", "--cpus=1", "--attest-max-ops=1")
			s := &Scenario{entries: 256, hashAlgo: algo, message: "ok\n"}
			if err := s.challenge.Set("c0ffee"); err != nil {
				t.Fatal(err)
			}
			var out bytes.Buffer
			if err := s.run(conf, &out); err != nil {
				t.Fatalf("run: %v", err)
			}
			for _, want := range []string{`console: "ok\n"`, "signature verified"} {
				if !strings.Contains(out.String(), want) {
					t.Errorf("output %q does not contain %q", out.String(), want)
				}
			}
		})
	}
}

func TestScenarioBadAlgo(t *testing.T) {
	conf := testConfig(t, "--granules=64", "--cpus=1")
	s := &Scenario{entries: 16, hashAlgo: "md5"}
	if err := s.run(conf, &bytes.Buffer{}); err == nil {
		t.Errorf("run with unknown algorithm succeeded")
	}
}

func TestScenarioBudget(t *testing.T) {
	conf := testConfig(t, "--granules=64", "--cpus=1")
	s := &Scenario{entries: 1, hashAlgo: "sha256", message: "too long for one entry"}
	if err := s.run(conf, &bytes.Buffer{}); err == nil {
		t.Errorf("run with a budget of one entry succeeded")
	}
}

func TestStress(t *testing.T) {
	conf := testConfig(t, "--granules=128", "--cpus=4", "--max-run-iterations=4")
	s := &Stress{entries: 50, recs: 2}
	var out bytes.Buffer
	if err := s.run(conf, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.String(), "200 entries on 4 CPUs to 2 RECs") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestPrintConfig(t *testing.T) {
	conf := testConfig(t, "--cpus=3", "--granules=512")

	var out bytes.Buffer
	if err := (&PrintConfig{}).print(conf, &out); err != nil {
		t.Fatalf("print: %v", err)
	}
	var got config.Config
	if _, err := toml.Decode(out.String(), &got); err != nil {
		t.Fatalf("decoding %q: %v", out.String(), err)
	}
	if diff := cmp.Diff(conf, &got); diff != "" {
		t.Errorf("config mismatch after round trip (-want +got):\n%s", diff)
	}

	out.Reset()
	if err := (&PrintConfig{flags: true}).print(conf, &out); err != nil {
		t.Fatalf("print: %v", err)
	}
	if got, want := strings.TrimSpace(out.String()), "--granules=512 --cpus=3"; got != want {
		t.Errorf("flags: got %q, wanted %q", got, want)
	}
}
