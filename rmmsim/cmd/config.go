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
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"gvisor.dev/rmm/rmmsim/cmd/util"
	"gvisor.dev/rmm/rmmsim/config"
)

// PrintConfig implements subcommands.Command for the "config" command.
type PrintConfig struct {
	flags bool
}

// Name implements subcommands.Command.Name.
func (*PrintConfig) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PrintConfig) Synopsis() string {
	return "Print the effective configuration."
}

// Usage implements subcommands.Command.Usage.
func (*PrintConfig) Usage() string {
	return `config [flags] - Print the effective configuration as TOML, suitable for --config.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *PrintConfig) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.flags, "flags", false, "print the flags that differ from the defaults instead.")
}

// Execute implements subcommands.Command.Execute.
func (p *PrintConfig) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := p.print(conf, os.Stdout); err != nil {
		util.Fatalf("printing config: %v", err)
	}
	return subcommands.ExitSuccess
}

func (p *PrintConfig) print(conf *config.Config, w io.Writer) error {
	if p.flags {
		_, err := fmt.Fprintln(w, strings.Join(conf.ToFlags(), " "))
		return err
	}
	return toml.NewEncoder(w).Encode(conf)
}
