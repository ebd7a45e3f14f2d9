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


package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLevelText(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "warning", want: Warning},
		{in: "Info", want: Info},
		{in: "DEBUG", want: Debug},
		{in: "0", want: Warning},
		{in: "2", want: Debug},
		{in: "3", wantErr: true},
		{in: "loud", wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			var lv Level
			err := lv.UnmarshalText([]byte(tc.in))
			if (err != nil) != tc.wantErr {
				t.Fatalf("UnmarshalText(%q): got err %v, wanted error %t", tc.in, err, tc.wantErr)
			}
			if err == nil && lv != tc.want {
				t.Errorf("UnmarshalText(%q): got %v, wanted %v", tc.in, lv, tc.want)
			}
		})
	}

	if _, err := Level(7).MarshalText(); err == nil {
		t.Errorf("MarshalText of level 7 succeeded")
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e.Emit(0, Info, ts, "granule %#x delegated", 0x80000000)

	if len(tw.lines) != 2 || tw.lines[1] != "\n" {
		t.Fatalf("got lines %q, wanted one object and a newline", tw.lines)
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("Unmarshal(%q): %v", tw.lines[0], err)
	}
	if got.Msg != "granule 0x80000000 delegated" {
		t.Errorf("msg: got %q", got.Msg)
	}
	if got.Level != Info {
		t.Errorf("level: got %v, wanted %v", got.Level, Info)
	}
	if !got.Time.Equal(ts) {
		t.Errorf("time: got %v, wanted %v", got.Time, ts)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("caller: got %q, wanted this file", got.Caller)
	}
	if !strings.Contains(tw.lines[0], `"level":"info"`) {
		t.Errorf("level not written by name: %s", tw.lines[0])
	}
}
