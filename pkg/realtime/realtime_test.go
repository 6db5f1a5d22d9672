// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 The Cartpole Lab Authors

package realtime

import (
	"reflect"
	"runtime"
	"testing"
)

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"", nil, false},
		{"3", []int{3}, false},
		{"0-2,5", []int{0, 1, 2, 5}, false},
		{" 1 , 4-4 ", []int{1, 4}, false},
		{"a", nil, true},
		{"3-1", nil, true},
		{"-1", nil, true},
		{"1,", nil, true},
	}

	for _, tt := range tests {
		got, err := ParseCPUList(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCPUList(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseCPUList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"empty", Options{}, false},
		{"full", Options{LockMemory: true, Nice: -20, CPUs: []int{0}}, false},
		{"nice too low", Options{Nice: -21}, true},
		{"nice too high", Options{Nice: 20}, true},
		{"negative cpu", Options{CPUs: []int{-1}}, true},
	}
	for _, tt := range tests {
		if err := tt.opts.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestSetupNothingRequested(t *testing.T) {
	if (Options{}).Requested() {
		t.Fatal("empty options report a request")
	}
	if err := Setup(Options{}); err != nil {
		t.Errorf("Setup(empty) = %v", err)
	}
	if err := Setup(Options{Nice: 99}); err == nil {
		t.Error("Setup accepted an invalid nice value")
	}
}

func TestPriority(t *testing.T) {
	nice, err := Priority()
	if runtime.GOOS != "linux" {
		if err != ErrUnsupported {
			t.Errorf("Priority() err = %v, want ErrUnsupported", err)
		}
		return
	}
	if err != nil {
		t.Fatalf("Priority() = %v", err)
	}
	if nice < -20 || nice > 19 {
		t.Errorf("nice = %d", nice)
	}
}
