// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package log

import (
	"bytes"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(nil)
		SetLevel("info")
	})
	return &buf
}

func TestLogLevel(t *testing.T) {
	const (
		msg1 = "log line1"
		msg2 = "log line2"
		msg3 = "log line3"
	)
	buf := capture(t)

	level := "info"
	SetLevel(level)
	if GetLevel() != level {
		t.Fatalf("Expected %q, got %q", level, GetLevel())
	}
	Debug.Println(msg1)             // not logged
	Info.Print(msg2)                // logged
	Error.Printf("hello: %s", msg3) // logged

	out := buf.String()
	if strings.Contains(out, msg1) {
		t.Errorf("debug line logged at info level:\n%s", out)
	}
	if !strings.Contains(out, msg2) || !strings.Contains(out, "hello: "+msg3) {
		t.Errorf("missing lines in output:\n%s", out)
	}
}

func TestDisable(t *testing.T) {
	buf := capture(t)
	SetLevel("debug")
	Debug.Printf("Starting server...")
	SetLevel("disabled")
	Error.Printf("Important stuff you'll miss!")
	out := buf.String()
	if !strings.Contains(out, "Starting server...") {
		t.Errorf("debug line missing:\n%s", out)
	}
	if strings.Contains(out, "miss") {
		t.Errorf("line logged while disabled:\n%s", out)
	}
}

func TestFatal(t *testing.T) {
	const msg = "will abort anyway"
	buf := capture(t)

	code := -1
	defer func(prev func(int)) { exit = prev }(exit)
	exit = func(c int) { code = c }

	SetLevel("error")
	Info.Fatal(msg)

	if code != 1 {
		t.Errorf("exit code = %d; want 1", code)
	}
	if !strings.Contains(buf.String(), msg) {
		t.Errorf("fatal message not logged:\n%s", buf)
	}
}

func TestAt(t *testing.T) {
	SetLevel("info")
	defer SetLevel("info")

	if At("debug") {
		t.Errorf("Debug is expected to be disabled when level is info")
	}
	if !At("error") {
		t.Errorf("Error is expected to be enabled when level is info")
	}
	if err := SetLevel("verbose"); err == nil {
		t.Errorf("SetLevel accepted an unknown level")
	}
}
