// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build debug

package errors

import (
	"bytes"
	"fmt"
	"path"
	"runtime"
	"strings"
)

// modulePath is trimmed from the function names of printed frames.
const modulePath = "secfs.io/"

// stack holds the program counters of the E call that made an Error.
type stack struct {
	callers []uintptr
}

// populateStack records the stack of E's caller. When e wraps an *Error
// made deeper in the same chain of calls, the inner stack already holds
// every frame of e's, so e takes it over and the inner error prints
// none: a chain of errors prints one stack, from the deepest E.
func (e *Error) populateStack() {
	e.callers = callers(4)
	inner, ok := e.Err.(*Error)
	if !ok || len(inner.callers) < len(e.callers) {
		return
	}
	if sharedRoot(e.callers, inner.callers) >= len(e.callers)-1 {
		e.callers, inner.callers = inner.callers, nil
	}
}

// sharedRoot returns how many outermost frames a and b have in common.
func sharedRoot(a, b []uintptr) int {
	n := 0
	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}

// printStack writes e's frames to b, outermost first, one per line,
// leaving out the frames e shares with the goroutine printing it.
func (e *Error) printStack(b *bytes.Buffer) {
	if len(e.callers) == 0 {
		return
	}
	frames := outermostFirst(e.callers)
	printer := outermostFirst(callers(4))
	i := 0
	for i < len(frames) && i < len(printer) && frames[i].Function == printer[i].Function {
		i++
	}
	prev := ""
	for _, f := range frames[i:] {
		if f.Function == prev {
			continue
		}
		prev = f.Function
		pad(b, Separator)
		fmt.Fprintf(b, "%s:%d: %s", shortFile(f.File), f.Line, strings.TrimPrefix(f.Function, modulePath))
	}
}

func outermostFirst(pcs []uintptr) []runtime.Frame {
	var out []runtime.Frame
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		out = append(out, f)
		if !more {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// shortFile returns file's name and the directory holding it, which in
// this module names the package.
func shortFile(file string) string {
	dir, name := path.Split(file)
	return path.Join(path.Base(dir), name)
}

// callers returns the stack of the goroutine, starting skip frames up
// from runtime.Callers itself.
func callers(skip int) []uintptr {
	var pcs [64]uintptr
	n := runtime.Callers(skip, pcs[:])
	return pcs[:n]
}
