// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package version

import (
	"fmt"
	"time"
)

// These are set at link time by the release process, with
//	-ldflags "-X secfs.io/version.GitSHA=..."
var (
	BuildTime = ""
	GitSHA    = ""
)

// Release returns a newline-terminated string describing the current
// version of the build.
func Release() string {
	if GitSHA == "" {
		return "devel\n"
	}
	str := ""
	if t, err := time.Parse(time.RFC3339, BuildTime); err == nil {
		str += fmt.Sprintf("Build time: %s\n", t.In(time.UTC).Format(time.Stamp+" 2006 UTC"))
	}
	str += fmt.Sprintf("Git hash:   %s\n", GitSHA)
	return str
}
