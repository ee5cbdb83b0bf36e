// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"regexp"
	"strings"
)

// fileNamePartRx limits each path segment of a file name to a conservative
// character set. File names flow from peers and upload clients into store
// paths (and, for the rsync backend, into remote command lines), so anything
// outside this set is rejected at the API boundary.
var fileNamePartRx = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]*$`)

// IsValidFileName reports whether a file name is acceptable as a
// store-relative path: non-empty, bounded, slash-separated segments from the
// safe character set. Segments must start with an alphanumeric, which also
// rules out "." and ".." traversal and empty segments from doubled or
// leading slashes.
func IsValidFileName(name string) bool {
	if name == "" || len(name) > 256 {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if !fileNamePartRx.MatchString(part) {
			return false
		}
	}
	return true
}
