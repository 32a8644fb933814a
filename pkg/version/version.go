// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package version

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Version information, set at build time via -ldflags.
var (
	ReleaseVersion = "None"
	BuildTS        = "None"
	GitHash        = "None"
	GitBranch      = "None"
	GoVersion      = "None"
)

// ReleaseSemver returns a valid Semantic Version or an empty string if the
// ReleaseVersion is not set at compile time.
func ReleaseSemver() string {
	v, err := semver.NewVersion(removeVAndHash(ReleaseVersion))
	if err != nil {
		return ""
	}
	return v.String()
}

var (
	hashPattern  = regexp.MustCompile(`-[0-9]+-g[0-9a-f]{7,}(-dev)?`)
	dirtyPattern = regexp.MustCompile(`-dirty`)
)

func removeVAndHash(v string) string {
	v = hashPattern.ReplaceAllLiteralString(v, "")
	v = dirtyPattern.ReplaceAllLiteralString(v, "")
	return strings.TrimPrefix(v, "v")
}

// LogVersionInfo prints the meta node version information.
func LogVersionInfo() {
	log.Info("Welcome to tistream meta node",
		zap.String("release-version", ReleaseVersion),
		zap.String("git-hash", GitHash),
		zap.String("git-branch", GitBranch),
		zap.String("utc-build-time", BuildTS),
		zap.String("go-version", GoVersion),
	)
}

// GetRawInfo returns basic version information string.
func GetRawInfo() string {
	var info string
	info += fmt.Sprintf("Release Version: %s\n", ReleaseVersion)
	info += fmt.Sprintf("Git Commit Hash: %s\n", GitHash)
	info += fmt.Sprintf("Git Branch: %s\n", GitBranch)
	info += fmt.Sprintf("UTC Build Time: %s\n", BuildTS)
	info += fmt.Sprintf("Go Version: %s\n", GoVersion)
	return info
}
