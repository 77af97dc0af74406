// Copyright 2025 Tom Barlow
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

package security

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/cascade/pkg/errors"
)

// PathGuardConfig controls which filesystem paths the file step handler may
// touch. AllowedRoots is the allowlist of directory roots; DenyGlobs are
// doublestar patterns matched against the resolved path and rejected even
// inside an allowed root.
type PathGuardConfig struct {
	AllowedRoots []string `yaml:"allowed_roots,omitempty" json:"allowed_roots,omitempty"`
	DenyGlobs    []string `yaml:"deny_globs,omitempty" json:"deny_globs,omitempty"`
}

// DefaultPathGuardConfig confines file steps to the given working directory
// and denies common credential locations beneath it.
func DefaultPathGuardConfig(workDir string) *PathGuardConfig {
	return &PathGuardConfig{
		AllowedRoots: []string{workDir},
		DenyGlobs: []string{
			"**/.ssh/**",
			"**/.aws/credentials",
			"**/.env",
			"**/*.pem",
		},
	}
}

// ResolvePath validates a path against the guard and returns its cleaned
// absolute form. Relative paths resolve against the first allowed root.
func (c *PathGuardConfig) ResolvePath(path string) (string, error) {
	if path == "" {
		return "", &errors.SecurityError{
			Policy: errors.PolicyPathTraversal,
			Detail: "empty path",
		}
	}

	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		if len(c.AllowedRoots) == 0 {
			abs, err := filepath.Abs(cleaned)
			if err != nil {
				return "", fmt.Errorf("resolve path: %w", err)
			}
			cleaned = abs
		} else {
			cleaned = filepath.Join(c.AllowedRoots[0], cleaned)
		}
	}

	if len(c.AllowedRoots) > 0 && !c.withinAllowedRoot(cleaned) {
		return "", &errors.SecurityError{
			Policy: errors.PolicyPathTraversal,
			Detail: fmt.Sprintf("path %q escapes the allowed roots", path),
		}
	}

	for _, pattern := range c.DenyGlobs {
		match, err := doublestar.Match(pattern, filepath.ToSlash(cleaned))
		if err != nil {
			return "", fmt.Errorf("invalid deny pattern %q: %w", pattern, err)
		}
		if match {
			return "", &errors.SecurityError{
				Policy: errors.PolicyPathTraversal,
				Detail: fmt.Sprintf("path %q matches denied pattern %q", path, pattern),
			}
		}
	}

	return cleaned, nil
}

// withinAllowedRoot reports whether the cleaned absolute path sits under one
// of the allowed roots. The relative form is computed and checked for a ".."
// prefix so "/work-evil" does not pass for root "/work".
func (c *PathGuardConfig) withinAllowedRoot(cleaned string) bool {
	for _, root := range c.AllowedRoots {
		rootClean := filepath.Clean(root)
		rel, err := filepath.Rel(rootClean, cleaned)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
			return true
		}
	}
	return false
}
