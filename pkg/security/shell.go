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
	"strings"
)

// injectionMetachars are shell metacharacters that, when introduced into a
// command line by an interpolated value, usually indicate injection.
var injectionMetachars = []string{"$(", "`", "|", "&", ";", ">", "<", "\n"}

// ShellWarnings inspects a command line after interpolation and reports the
// substituted values that introduced shell metacharacters. The shell handler
// logs these and proceeds; interpolated commands are a supported feature and
// only safe-mode argv execution avoids the shell entirely.
func ShellWarnings(command string, substituted []string) []string {
	var warnings []string
	for _, value := range substituted {
		if value == "" || !strings.Contains(command, value) {
			continue
		}
		for _, meta := range injectionMetachars {
			if strings.Contains(value, meta) {
				warnings = append(warnings,
					"interpolated value contains shell metacharacter "+printable(meta))
				break
			}
		}
	}
	return warnings
}

func printable(meta string) string {
	if meta == "\n" {
		return `"\n"`
	}
	return `"` + meta + `"`
}
