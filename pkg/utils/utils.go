// Copyright The Remus Project Authors. All Rights Reserved.
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

package utils

import (
	"fmt"
	"strings"
)

// ParseEnabled parses a string as a boolean enabled/disabled state.
func ParseEnabled(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "enabled", "enable", "on", "true", "yes", "1":
		return true, nil
	case "disabled", "disable", "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("utils: invalid enabled/disabled value %q", value)
}

// AlignUp rounds value up to the next multiple of align, which must be a
// power of two.
func AlignUp(value, align uint64) uint64 {
	return (value + align - 1) &^ (align - 1)
}

// NextPow2 returns the smallest power of two that is >= value.
func NextPow2(value uint64) uint64 {
	if value == 0 {
		return 1
	}
	p := uint64(1)
	for p < value {
		p <<= 1
	}
	return p
}

// IsPow2 checks if value is a power of two.
func IsPow2(value uint64) bool {
	return value != 0 && value&(value-1) == 0
}
