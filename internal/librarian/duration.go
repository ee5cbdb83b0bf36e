// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package librarian

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration with custom JSON unmarshalling logic.
//
// Task schedules in the background config accept either the clock-style
// "HH:MM:SS" form used by operators ("01:30:00") or a Go duration string
// ("90m"). Marshalling always renders the clock form.
type Duration time.Duration

// Std returns the equivalent time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements the json.Marshaler interface.
func (d Duration) MarshalJSON() ([]byte, error) {
	total := int64(time.Duration(d) / time.Second)
	if total < 0 {
		return nil, fmt.Errorf("cannot render negative duration: %s", time.Duration(d).String())
	}
	return json.Marshal(fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *Duration) UnmarshalJSON(src []byte) error {
	var in string
	err := json.Unmarshal(src, &in)
	if err != nil {
		return err
	}
	parsed, err := ParseDuration(in)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDuration parses either the "HH:MM:SS" form or a Go duration string.
func ParseDuration(in string) (Duration, error) {
	fields := strings.Split(in, ":")
	if len(fields) == 3 {
		var parts [3]int64
		for idx, field := range fields {
			value, err := strconv.ParseInt(field, 10, 64)
			if err != nil || value < 0 {
				return 0, fmt.Errorf("malformed duration %q", in)
			}
			parts[idx] = value
		}
		if parts[1] > 59 || parts[2] > 59 {
			return 0, fmt.Errorf("malformed duration %q: minutes and seconds must be below 60", in)
		}
		total := parts[0]*3600 + parts[1]*60 + parts[2]
		return Duration(time.Duration(total) * time.Second), nil
	}

	parsed, err := time.ParseDuration(in)
	if err != nil {
		return 0, fmt.Errorf("malformed duration %q: %w", in, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("malformed duration %q: must not be negative", in)
	}
	return Duration(parsed), nil
}
