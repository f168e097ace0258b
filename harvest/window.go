// Copyright 2026 The OpenCitations Authors
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

// Package harvest drives a harvest run: it walks a date range in month-sized
// windows, pulls records for each window from a Source, maps them to canonical
// documents and feeds them to a bulk loading Sink.
package harvest

import "time"

// Window is a harvest date range.
type Window struct {
	From  time.Time
	Until time.Time
}

// MonthWindows splits the range between from and until into windows of
// deltaMonths months. The last window is clamped to until.
//
// A negative deltaMonths walks backwards from from to until, each window
// still having From before Until. A zero deltaMonths yields no windows.
func MonthWindows(from, until time.Time, deltaMonths int) []Window {
	var windows []Window
	if deltaMonths == 0 {
		return windows
	}
	current := from
	for k := 1; ; k++ {
		if deltaMonths > 0 && !current.Before(until) {
			break
		}
		if deltaMonths < 0 && !current.After(until) {
			break
		}
		// Boundaries are offsets from from, so a clamped month end does not
		// shift the windows after it.
		next := addMonths(from, k*deltaMonths)
		if deltaMonths > 0 {
			if next.After(until) {
				next = until
			}
			windows = append(windows, Window{From: current, Until: next})
		} else {
			if next.Before(until) {
				next = until
			}
			windows = append(windows, Window{From: next, Until: current})
		}
		current = next
	}
	return windows
}

// addMonths moves t by n months, keeping its day of month unless the target
// month is shorter, in which case the last day of that month is used.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}
