/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clock

import (
	log "github.com/sirupsen/logrus"
)

// BadCompareWarnThreshold is how many consecutive good comparisons must be
// seen after a failure before a new failure warns again. PHC comparisons
// fail sporadically under load; warning on every blip is noise.
const BadCompareWarnThreshold = 10

// CompareMonitor rate-limits warnings about failing clock comparisons
type CompareMonitor struct {
	goodStreak int
	armed      bool
	failures   uint64
}

// NewCompareMonitor creates a monitor with warnings armed
func NewCompareMonitor() *CompareMonitor {
	return &CompareMonitor{armed: true}
}

// Good records a successful comparison; enough of them re-arm the warning
func (m *CompareMonitor) Good() {
	m.goodStreak++
	if m.goodStreak >= BadCompareWarnThreshold {
		m.armed = true
	}
}

// Bad records a failed comparison and logs it: at warning level when armed,
// at debug level otherwise
func (m *CompareMonitor) Bad(a, b string, err error) {
	m.failures++
	warn := m.armed
	m.armed = false
	m.goodStreak = 0
	if warn {
		log.Warningf("comparing %s to %s: %v", a, b, err)
	} else {
		log.Debugf("comparing %s to %s: %v", a, b, err)
	}
}

// Failures returns the total failed comparison count
func (m *CompareMonitor) Failures() uint64 {
	return m.failures
}
