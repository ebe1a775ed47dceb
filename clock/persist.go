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
	"fmt"
	"os"

	"github.com/go-ini/ini"
)

// Saved frequency corrections live in one ini file, a section per clock:
//
//	[system]
//	frequency_ppb = -1234.5
//
// Written periodically and on shutdown, read back on startup so the servo
// resumes near the previously learned frequency instead of from zero.

// FreqStore reads and writes saved frequency corrections
type FreqStore struct {
	Path string
}

// Load returns the saved correction for the named clock, 0 if unknown
func (s *FreqStore) Load(name string) (float64, error) {
	f, err := ini.Load(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("loading saved frequency from %q: %w", s.Path, err)
	}
	sec := f.Section(name)
	if !sec.HasKey("frequency_ppb") {
		return 0, nil
	}
	v, err := sec.Key("frequency_ppb").Float64()
	if err != nil {
		return 0, fmt.Errorf("parsing saved frequency for %q: %w", name, err)
	}
	return v, nil
}

// Save stores the correction for the named clock, preserving other sections
func (s *FreqStore) Save(name string, freqPPB float64) error {
	f, err := ini.Load(s.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("loading saved frequency from %q: %w", s.Path, err)
		}
		f = ini.Empty()
	}
	f.Section(name).Key("frequency_ppb").SetValue(fmt.Sprintf("%f", freqPPB))
	if err := f.SaveTo(s.Path); err != nil {
		return fmt.Errorf("saving frequency to %q: %w", s.Path, err)
	}
	return nil
}
