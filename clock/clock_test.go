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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dummyClock struct {
	name string
	t    time.Time
}

func (c *dummyClock) Name() string                 { return c.name }
func (c *dummyClock) Time() (time.Time, error)     { return c.t, nil }
func (c *dummyClock) Step(time.Duration) error     { return nil }
func (c *dummyClock) AdjFreqPPB(float64) error     { return nil }
func (c *dummyClock) FreqPPB() (float64, error)    { return 0, nil }
func (c *dummyClock) MaxFreqPPB() (float64, error) { return DefaultMaxFreqPPB, nil }
func (c *dummyClock) SetSync(time.Duration) error  { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &dummyClock{name: "a"}
	b := &dummyClock{name: "b"}
	idA := r.Register(a)
	idB := r.Register(b)
	require.NotEqual(t, idA, idB)

	got, err := r.Get(idA)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	r.Remove(idA)
	_, err = r.Get(idA)
	require.Error(t, err)
	assert.Equal(t, []string{"b"}, r.Names())
}

func TestCompare(t *testing.T) {
	now := time.Now()
	a := &dummyClock{name: "a", t: now.Add(time.Second)}
	b := &dummyClock{name: "b", t: now}
	d, err := Compare(a, b)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestCompareMonitorSuppression(t *testing.T) {
	m := NewCompareMonitor()
	err := assert.AnError

	// first failure warns, the streak of good results hasn't happened yet
	m.Bad("a", "b", err)
	assert.Equal(t, uint64(1), m.Failures())
	assert.False(t, m.armed)

	// not enough good comparisons: stays disarmed
	for i := 0; i < BadCompareWarnThreshold-1; i++ {
		m.Good()
	}
	assert.False(t, m.armed)
	m.Bad("a", "b", err)

	// a full streak re-arms
	for i := 0; i < BadCompareWarnThreshold; i++ {
		m.Good()
	}
	assert.True(t, m.armed)
}

func TestFreqStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "freq.ini")
	s := &FreqStore{Path: path}

	// missing file reads as zero
	v, err := s.Load("system")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	require.NoError(t, s.Save("system", -1234.5))
	require.NoError(t, s.Save("eth0", 42.25))

	v, err = s.Load("system")
	require.NoError(t, err)
	assert.InDelta(t, -1234.5, v, 0.001)

	// second save preserves other sections
	require.NoError(t, s.Save("system", -1000))
	v, err = s.Load("eth0")
	require.NoError(t, err)
	assert.InDelta(t, 42.25, v, 0.001)
}
