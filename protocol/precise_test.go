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

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreciseTimestampSplit(t *testing.T) {
	ts := NewPreciseTimestamp(1711035428000000100.25)
	assert.InDelta(t, 1711035428000000100.25, ts.TotalNs(), 0.001)
	wire := ts.Timestamp()
	assert.Equal(t, uint64(1711035428), wire.Seconds.Seconds())
}

func TestWritePreciseOriginTimestampRoundTrip(t *testing.T) {
	totals := []float64{
		1000000000.0,
		1000000000.5,
		1711035428000000100.25,
	}
	for _, total := range totals {
		fu := &FollowUp{}
		fu.WritePreciseOriginTimestamp(NewPreciseTimestamp(total), 0)
		back := fu.ReadPreciseOriginTimestamp()
		assert.InDelta(t, total, back.TotalNs(), 0.001, "total_ns %f", total)
	}
}

func TestWritePreciseOriginTimestampPropagatesCorrection(t *testing.T) {
	fu := &FollowUp{}
	received := NewCorrection(125.5)
	fu.WritePreciseOriginTimestamp(NewPreciseTimestamp(1000000000.25), received)
	back := fu.ReadPreciseOriginTimestamp()
	assert.InDelta(t, 1000000000.25+125.5, back.TotalNs(), 0.001)
}

func TestWritePreciseReceiveTimestampRoundTrip(t *testing.T) {
	totals := []float64{
		2000000000.0,
		2000000000.75,
	}
	for _, total := range totals {
		dr := &DelayResp{}
		dr.WritePreciseReceiveTimestamp(NewPreciseTimestamp(total), 0)
		back := dr.ReadPreciseReceiveTimestamp()
		assert.InDelta(t, total, back.TotalNs(), 0.001, "total_ns %f", total)
	}
}

func TestWritePreciseResponseOriginTimestamp(t *testing.T) {
	fu := &PDelayRespFollowUp{}
	fu.WritePreciseResponseOriginTimestamp(NewPreciseTimestamp(3000000000.5), NewCorrection(10))
	require.Equal(t, uint64(3), fu.ResponseOriginTimestamp.Seconds.Seconds())
	assert.InDelta(t, 10.5, fu.CorrectionField.Nanoseconds(), 0.001)
}
