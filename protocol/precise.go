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
	"math"
	"time"
)

// PreciseTimestamp is a point in time with sub-nanosecond resolution: whole
// nanoseconds since the epoch plus a fraction of a nanosecond. Hardware
// timestamps and filtered servo outputs both carry fractions that a plain
// Timestamp cannot represent, and the standard's answer is to push the
// fractional part into the correctionField of the message carrying it.
type PreciseTimestamp struct {
	Ns    int64   // whole nanoseconds since epoch
	SubNs float64 // fraction of a nanosecond, [0, 1)
}

// NewPreciseTimestamp creates a PreciseTimestamp from fractional nanoseconds
// since epoch. Note that float64 cannot carry a present-day epoch timestamp
// to nanosecond precision; for timestamps coming from a clock use
// NewPreciseTimestampFromTime.
func NewPreciseTimestamp(totalNs float64) PreciseTimestamp {
	ns := math.Floor(totalNs)
	return PreciseTimestamp{Ns: int64(ns), SubNs: totalNs - ns}
}

// NewPreciseTimestampFromTime creates a PreciseTimestamp from time.Time,
// which holds whole nanoseconds only.
func NewPreciseTimestampFromTime(t time.Time) PreciseTimestamp {
	return PreciseTimestamp{Ns: t.UnixNano()}
}

// TotalNs returns the timestamp as fractional nanoseconds since epoch
func (t PreciseTimestamp) TotalNs() float64 {
	return float64(t.Ns) + t.SubNs
}

// Timestamp returns the whole-nanosecond part as an on-wire Timestamp
func (t PreciseTimestamp) Timestamp() Timestamp {
	sec := t.Ns / 1e9
	nsec := t.Ns % 1e9
	ts := Timestamp{Nanoseconds: uint32(nsec)}
	v := uint64(sec)
	ts.Seconds[0] = byte(v >> 40)
	ts.Seconds[1] = byte(v >> 32)
	ts.Seconds[2] = byte(v >> 24)
	ts.Seconds[3] = byte(v >> 16)
	ts.Seconds[4] = byte(v >> 8)
	ts.Seconds[5] = byte(v)
	return ts
}

// WritePreciseOriginTimestamp fills a FollowUp with the precise egress time
// of the matching Sync: whole nanoseconds go to preciseOriginTimestamp, the
// sub-nanosecond remainder is added to the correctionField together with any
// correction to be propagated from the received message chain.
func (p *FollowUp) WritePreciseOriginTimestamp(t PreciseTimestamp, propagate Correction) {
	p.PreciseOriginTimestamp = t.Timestamp()
	p.CorrectionField = Correction(int64(propagate) + int64(NewCorrection(t.SubNs)))
}

// WritePreciseResponseOriginTimestamp fills a PDelayRespFollowUp with the
// precise egress time of the matching PDelayResp, sub-nanosecond part added
// to the correctionField along with the propagated correction.
func (p *PDelayRespFollowUp) WritePreciseResponseOriginTimestamp(t PreciseTimestamp, propagate Correction) {
	p.ResponseOriginTimestamp = t.Timestamp()
	p.CorrectionField = Correction(int64(propagate) + int64(NewCorrection(t.SubNs)))
}

// WritePreciseReceiveTimestamp fills a DelayResp with the precise ingress
// time of the DelayReq being answered. The receive side rounds the timestamp
// up and subtracts the rounding from the correctionField, so that
// receiveTimestamp − correctionField reproduces the exact ingress time.
func (p *DelayResp) WritePreciseReceiveTimestamp(t PreciseTimestamp, propagate Correction) {
	rounded := t
	if rounded.SubNs != 0 {
		rounded.Ns++
		rounded.SubNs = 0
	}
	p.ReceiveTimestamp = rounded.Timestamp()
	sub := rounded.TotalNs() - t.TotalNs()
	p.CorrectionField = Correction(int64(propagate) + int64(NewCorrection(sub)))
}

// WritePreciseRequestReceipt fills a PDelayResp with the precise ingress
// time of the PDelayReq being answered, same rounding rule as DelayResp.
func (p *PDelayResp) WritePreciseRequestReceipt(t PreciseTimestamp) {
	rounded := t
	if rounded.SubNs != 0 {
		rounded.Ns++
		rounded.SubNs = 0
	}
	p.RequestReceiptTimestamp = rounded.Timestamp()
	sub := rounded.TotalNs() - t.TotalNs()
	p.CorrectionField = Correction(int64(NewCorrection(sub)))
}

// ReadPreciseOriginTimestamp reconstructs the precise egress time from a
// FollowUp: preciseOriginTimestamp plus the correctionField.
func (p *FollowUp) ReadPreciseOriginTimestamp() PreciseTimestamp {
	total := float64(p.PreciseOriginTimestamp.Time().UnixNano()) + p.CorrectionField.Nanoseconds()
	return NewPreciseTimestamp(total)
}

// ReadPreciseReceiveTimestamp reconstructs the precise ingress time from a
// DelayResp: receiveTimestamp minus the correctionField.
func (p *DelayResp) ReadPreciseReceiveTimestamp() PreciseTimestamp {
	total := float64(p.ReceiveTimestamp.Time().UnixNano()) - p.CorrectionField.Nanoseconds()
	return NewPreciseTimestamp(total)
}
