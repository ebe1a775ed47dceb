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

func mgmtRequest(id ManagementID) *Management {
	return &Management{
		ManagementMsgHead: ManagementMsgHead{
			Header: Header{
				SdoIDAndMsgType: NewSdoIDAndMsgType(MessageManagement, 0),
				Version:         Version,
				MessageLength:   uint16(mgmtHeadSize + tlvHeadSize + 2),
				SequenceID:      5,
				SourcePortIdentity: PortIdentity{
					ClockIdentity: 0x0c42a1fffe6d7cd1,
					PortNumber:    1,
				},
				LogMessageInterval: MgmtLogMessageInterval,
			},
			TargetPortIdentity: DefaultTargetPortIdentity,
			ActionField:        GET,
		},
		TLV: &ManagementTLVHead{
			TLVHead: TLVHead{
				TLVType:     TLVManagement,
				LengthField: 2,
			},
			ManagementID: id,
		},
	}
}

func TestManagementRequestRoundTrip(t *testing.T) {
	req := mgmtRequest(IDCurrentDataSet)
	b, err := req.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, int(req.MessageLength), len(b))

	got, err := DecodeMgmtPacket(b)
	require.NoError(t, err)
	back, ok := got.(*Management)
	require.True(t, ok)
	assert.Equal(t, GET, back.Action())
	assert.Equal(t, IDCurrentDataSet, back.TLV.MgmtID())
}

func TestManagementCurrentDataSetResponse(t *testing.T) {
	resp := &Management{
		ManagementMsgHead: ManagementMsgHead{
			Header: Header{
				SdoIDAndMsgType:    NewSdoIDAndMsgType(MessageManagement, 0),
				Version:            Version,
				MessageLength:      uint16(mgmtHeadSize + tlvHeadSize + 2 + 18),
				LogMessageInterval: MgmtLogMessageInterval,
			},
			TargetPortIdentity: DefaultTargetPortIdentity,
			ActionField:        RESPONSE,
		},
		TLV: &CurrentDataSetTLV{
			ManagementTLVHead: ManagementTLVHead{
				TLVHead: TLVHead{
					TLVType:     TLVManagement,
					LengthField: 2 + 18,
				},
				ManagementID: IDCurrentDataSet,
			},
			StepsRemoved:     1,
			OffsetFromMaster: NewTimeInterval(-42.5),
			MeanPathDelay:    NewTimeInterval(12000),
		},
	}
	b, err := resp.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, int(resp.MessageLength), len(b))

	got, err := DecodeMgmtPacket(b)
	require.NoError(t, err)
	back, ok := got.(*Management)
	require.True(t, ok)
	cds, ok := back.TLV.(*CurrentDataSetTLV)
	require.True(t, ok)
	assert.Equal(t, resp.TLV, cds)
}

func TestManagementErrorStatusRoundTrip(t *testing.T) {
	req := mgmtRequest(IDUserDescription)
	resp := NewManagementErrorStatus(req, ErrorNoSuchID, "USER_DESCRIPTION not supported")
	b, err := resp.MarshalBinary()
	require.NoError(t, err)

	got, err := DecodeMgmtPacket(b)
	require.NoError(t, err)
	back, ok := got.(*ManagementMsgErrorStatus)
	require.True(t, ok)
	assert.Equal(t, ErrorNoSuchID, back.ManagementErrorID)
	assert.Equal(t, IDUserDescription, back.ManagementID)
	assert.Equal(t, PTPText("USER_DESCRIPTION not supported"), back.DisplayData)
	// response goes back to whoever asked
	assert.Equal(t, req.SourcePortIdentity, back.TargetPortIdentity)
	assert.Equal(t, req.SequenceID, back.SequenceID)
}

func TestManagementDecodeTruncated(t *testing.T) {
	req := mgmtRequest(IDDefaultDataSet)
	b, err := req.MarshalBinary()
	require.NoError(t, err)
	for i := 0; i < len(b); i += 7 {
		_, err := DecodeMgmtPacket(b[:i])
		require.Error(t, err, "prefix of %d bytes", i)
	}
}
