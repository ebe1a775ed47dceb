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

package phc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockIDFromFd(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "fakeptp"))
	require.NoError(t, err)
	defer f.Close()
	dev := FromFile(f)
	// FD_TO_CLOCKID: ((~fd) << 3) | 3
	want := int32((int(^f.Fd()) << 3) | 3)
	assert.Equal(t, want, dev.ClockID())
	assert.Equal(t, f.Name(), dev.Name())
}

func TestIfaceCapsHasPHC(t *testing.T) {
	caps := &IfaceCaps{PHCIndex: -1}
	assert.False(t, caps.HasPHC())
	caps.PHCIndex = 2
	assert.True(t, caps.HasPHC())
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := Open("/dev/ptp-does-not-exist")
	require.Error(t, err)
}
