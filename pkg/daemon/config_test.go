/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyConfig(t *testing.T) {
	assert.NoError(t, VerifyConfig(DefaultConfig()))
	assert.Error(t, VerifyConfig(nil))

	conf := DefaultConfig()
	conf.SocketPath = ""
	assert.Error(t, VerifyConfig(conf))

	conf = DefaultConfig()
	conf.Workers = -1
	assert.Error(t, VerifyConfig(conf))

	conf = DefaultConfig()
	conf.BlockedReads = 0
	assert.Error(t, VerifyConfig(conf))

	conf = DefaultConfig()
	conf.WriteTimeout = 0
	assert.Error(t, VerifyConfig(conf))
}
