/*
Copyright 2026 Gravitational, Inc.

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

package sshutils

import "errors"

// ErrChannelNotReady is returned when an accepted channel produces no
// client data within the readiness timeout.
var ErrChannelNotReady = errors.New("channel is not ready for reading")

// IsChannelNotReady returns true if err means the channel readiness
// wait expired.
func IsChannelNotReady(err error) bool {
	return errors.Is(err, ErrChannelNotReady)
}
