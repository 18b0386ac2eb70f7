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

package utils

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestLinearProgression(t *testing.T) {
	retry, err := NewLinear(LinearConfig{
		Step: 100 * time.Millisecond,
		Max:  300 * time.Millisecond,
	})
	require.NoError(t, err)

	// First attempt fires immediately.
	require.Equal(t, time.Duration(0), retry.Duration())

	// Each increment grows the delay by Step until Max caps it.
	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
	}
	for _, want := range expected {
		retry.Inc()
		require.Equal(t, want, retry.Duration())
	}

	retry.Reset()
	require.Equal(t, time.Duration(0), retry.Duration())
}

func TestLinearZeroDelayDoesNotBlock(t *testing.T) {
	retry, err := NewConstant(time.Second)
	require.NoError(t, err)

	// Zero duration returns a closed channel, firing right away.
	select {
	case <-retry.After():
	default:
		t.Fatal("expected closed channel for zero delay")
	}
}

func TestLinearConfigValidation(t *testing.T) {
	_, err := NewLinear(LinearConfig{Max: time.Second})
	require.True(t, trace.IsBadParameter(err))

	_, err = NewLinear(LinearConfig{Step: time.Second})
	require.True(t, trace.IsBadParameter(err))
}

func TestHalfJitterRange(t *testing.T) {
	jitter := NewHalfJitter()

	require.Equal(t, time.Duration(0), jitter(0))

	for range 100 {
		d := jitter(time.Second)
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.Less(t, d, time.Second)
	}
}
