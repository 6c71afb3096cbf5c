// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)

func TestFake_NowAdvances(t *testing.T) {
	c := Fake(epoch)
	assert.Equal(t, epoch, c.Now())
	c.Advance(90 * time.Second)
	assert.Equal(t, epoch.Add(90*time.Second), c.Now())
}

func TestFake_AfterFuncFiresAtDeadline(t *testing.T) {
	c := Fake(epoch)
	var calls atomic.Int32
	c.AfterFunc(2*time.Second, func() { calls.Add(1) })

	c.Advance(1999 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	c.Advance(time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	c.Advance(time.Hour)
	assert.Equal(t, int32(1), calls.Load(), "one-shot timers fire once")
}

func TestFake_TimerStop(t *testing.T) {
	c := Fake(epoch)
	var calls atomic.Int32
	timer := c.AfterFunc(time.Second, func() { calls.Add(1) })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Minute)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, c.PendingCount())
}

func TestFake_ZeroDelayRunsImmediately(t *testing.T) {
	c := Fake(epoch)
	ran := false
	c.AfterFunc(0, func() { ran = true })
	assert.True(t, ran)

	select {
	case got := <-c.After(0):
		assert.Equal(t, epoch, got)
	default:
		t.Fatal("After(0) must be ready")
	}
}

func TestFake_Ticker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(30 * time.Second)
	defer ticker.Stop()

	c.Advance(30 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("expected a tick after one interval")
	}

	c.Advance(10 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("no tick expected mid-interval")
	default:
	}

	assert.Equal(t, 1, c.PendingCount())
	ticker.Stop()
	assert.Equal(t, 0, c.PendingCount())
}

func TestFake_WaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(5 * time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(5 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never fired")
	}
}

func TestReal_AfterFunc(t *testing.T) {
	c := Real()
	fired := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("real AfterFunc did not fire")
	}
}
