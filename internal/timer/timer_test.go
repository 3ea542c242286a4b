// Copyright 2025 The bgpsessd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package timer

import (
	"testing"
	"time"
)

func TestSetStopRunning(t *testing.T) {
	var s Set
	now := time.Now()

	if _, ok := s.Running(Hold, now); ok {
		t.Fatalf("zero set has hold running")
	}
	s.Set(Hold, 90*time.Second, now)
	d, ok := s.Running(Hold, now)
	if !ok || d != 90*time.Second {
		t.Fatalf("Running = %v, %v; want 90s, true", d, ok)
	}
	s.Stop(Hold)
	if _, ok := s.Running(Hold, now); ok {
		t.Fatalf("stopped timer still running")
	}
}

func TestNextDueDeliversExactlyOnce(t *testing.T) {
	var s Set
	now := time.Now()
	s.Set(Hold, time.Second, now)
	s.Set(Keepalive, 2*time.Second, now)

	if _, ok := s.NextDue(now); ok {
		t.Fatalf("timer due before its deadline")
	}

	later := now.Add(3 * time.Second)
	typ, ok := s.NextDue(later)
	if !ok || typ != Hold {
		t.Fatalf("NextDue = %v, %v; want hold, true", typ, ok)
	}
	typ, ok = s.NextDue(later)
	if !ok || typ != Keepalive {
		t.Fatalf("NextDue = %v, %v; want keepalive, true", typ, ok)
	}
	if _, ok := s.NextDue(later); ok {
		t.Fatalf("expired timer delivered twice")
	}
}

func TestNextIn(t *testing.T) {
	var s Set
	now := time.Now()

	if _, ok := s.NextIn(now); ok {
		t.Fatalf("empty set has a deadline")
	}
	s.Set(ConnectRetry, 120*time.Second, now)
	s.Set(IdleHold, 5*time.Second, now)
	d, ok := s.NextIn(now)
	if !ok || d != 5*time.Second {
		t.Fatalf("NextIn = %v, %v; want 5s, true", d, ok)
	}

	// a deadline in the past clamps to zero
	d, ok = s.NextIn(now.Add(10 * time.Second))
	if !ok || d != 0 {
		t.Fatalf("NextIn = %v, %v; want 0, true", d, ok)
	}
}

func TestZeroDurationIsImmediatelyDue(t *testing.T) {
	var s Set
	now := time.Now()
	s.Set(IdleHold, 0, now)
	typ, ok := s.NextDue(now)
	if !ok || typ != IdleHold {
		t.Fatalf("NextDue = %v, %v; want idlehold, true", typ, ok)
	}
}

func TestStopAll(t *testing.T) {
	var s Set
	now := time.Now()
	for typ := Hold; typ <= RestartTimeout; typ++ {
		s.Set(typ, time.Second, now)
	}
	s.StopAll()
	if _, ok := s.NextIn(now); ok {
		t.Fatalf("StopAll left a timer armed")
	}
}
