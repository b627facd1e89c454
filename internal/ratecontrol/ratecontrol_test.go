/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package ratecontrol

import (
	"math"
	"testing"
	"time"
)

func fakeClock(start time.Time) (Clock, func(time.Duration)) {
	now := start
	clock := func() time.Time { return now }
	advance := func(d time.Duration) { now = now.Add(d) }
	return clock, advance
}

func TestRAMDurationIsInfiniteWithoutTraffic(t *testing.T) {
	clock, advance := fakeClock(time.Unix(0, 0))
	e := New("q", clock)

	advance(time.Second)
	d := e.RAMDuration(0)
	if d != time.Duration(math.MaxInt64) {
		t.Fatalf("RAMDuration with no traffic = %v, want max duration", d)
	}
}

func TestRAMDurationShrinksAsRateIncreases(t *testing.T) {
	clock, advance := fakeClock(time.Unix(0, 0))
	e := New("q", clock)

	advance(time.Second)
	e.RecordIngress(10)
	d1 := e.RAMDuration(100)

	advance(time.Second)
	e.RecordIngress(1000)
	d2 := e.RAMDuration(100)

	if d2 >= d1 {
		t.Fatalf("drain duration did not shrink as ingress rate rose: d1=%v d2=%v", d1, d2)
	}
}

func TestSetDurationTargetUnsetByDefault(t *testing.T) {
	clock, _ := fakeClock(time.Unix(0, 0))
	e := New("q", clock)

	if _, set := e.Target(); set {
		t.Fatal("a fresh Estimator should report no target")
	}
}

func TestSetDurationTargetReportsLowered(t *testing.T) {
	clock, advance := fakeClock(time.Unix(0, 0))
	e := New("q", clock)

	advance(time.Second)
	e.RecordIngress(100)
	e.RAMDuration(0)

	if _, lowered := e.SetDurationTarget(10 * time.Second); !lowered {
		t.Fatal("first SetDurationTarget call from unset should report lowered=true")
	}

	prev, lowered := e.SetDurationTarget(time.Second)
	if !lowered {
		t.Fatalf("tightening the duration target should report lowered=true (prev target was %d)", prev)
	}

	if _, lowered := e.SetDurationTarget(time.Minute); lowered {
		t.Fatal("relaxing the duration target should not report lowered=true")
	}
}

func TestSetDurationTargetNegativeClearsTarget(t *testing.T) {
	clock, advance := fakeClock(time.Unix(0, 0))
	e := New("q", clock)

	advance(time.Second)
	e.RecordIngress(10)
	e.RAMDuration(0)
	e.SetDurationTarget(time.Second)

	e.SetDurationTarget(-1)

	if _, set := e.Target(); set {
		t.Fatal("a negative duration target should clear the target")
	}
}
