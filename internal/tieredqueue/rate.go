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

package tieredqueue

import "time"

// SetRAMDurationTarget implements backingqueue.BackingQueue. Idempotent if
// D is unchanged (§6); when the new target is strictly lower than the
// previous one, reduce_memory_use runs immediately (§4.4).
func (q *Queue) SetRAMDurationTarget(d time.Duration) {
	q.mu.Lock()
	_, lowered := q.estimator.SetDurationTarget(d)
	if !lowered {
		q.mu.Unlock()
		return
	}
	err := q.reduceMemoryUse()
	q.mu.Unlock()
	if err != nil {
		q.log.Error("tieredqueue: reduce memory use", err, "queue", q.name)
	}
}

// RAMDuration implements backingqueue.BackingQueue: the current estimated
// queue-drain duration, refreshing the smoothed ingress/egress rates as a
// side effect (§4.3/§4.4).
func (q *Queue) RAMDuration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.estimator.RAMDuration(q.ramMsgCount)
}
