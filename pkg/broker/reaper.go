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

package broker

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

func pidExists(pid int32) (bool, error) {
	return process.PidExists(pid)
}

// reap closes, every interval, the processes whose pid no longer exists. Socket sessions are
// closed on EOF already; this catches sessions whose peer died without the socket noticing.
func (b *Broker) reap(interval time.Duration) {
	defer close(b.reaperDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopReaper:
			return
		case <-ticker.C:
			b.reapOnce()
		}
	}
}

// reapOnce returns the number of processes it closed.
func (b *Broker) reapOnce() int {
	n := 0
	for _, p := range b.Processes() {
		pid := p.ident.PID
		if pid <= 0 {
			continue
		}
		ok, err := b.alive(pid)
		if err != nil {
			internalLogger.Debugf("reaper: check pid %d: %v", pid, err)
			continue
		}
		if ok {
			continue
		}
		internalLogger.Infof("reaper: pid %d gone, closing %s", pid, p)
		if err := b.Close(p); err != nil {
			internalLogger.Warnf("reaper: close %s: %v", p, err)
			continue
		}
		b.metrics.reaped.Inc()
		b.audit("process.reap", p, nil)
		n++
	}
	return n
}
