// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package supervisor

// raceResult is the outcome of racing the service against the shutdown monitor.
type raceResult interface {
	isRaceResult()
}

// serviceFinished means the service returned before a shutdown was requested.
// A nil err is a service that ended although it is meant to run forever.
type serviceFinished struct {
	err error
}

// shutdownRequested means the monitor observed a termination request while the service was running.
type shutdownRequested struct{}

func (serviceFinished) isRaceResult()   {}
func (shutdownRequested) isRaceResult() {}

// race blocks until service or monitor finished.
// If both are finished when the race is observed, the service wins.
func race(service, monitor *Task) raceResult {
	select {
	case <-service.Done():
		return serviceFinished{err: service.Err()}
	case <-monitor.Done():
	}

	select {
	case <-service.Done():
		return serviceFinished{err: service.Err()}
	default:
		return shutdownRequested{}
	}
}
