package ingest

import (
	"china_stock_proxy/models"
)

// RunObserver is told about every change to a run's audit record.
// The run passed in is a copy; observers must not block for long.
type RunObserver interface {
	RunUpdated(run models.FetchRun) error
}

// ObserverFunc adapts a function to RunObserver.
type ObserverFunc func(run models.FetchRun) error

// RunUpdated calls f.
func (f ObserverFunc) RunUpdated(run models.FetchRun) error {
	return f(run)
}
