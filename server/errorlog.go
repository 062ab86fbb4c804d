package server

import (
	"fmt"
	"log/slog"
)

// errorLog logs errors without flooding: an error identical to the previous
// one is only logged again after 10, 100, 1000... repetitions.
type errorLog struct {
	log   *slog.Logger
	last  string
	count int
	next  int
}

func (e *errorLog) report(where string, err error) {
	msg := where + ": " + err.Error()
	if msg == e.last {
		e.count++
		if e.count == e.next {
			e.log.Error(msg, "repeated", e.count)
			e.next *= 10
		}
		return
	}
	e.last = msg
	e.count = 1
	e.next = 10
	e.log.Error(msg)
}

// guard runs f and turns a panic into an error.
func guard(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f()
}
