// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

import (
	"fmt"
	"io"
	"os"
)

// LogLevel controls the frequency and type of logger output
type LogLevel int

const (
	// LogNoop no output is generated (level < 0)
	LogNoop LogLevel = -1
	// LogLast print only the termination report
	LogLast LogLevel = 0
	// LogIter print also one table row for every step attempt
	LogIter LogLevel = 1
	// LogVerbose print also the iterate and gradient vectors
	LogVerbose LogLevel = 2
)

// Logger handles logging output for the optimizer.
// Note the writers must be thread-safe.
type Logger struct {
	Level LogLevel
	Msg   io.Writer // Writer to output log messages.
	Out   io.Writer // Writer for the iteration table.
}

// normalize fills the missing writers of a copy of l.
func (l *Logger) normalize() Logger {
	if l == nil {
		return Logger{Level: LogNoop, Msg: io.Discard, Out: io.Discard}
	}
	c := *l
	if c.Msg == nil {
		c.Msg = os.Stdout
	}
	if c.Out == nil {
		c.Out = os.Stderr
	}
	return c
}

func (l *Logger) enable(level LogLevel) bool {
	return l.Level >= level
}

func (l *Logger) log(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Msg, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Msg, format)
	}
}

func (l *Logger) out(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Out, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Out, format)
	}
}

// vec prints v six entries per line.
func (l *Logger) vec(name string, v []float64) {
	l.log("\n %s =", name)
	for i, e := range v {
		l.log(" %.2e", e)
		if (i+1)%6 == 0 && i+1 < len(v) {
			l.log("\n     ")
		}
	}
	l.log("\n")
}
