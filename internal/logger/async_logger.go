// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// AsyncLogger decouples a logger's caller from the latency of the
// underlying writer (typically a lumberjack.Logger doing file I/O and
// occasional rotation) by handing writes to a single background
// goroutine over a buffered channel. A caller that outruns the buffer
// has its message dropped rather than blocking the FUSE op it's
// logging from.
type AsyncLogger struct {
	out  io.Writer
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewAsyncLogger starts the background writer goroutine and returns
// an AsyncLogger ready to use as an io.WriteCloser.
func NewAsyncLogger(out io.Writer, bufferSize int) *AsyncLogger {
	a := &AsyncLogger{
		out:  out,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncLogger) run() {
	for b := range a.ch {
		a.out.Write(b)
	}
	close(a.done)
}

// Write queues p for the background goroutine. It never blocks: if
// the buffer is full, the message is dropped and a warning is printed
// to stderr.
func (a *AsyncLogger) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)
	select {
	case a.ch <- b:
	default:
		fmt.Fprintln(os.Stderr, "asynclogger: log buffer is full, dropping message.")
	}
	return len(p), nil
}

// Close drains whatever is still queued, then closes the underlying
// writer if it implements io.Closer.
func (a *AsyncLogger) Close() error {
	var err error
	a.once.Do(func() {
		close(a.ch)
		<-a.done
		if closer, ok := a.out.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}
