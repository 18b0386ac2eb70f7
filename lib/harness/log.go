/*
Copyright 2026 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/sshtest/lib/defaults"
)

var userdata struct {
	sync.Mutex
	tag string
}

// SetLogUserdata attaches an identity string to every protocol log
// line emitted afterwards. Forked roles suffix it with their role, so
// interleaved multi-process output stays attributable.
func SetLogUserdata(tag string) {
	userdata.Lock()
	defer userdata.Unlock()
	userdata.tag = tag
}

// LogUserdata returns the current identity tag.
func LogUserdata() string {
	userdata.Lock()
	defer userdata.Unlock()
	return userdata.tag
}

// ProtocolFormatter renders protocol log lines as
//
//	[<ISO8601 timestamp>, "<userdata tag>", <severity>]: <message>
type ProtocolFormatter struct{}

// Format implements logrus.Formatter.
func (f *ProtocolFormatter) Format(entry *log.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}
	fmt.Fprintf(b, "[%s, %q, %s]: %s\n",
		entry.Time.Format(time.RFC3339), LogUserdata(), entry.Level, entry.Message)
	return b.Bytes(), nil
}

// SuiteLogs are the two per-suite log files: protocol-level logging
// and the redirected error stream.
type SuiteLogs struct {
	// ProtocolPath receives formatted protocol log lines.
	ProtocolPath string
	// ErrorPath receives everything written to the error stream,
	// including the stderr of spawned role children.
	ErrorPath string

	protocolFile *os.File
	errorFile    *os.File
	prevStderr   *os.File
}

// SetupTestSuiteLogging derives the two log file names from the suite
// name, installs the protocol line formatter on the protocol logger
// and redirects the error stream to the second file. Files are opened
// in append mode: forked roles reopen the same files and their lines
// interleave instead of clobbering.
func SetupTestSuiteLogging(name string) (*SuiteLogs, error) {
	dir := BuildDir()
	l := &SuiteLogs{
		ProtocolPath: filepath.Join(dir, name+defaults.ProtocolLogSuffix),
		ErrorPath:    filepath.Join(dir, name+defaults.ErrorLogSuffix),
	}
	var err error
	l.protocolFile, err = os.OpenFile(l.ProtocolPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	l.errorFile, err = os.OpenFile(l.ErrorPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l.protocolFile.Close()
		return nil, trace.ConvertSystemError(err)
	}

	log.SetFormatter(&ProtocolFormatter{})
	log.SetOutput(l.protocolFile)
	SetLogUserdata(name)

	l.prevStderr = os.Stderr
	os.Stderr = l.errorFile
	return l, nil
}

// Close restores the error stream and releases the log files.
func (l *SuiteLogs) Close() error {
	if l.prevStderr != nil {
		os.Stderr = l.prevStderr
		log.SetOutput(os.Stderr)
	}
	var errs []error
	if err := l.protocolFile.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := l.errorFile.Close(); err != nil {
		errs = append(errs, err)
	}
	return trace.NewAggregate(errs...)
}

// SetVerbosity maps a role configuration's verbosity to the protocol
// logger's level.
func SetVerbosity(verbosity int) {
	switch {
	case verbosity <= 0:
		log.SetLevel(log.ErrorLevel)
	case verbosity == 1:
		log.SetLevel(log.WarnLevel)
	case verbosity == 2:
		log.SetLevel(log.InfoLevel)
	case verbosity == 3:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.TraceLevel)
	}
}
