package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault error")

// Fault defines specific failure behavior.
type Fault struct {
	FailAfterBytes int64 // Fail writes after this many bytes written TO THIS FILE. -1 to disable.
	FailOnSync     bool
	FailOnClose    bool
	Err            error
}

// FaultyFS is a FileSystem wrapper that can inject errors.
type FaultyFS struct {
	FS    FileSystem
	mu    sync.Mutex
	rules map[string]Fault // Filename pattern -> Fault
	files []*faultyFile
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{
		FS:    fs,
		rules: make(map[string]Fault),
	}
}

// AddRule adds a fault injection rule for files whose name contains pattern.
// The rule also applies to files that are already open.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
	for _, ff := range f.files {
		if strings.Contains(ff.name, pattern) {
			ff.setFault(fault)
		}
	}
}

// ClearRules removes every rule, healing open files as well.
func (f *FaultyFS) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[string]Fault)
	for _, ff := range f.files {
		ff.setFault(Fault{FailAfterBytes: -1})
	}
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	fault := Fault{FailAfterBytes: -1}
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			fault = rule
		}
	}

	ff := &faultyFile{File: file, name: name, fault: fault}
	f.files = append(f.files, ff)
	return ff, nil
}

func (f *FaultyFS) Remove(name string) error {
	return f.FS.Remove(name)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

type faultyFile struct {
	File
	name string

	mu      sync.Mutex
	fault   Fault
	written int64
}

func (ff *faultyFile) setFault(fault Fault) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.fault = fault
	ff.written = 0
}

func (ff *faultyFile) faultErr() error {
	if ff.fault.Err != nil {
		return ff.fault.Err
	}
	return ErrInjected
}

// admit charges n bytes against the write budget.
func (ff *faultyFile) admit(n int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.fault.FailAfterBytes >= 0 && ff.written+int64(n) > ff.fault.FailAfterBytes {
		return ff.faultErr()
	}
	ff.written += int64(n)
	return nil
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.admit(len(p)); err != nil {
		return 0, err
	}
	return ff.File.Write(p)
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if err := ff.admit(len(p)); err != nil {
		return 0, err
	}
	return ff.File.WriteAt(p, off)
}

func (ff *faultyFile) Sync() error {
	ff.mu.Lock()
	fail := ff.fault.FailOnSync
	err := ff.faultErr()
	ff.mu.Unlock()
	if fail {
		return err
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	ff.mu.Lock()
	fail := ff.fault.FailOnClose
	err := ff.faultErr()
	ff.mu.Unlock()
	if fail {
		_ = ff.File.Close()
		return err
	}
	return ff.File.Close()
}
