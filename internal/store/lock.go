package store

import (
	"fmt"
	"os"
	"syscall"

	"github.com/madzarm/ccsearch/internal/model"
)

// fileLock is an advisory OS lock (flock(2)) on a sibling "<db>.lock" file.
// A writer holds it exclusively (LOCK_EX); readers hold it shared (LOCK_SH)
// so any number of them can coexist with each other, but a writer and any
// other lock holder are mutually exclusive. Either mode fails fast with
// model.KindIndexStoreBusy instead of blocking when it can't be acquired.
type fileLock struct {
	f *os.File
}

func acquireLock(dbPath string, shared bool) (*fileLock, error) {
	f, err := os.OpenFile(dbPath+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	mode := syscall.LOCK_EX
	if shared {
		mode = syscall.LOCK_SH
	}
	if err := syscall.Flock(int(f.Fd()), mode|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, model.NewError(model.KindIndexStoreBusy, fmt.Errorf("index store busy: %w", err))
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}
