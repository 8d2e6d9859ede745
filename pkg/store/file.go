// File-backed store in the save_variables format
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"crash-recovery-go/pkg/errors"
	"crash-recovery-go/pkg/log"
)

const variablesSection = "[Variables]"

// FileStore persists every key to a small text file:
//
//	[Variables]
//	crash_enabled = true
//	crash_sens_x = 2
//
// Each write rewrites the file through a temp file and rename while
// holding an flock on "<path>.lock", so concurrent readers in other
// processes never see a torn file.
type FileStore struct {
	typed
	path   string
	mu     sync.RWMutex
	values map[Key]string
}

// OpenFile loads path, creating it if missing
func OpenFile(path string) (*FileStore, error) {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	fs := &FileStore{path: path, values: make(map[Key]string)}
	fs.typed = typed{b: fs, log: log.GetLogger("store")}

	if err := fs.reload(); err != nil {
		return nil, err
	}
	fs.log.WithFields(log.Fields{"path": path, "keys": len(fs.values)}).Info("file store opened")
	return fs, nil
}

// Path returns the backing file path
func (fs *FileStore) Path() string { return fs.path }

func (fs *FileStore) reload() error {
	unlock, err := fs.lock(unix.LOCK_SH)
	if err != nil {
		return err
	}
	defer unlock()

	f, err := os.Open(fs.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.StoreError("open", fs.path, err)
	}
	defer f.Close()

	values := make(map[Key]string)
	inVariables := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == variablesSection {
			inVariables = true
			continue
		}
		if strings.HasPrefix(line, "[") {
			inVariables = false
			continue
		}
		name, value, ok := strings.Cut(line, " = ")
		if !inVariables || !ok {
			continue
		}
		values[Key(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return errors.StoreError("read", fs.path, err)
	}

	fs.mu.Lock()
	fs.values = values
	fs.mu.Unlock()
	return nil
}

func (fs *FileStore) lock(how int) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return nil, errors.StoreError("mkdir", fs.path, err)
	}
	lf, err := os.OpenFile(fs.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.StoreError("lock", fs.path, err)
	}
	if err := unix.Flock(int(lf.Fd()), how); err != nil {
		lf.Close()
		return nil, errors.StoreError("lock", fs.path, err)
	}
	return func() {
		_ = unix.Flock(int(lf.Fd()), unix.LOCK_UN)
		lf.Close()
	}, nil
}

func (fs *FileStore) load(key Key) (string, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	v, ok := fs.values[key]
	return v, ok
}

func (fs *FileStore) save(key Key, value string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	next := make(map[Key]string, len(fs.values)+1)
	for k, v := range fs.values {
		next[k] = v
	}
	next[key] = value

	if err := fs.write(next); err != nil {
		return err
	}
	fs.values = next
	return nil
}

func (fs *FileStore) write(values map[Key]string) error {
	unlock, err := fs.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(variablesSection + "\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s = %s\n", k, values[Key(k)])
	}

	tmp := fs.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.StoreError("create", tmp, err)
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		return errors.StoreError("write", tmp, err)
	}
	if err := unix.Fsync(int(f.Fd())); err != nil {
		f.Close()
		return errors.StoreError("fsync", tmp, err)
	}
	if err := f.Close(); err != nil {
		return errors.StoreError("close", tmp, err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return errors.StoreError("rename", fs.path, err)
	}
	return nil
}

func (fs *FileStore) name() string { return "file" }
