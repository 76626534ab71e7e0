/*
Copyright (c) Facebook, Inc. and its affiliates.

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

// Package statefiles implements the atomic ".next.<name>" -> rename
// write pattern used for every file under the state directory, and the
// startup cleanup of stale state.
package statefiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Dir is a state directory: every write goes through a sibling
// ".next.<name>" file, fsynced and renamed into place.
type Dir struct {
	Path string
}

// New returns a Dir rooted at path. The directory must already exist.
func New(path string) *Dir { return &Dir{Path: path} }

func (d *Dir) nextPath(name string) string {
	return filepath.Join(d.Path, ".next."+name)
}

func (d *Dir) finalPath(name string) string {
	return filepath.Join(d.Path, name)
}

// WriteAtomic writes data to name via the .next.<name> -> rename
// pattern: open, write fully, fsync, close, rename.
func (d *Dir) WriteAtomic(name string, data []byte) error {
	next := d.nextPath(name)
	f, err := os.OpenFile(next, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("statefiles: opening %s: %w", next, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(next)
		return fmt.Errorf("statefiles: writing %s: %w", next, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(next)
		return fmt.Errorf("statefiles: fsync %s: %w", next, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(next)
		return fmt.Errorf("statefiles: close %s: %w", next, err)
	}
	if err := os.Rename(next, d.finalPath(name)); err != nil {
		return fmt.Errorf("statefiles: rename %s: %w", next, err)
	}
	return nil
}

// ReadFinal reads the final (already-renamed) form of name, if present.
func (d *Dir) ReadFinal(name string) ([]byte, error) {
	return os.ReadFile(d.finalPath(name))
}

// Cleanup deletes stale state-*, stats-*, .next.* files and the
// per-run singletons, as run at startup before the first "version" file
// is written.
func (d *Dir) Cleanup(singletons []string) error {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return fmt.Errorf("statefiles: reading state dir: %w", err)
	}
	wantSingleton := map[string]bool{}
	for _, s := range singletons {
		wantSingleton[s] = true
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, ".next."):
		case strings.HasPrefix(name, "state-"):
		case strings.HasPrefix(name, "stats-"):
		case wantSingleton[name]:
		default:
			continue
		}
		if err := os.Remove(filepath.Join(d.Path, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("statefiles: removing stale %s: %w", name, err)
		}
	}
	return nil
}

// Interpolate resolves the §4.3 state-filename tokens: %H hostname, %I
// host id, %P pid, %Cd clock domain/name, %Ct clock kind, %R run
// directory.
func Interpolate(template, hostname, hostID string, pid int, clockName, clockKind, runDir string) string {
	r := strings.NewReplacer(
		"%H", hostname,
		"%I", hostID,
		"%P", strconv.Itoa(pid),
		"%Cd", clockName,
		"%Ct", clockKind,
		"%R", runDir,
	)
	return r.Replace(template)
}
