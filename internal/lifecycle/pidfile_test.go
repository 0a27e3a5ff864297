// Copyright 2025 Tom Barlow
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

package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestPIDFile_Create(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("creates PID file with correct content", func(t *testing.T) {
		p := NewPIDFile(filepath.Join(tmpDir, "ldmsd.pid"))
		defer p.Remove()

		if err := p.Create(os.Getpid()); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if !p.Exists() {
			t.Error("PID file does not exist after Create()")
		}
		pid, err := p.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if pid != os.Getpid() {
			t.Errorf("Read() = %d, want %d", pid, os.Getpid())
		}
	})

	t.Run("refuses a file owned by a live process", func(t *testing.T) {
		path := filepath.Join(tmpDir, "live.pid")
		first := NewPIDFile(path)
		defer first.Remove()

		if err := first.Create(os.Getpid()); err != nil {
			t.Fatalf("first Create() error = %v", err)
		}
		err := NewPIDFile(path).Create(os.Getpid())
		if !errors.Is(err, ErrPIDFileExists) {
			t.Errorf("second Create() error = %v, want ErrPIDFileExists", err)
		}
	})

	t.Run("replaces a stale file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "stale.pid")
		// PIDs this large are above pid_max on Linux.
		if err := os.WriteFile(path, []byte("99999999\n"), 0644); err != nil {
			t.Fatal(err)
		}

		p := NewPIDFile(path)
		defer p.Remove()
		if err := p.Create(os.Getpid()); err != nil {
			t.Fatalf("Create() over stale file error = %v", err)
		}
		if pid, _ := p.Read(); pid != os.Getpid() {
			t.Errorf("Read() = %d, want %d", pid, os.Getpid())
		}
	})

	t.Run("replaces a garbage file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "garbage.pid")
		if err := os.WriteFile(path, []byte("not-a-pid"), 0644); err != nil {
			t.Fatal(err)
		}

		p := NewPIDFile(path)
		defer p.Remove()
		if err := p.Create(os.Getpid()); err != nil {
			t.Fatalf("Create() over garbage file error = %v", err)
		}
	})

	t.Run("creates parent directory if missing", func(t *testing.T) {
		path := filepath.Join(tmpDir, "run", "ldmsd", "ldmsd.pid")
		p := NewPIDFile(path)
		defer p.Remove()

		if err := p.Create(os.Getpid()); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := os.Stat(filepath.Dir(path)); err != nil {
			t.Errorf("parent directory not created: %v", err)
		}
	})
}

func TestPIDFile_Read(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr error
	}{
		{name: "valid", content: "1234\n", want: 1234},
		{name: "whitespace", content: "  42  \n\n", want: 42},
		{name: "non-numeric", content: "abc", wantErr: ErrInvalidPID},
		{name: "zero", content: "0", wantErr: ErrInvalidPID},
		{name: "negative", content: "-5", wantErr: ErrInvalidPID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.name+".pid")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			pid, err := NewPIDFile(path).Read()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Read() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if pid != tt.want {
				t.Errorf("Read() = %d, want %d", pid, tt.want)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := NewPIDFile(filepath.Join(tmpDir, "missing.pid")).Read()
		if !os.IsNotExist(err) {
			t.Errorf("Read() error = %v, want not-exist", err)
		}
	})
}

func TestPIDFile_Remove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ldmsd.pid")
	p := NewPIDFile(path)

	if err := p.Create(os.Getpid()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := p.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if p.Exists() {
		t.Error("PID file still exists after Remove()")
	}
	if err := p.Remove(); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestPIDFile_HoldsLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ldmsd.pid")
	p := NewPIDFile(path)
	defer p.Remove()

	if err := p.Create(os.Getpid()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if !errors.Is(err, unix.EWOULDBLOCK) {
		t.Errorf("flock on held PID file = %v, want EWOULDBLOCK", err)
	}
}

func TestPIDFile_DirectorySafety(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "open")
	if err := os.Mkdir(dir, 0777); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(dir, 0777); err != nil {
		t.Fatal(err)
	}

	err := NewPIDFile(filepath.Join(dir, "ldmsd.pid")).Create(os.Getpid())
	if !errors.Is(err, ErrUnsafeDirectory) {
		t.Errorf("Create() error = %v, want ErrUnsafeDirectory", err)
	}
}

func TestProcessRunning(t *testing.T) {
	if !ProcessRunning(os.Getpid()) {
		t.Error("ProcessRunning(self) = false")
	}
	if ProcessRunning(0) {
		t.Error("ProcessRunning(0) = true")
	}
	if ProcessRunning(99999999) {
		t.Error("ProcessRunning(99999999) = true")
	}
}
