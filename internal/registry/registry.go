// Package registry persists the set of device addresses the gateway has ever
// seen, so a returning device can be told apart from a new one.
//
// The file is an append-only sequence of fixed-size records with no header.
// Each record is the normalized address, space padded, ending in '\n', which
// keeps the file readable with ordinary text tools.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/srg/beegate/internal/radio"
)

// RecordSize is the on-disk size of one record.
const RecordSize = 64

const maxAddressLen = RecordSize - 1

var (
	// ErrLocked is returned by Open when another process holds the registry.
	ErrLocked = errors.New("registry is locked by another process")

	// ErrInvalidAddress is returned for addresses that cannot be stored.
	ErrInvalidAddress = errors.New("invalid device address")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("registry closed")
)

// Registry is a persisted, deduplicated set of device addresses.
//
// LookupOrRegister is the only cross-session synchronization point of the
// gateway: the membership scan and the append happen under one mutex, so two
// concurrent discoveries of the same address never both see it as new.
type Registry struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	logger *logrus.Logger
}

// Open opens or creates the registry at path and takes an exclusive advisory
// lock on it for the lifetime of the Registry.
func Open(path string, logger *logrus.Logger) (*Registry, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry %q: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("failed to lock registry %q: %w", path, err)
	}

	r := &Registry{f: f, path: path, logger: logger}
	if err := r.repairTail(); err != nil {
		_ = r.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"path":    path,
		"devices": r.count(),
	}).Debug("Registry opened")
	return r, nil
}

// repairTail drops a torn final record left by an interrupted append.
func (r *Registry) repairTail() error {
	st, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat registry: %w", err)
	}
	if extra := st.Size() % RecordSize; extra != 0 {
		r.logger.WithFields(logrus.Fields{
			"path":  r.path,
			"bytes": extra,
		}).Warn("Discarding torn registry record")
		if err := r.f.Truncate(st.Size() - extra); err != nil {
			return fmt.Errorf("failed to truncate torn registry record: %w", err)
		}
	}
	return nil
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

// LookupOrRegister reports whether address was already registered. A miss
// appends a record before returning false.
func (r *Registry) LookupOrRegister(address string) (known bool, err error) {
	addr := radio.NormalizeAddress(address)
	if err := validate(addr); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return false, ErrClosed
	}

	found := false
	err = r.scan(func(a string) bool {
		if a == addr {
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return false, err
	}
	if found {
		return true, nil
	}

	if _, err := r.f.Write(encode(addr)); err != nil {
		return false, fmt.Errorf("failed to append registry record: %w", err)
	}
	if err := r.f.Sync(); err != nil {
		return false, fmt.Errorf("failed to sync registry: %w", err)
	}

	r.logger.WithField("address", addr).Info("Registered new device")
	return false, nil
}

// List returns every registered address in registration order.
func (r *Registry) List() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return nil, ErrClosed
	}
	var out []string
	err := r.scan(func(a string) bool {
		out = append(out, a)
		return true
	})
	return out, err
}

// Close releases the lock and the file.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return nil
	}
	_ = unix.Flock(int(r.f.Fd()), unix.LOCK_UN)
	err := r.f.Close()
	r.f = nil
	return err
}

// scan visits records in file order until fn returns false. Caller holds mu.
func (r *Registry) scan(fn func(address string) bool) error {
	buf := make([]byte, RecordSize)
	for off := int64(0); ; off += RecordSize {
		n, err := r.f.ReadAt(buf, off)
		if n < RecordSize {
			if err == nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read registry record at %d: %w", off, err)
		}
		if !fn(decode(buf)) {
			return nil
		}
	}
}

func (r *Registry) count() int {
	st, err := r.f.Stat()
	if err != nil {
		return 0
	}
	return int(st.Size() / RecordSize)
}

func validate(addr string) error {
	if addr == "" || len(addr) > maxAddressLen || strings.ContainsAny(addr, "\n\r ") {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}

func encode(addr string) []byte {
	b := bytes.Repeat([]byte{' '}, RecordSize)
	copy(b, addr)
	b[RecordSize-1] = '\n'
	return b
}

func decode(b []byte) string {
	return string(bytes.TrimRight(b, " \n\x00"))
}
