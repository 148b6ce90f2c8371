// Copyright 2024 Google LLC. All Rights Reserved.
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

// Package credentials stores the device's TLS client credentials, keeping
// the previously active set as a backup which can be restored if an update
// turns out to be bad.
package credentials

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-semver/semver"
	"github.com/gaslyt/device-updates/api"
	"github.com/gaslyt/device-updates/internal/clock"
	"github.com/gaslyt/device-updates/internal/errs"
	"github.com/gaslyt/device-updates/internal/partition"
	"github.com/golang/glog"
)

var (
	ErrPartitionsMissing  = errs.New(errs.IO, "credential partitions missing")
	ErrRecordTooLarge     = errs.New(errs.Capacity, "credential record too large")
	ErrIncomplete         = errs.New(errs.Format, "incomplete credentials")
	ErrInvalidFormat      = errs.New(errs.Format, "invalid credential format")
	ErrUpdateRejected     = errs.New(errs.Integrity, "credential update rejected")
	ErrNoBackup           = errs.New(errs.State, "no backup available")
	ErrNoUsableCredential = errs.New(errs.State, "no usable credentials")
	ErrNotInitialized     = errs.New(errs.State, "credential store not initialised")
)

const (
	DefaultCurrentPartition = "certs_current"
	DefaultBackupPartition  = "certs_backup"
)

// Partitions provides access to named partitions.
type Partitions interface {
	Open(name string) (*partition.Partition, error)
}

// Opts configures a Store.
type Opts struct {
	// CurrentPartition and BackupPartition name the partitions holding the
	// active and backup bundles. Defaults are used if empty.
	CurrentPartition string
	BackupPartition  string
	// Digest computes bundle digests. Defaults to SHA256Digest.
	Digest DigestFunc
	// Clock provides bundle timestamps.
	Clock clock.Clock
}

// Store owns the active and backup credential bundles.
type Store struct {
	parts  Partitions
	opts   Opts
	digest DigestFunc

	// mu guards everything below.
	mu      sync.Mutex
	current *partition.Partition
	backup  *partition.Partition
	active  Bundle
	stored  Bundle
}

// New returns a Store which keeps its bundles in parts.
// Initialize must be called before use.
func New(parts Partitions, opts Opts) *Store {
	if opts.CurrentPartition == "" {
		opts.CurrentPartition = DefaultCurrentPartition
	}
	if opts.BackupPartition == "" {
		opts.BackupPartition = DefaultBackupPartition
	}
	d := opts.Digest
	if d == nil {
		d = SHA256Digest
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	return &Store{parts: parts, opts: opts, digest: d}
}

// Initialize locates the credential partitions and loads the active and
// backup bundles. Failure to load a bundle is not an error; the bundle is
// simply treated as empty.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.current, err = s.parts.Open(s.opts.CurrentPartition); err != nil {
		return fmt.Errorf("%w: %v", ErrPartitionsMissing, err)
	}
	if s.backup, err = s.parts.Open(s.opts.BackupPartition); err != nil {
		s.current = nil
		return fmt.Errorf("%w: %v", ErrPartitionsMissing, err)
	}
	if err := s.loadLocked(); err != nil {
		glog.Warningf("Failed to load active credentials, starting empty: %v", err)
	}
	if s.stored, err = s.readBundle(s.backup); err != nil {
		glog.Warningf("Failed to load backup credentials: %v", err)
	}
	glog.Infof("Credential store initialised: active %s, backup %s", s.active, s.stored)
	return nil
}

// Load re-reads the active bundle from its partition. A missing or corrupt
// record yields an empty, invalid, bundle rather than an error; only device
// failures are returned.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNotInitialized
	}
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	b, err := s.readBundle(s.current)
	s.active = b
	return err
}

// readBundle reads and validates a bundle from p.
func (s *Store) readBundle(p *partition.Partition) (Bundle, error) {
	data, err := p.Read()
	if err != nil {
		return Bundle{}, err
	}
	b, err := unmarshalRecord(data)
	if err != nil {
		if !errors.Is(err, errNoRecord) {
			glog.Warningf("Corrupt credential record in %q: %v", p.Name(), err)
		}
		return Bundle{}, nil
	}
	b.Valid = s.verify(b)
	if !b.Valid {
		glog.Warningf("Credential record in %q failed validation", p.Name())
	}
	return b, nil
}

// Save persists the active bundle.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNotInitialized
	}
	return s.writeBundle(s.current, s.active)
}

func (s *Store) writeBundle(p *partition.Partition, b Bundle) error {
	rec := marshalRecord(b)
	if int64(len(rec)) > p.Size() {
		return fmt.Errorf("%w: %d bytes into %q (capacity %d)", ErrRecordTooLarge, len(rec), p.Name(), p.Size())
	}
	return p.Write(rec)
}

// verify reports whether b's key material is well formed and its digest
// matches its contents.
func (s *Store) verify(b Bundle) bool {
	if b.Empty() || checkFormat(b) != nil {
		return false
	}
	return s.digest(b.Certificate, b.PrivateKey, b.CACertificate, b.Endpoint) == b.Digest
}

// Digest returns the digest the store would record for the given parts.
func (s *Store) Digest(cert, key, ca, endpoint string) string {
	return s.digest(cert, key, ca, endpoint)
}

// UpdateCredentials replaces the active bundle.
//
// The current active bundle is first copied to the backup partition. If the
// new bundle can't be validated or persisted, the previous bundle is put
// back and ErrUpdateRejected is returned.
func (s *Store) UpdateCredentials(cert, key, ca, endpoint, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNotInitialized
	}
	for _, f := range []struct{ name, v string }{
		{"certificate", cert},
		{"private key", key},
		{"CA certificate", ca},
		{"endpoint", endpoint},
		{"version", version},
	} {
		if strings.TrimSpace(f.v) == "" {
			return fmt.Errorf("%w: empty %s", ErrIncomplete, f.name)
		}
	}
	next := Bundle{
		Certificate:   cert,
		PrivateKey:    key,
		CACertificate: ca,
		Endpoint:      endpoint,
		Version:       version,
	}
	if err := checkFormat(next); err != nil {
		return err
	}

	prior := s.active
	backedUp := false
	if !prior.Empty() {
		if err := s.writeBundle(s.backup, prior); err != nil {
			// Carry on: prior is still held in memory so this update can be
			// reverted, though nothing survives a reboot.
			glog.Errorf("Failed to back up active credentials: %v", err)
			if s.stored, err = s.readBundle(s.backup); err != nil {
				s.stored = Bundle{}
			}
		} else {
			s.stored = prior
			backedUp = true
		}
	}

	next.Timestamp = s.opts.Clock.Monotonic()
	next.Digest = s.digest(next.Certificate, next.PrivateKey, next.CACertificate, next.Endpoint)
	next.Valid = s.verify(next)
	s.active = next

	var cause error
	if !next.Valid {
		cause = errors.New("new bundle failed validation")
	} else if err := s.writeBundle(s.current, next); err != nil {
		cause = err
	}
	if cause != nil {
		glog.Errorf("Credential update to v%s failed, reverting: %v", version, cause)
		s.revertLocked(prior, backedUp)
		return fmt.Errorf("%w: %w", ErrUpdateRejected, cause)
	}
	glog.Infof("Credentials updated to %s", s.active)
	return nil
}

// revertLocked puts back prior, the bundle that was active before a failed
// update, from the backup partition if it was saved there.
func (s *Store) revertLocked(prior Bundle, backedUp bool) {
	if backedUp {
		err := s.restoreLocked()
		if err == nil {
			return
		}
		glog.Warningf("Restore from backup failed: %v", err)
	}
	s.active = prior
	if prior.Empty() {
		if err := s.current.Erase(); err != nil {
			glog.Errorf("Failed to clear rejected credentials: %v", err)
		}
		return
	}
	if err := s.writeBundle(s.current, prior); err != nil {
		glog.Errorf("Failed to persist previous credentials: %v", err)
	}
}

// RestoreFromBackup makes the backup bundle active again.
func (s *Store) RestoreFromBackup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNotInitialized
	}
	return s.restoreLocked()
}

func (s *Store) restoreLocked() error {
	if s.stored.Empty() {
		return ErrNoBackup
	}
	b := s.stored
	b.Valid = s.verify(b)
	if !b.Valid {
		glog.Warningf("Restoring backup credentials which fail validation: %s", b)
	}
	s.active = b
	if err := s.writeBundle(s.current, b); err != nil {
		return fmt.Errorf("failed to persist restored credentials: %w", err)
	}
	glog.Infof("Credentials restored from backup: %s", b)
	return nil
}

// VerifyIntegrity recomputes the active bundle's digest and reports whether
// it is valid. Storage is not touched.
func (s *Store) VerifyIntegrity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.Valid = s.verify(s.active)
	return s.active.Valid
}

// Active returns a copy of the active bundle.
func (s *Store) Active() Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Backup returns a copy of the backup bundle.
func (s *Store) Backup() Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored
}

// HasBackup reports whether a backup bundle is available.
func (s *Store) HasBackup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stored.Empty()
}

// Capacity returns the largest record the active partition can hold.
func (s *Store) Capacity() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.Size()
}

// IsNewVersion reports whether v should replace the active bundle's version.
// Semantic versions are compared numerically; anything else is considered new
// if it differs.
func (s *Store) IsNewVersion(v string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return isNewer(v, s.active.Version)
}

func isNewer(v, than string) bool {
	nv, err1 := semver.NewVersion(strings.TrimPrefix(v, "v"))
	cv, err2 := semver.NewVersion(strings.TrimPrefix(than, "v"))
	if err1 != nil || err2 != nil {
		return v != than
	}
	return cv.LessThan(*nv)
}

// Reset erases both bundles.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNotInitialized
	}
	if err := s.current.Erase(); err != nil {
		return err
	}
	if err := s.backup.Erase(); err != nil {
		return err
	}
	s.active, s.stored = Bundle{}, Bundle{}
	glog.Info("Credential store reset")
	return nil
}

// Report describes the store for status events.
func (s *Store) Report() api.CredentialReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return api.CredentialReport{
		Type:      "certificados",
		Version:   s.active.Version,
		Valid:     s.active.Valid,
		Timestamp: s.active.Timestamp,
		Digest:    s.active.Digest,
		Endpoint:  s.active.Endpoint,
		HasBackup: !s.stored.Empty(),
	}
}
