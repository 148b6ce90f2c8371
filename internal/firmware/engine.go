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

// Package firmware installs firmware images into one of two alternating
// slots.
//
// The boot selector in the metadata partition is only pointed at a slot once
// the image in it has been fully written and verified, and even then only at
// restart time, so an interrupted or failed update always leaves the device
// booting the image it was running before.
package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/gaslyt/device-updates/api"
	"github.com/gaslyt/device-updates/internal/clock"
	"github.com/gaslyt/device-updates/internal/errs"
	"github.com/gaslyt/device-updates/internal/partition"
	"github.com/gaslyt/device-updates/internal/signature"
	"github.com/golang/glog"
)

var (
	ErrInsufficientSpace    = errs.New(errs.Capacity, "insufficient space for firmware image")
	ErrIncompleteDownload   = errs.New(errs.IO, "incomplete download")
	ErrIntegrityCheckFailed = errs.New(errs.Integrity, "firmware integrity check failed")
	ErrSignatureInvalid     = errs.New(errs.Integrity, "firmware signature invalid")
	ErrRollbackUnavailable  = errs.New(errs.State, "no known-good image to roll back to")
	ErrNetwork              = errs.New(errs.IO, "network error")
	ErrOffline              = errs.New(errs.IO, "network unavailable")
	ErrNotConfigured        = errs.New(errs.State, "no update server configured")
	ErrBusy                 = errs.New(errs.State, "firmware operation in progress")
	ErrNothingToInstall     = errs.New(errs.State, "no downloaded image to install")
	ErrMetadata             = errs.New(errs.IO, "boot metadata unavailable")
)

const (
	DefaultSlotA          = "slotA"
	DefaultSlotB          = "slotB"
	DefaultMetadata       = "metadata"
	DefaultChunkSize      = 4096
	DefaultRestartDelay   = 5 * time.Second
	DefaultRollbackDelay  = 2 * time.Second
	DefaultFactoryVersion = "1.0.0"
)

var slotNames = [2]string{"A", "B"}

// Partitions provides access to named partitions.
type Partitions interface {
	Open(name string) (*partition.Partition, error)
}

// Opts configures an Engine. Zero values select defaults.
type Opts struct {
	SlotA, SlotB, Metadata string
	// DeviceID is sent with update checks.
	DeviceID string
	// FactoryVersion is recorded for slot A when the metadata partition is
	// found to be empty.
	FactoryVersion string
	ChunkSize      int
	RestartDelay   time.Duration
	RollbackDelay  time.Duration

	// Checker is used to look for updates; may be nil.
	Checker Checker
	// Network reports connectivity; nil means always online.
	Network Network
	// Client fetches images.
	Client *http.Client
	// Verifier checks image signatures; if nil, signatures are not checked.
	Verifier  signature.Verifier
	Restarter Restarter
	Observer  Observer
	Clock     clock.Clock
}

type pendingRestart struct {
	at time.Time
	// commit, if not nil, is the slot to point the boot selector at first.
	commit *uint8
}

// Engine drives firmware updates. It is not safe for concurrent use; all
// methods are expected to be called from the device's control loop.
type Engine struct {
	opts    Opts
	journal *partition.Journal
	slots   [2]*partition.Partition
	md      Metadata

	active   uint8
	state    State
	info     *UpdateInfo
	rollback bool
	written  int64
	staged   bool
	restart  *pendingRestart
}

// Open reads the boot metadata and returns an Engine for the slot which was
// booted.
//
// This is where the result of the last boot is accounted for: an image which
// was verified and has now been started is promoted to good, which makes the
// image in the other slot a rollback target if it was good itself.
func Open(parts Partitions, opts Opts) (*Engine, error) {
	opts = withDefaults(opts)
	e := &Engine{opts: opts, state: Available}
	for i, n := range []string{opts.SlotA, opts.SlotB} {
		p, err := parts.Open(n)
		if err != nil {
			return nil, fmt.Errorf("failed to open slot partition: %w", err)
		}
		e.slots[i] = p
	}
	mp, err := parts.Open(opts.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata partition: %w", err)
	}
	if e.journal, err = partition.OpenJournal(mp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadata, err)
	}

	data, rev := e.journal.Data()
	dirty := false
	if len(data) == 0 {
		glog.Infof("No boot metadata found, assuming factory image %s in slot A", opts.FactoryVersion)
		e.md = Metadata{Boot: 0}
		e.md.Slots[0] = SlotInfo{State: SlotGood, Version: opts.FactoryVersion}
		dirty = true
	} else if err := e.md.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: revision %d: %v", ErrMetadata, rev, err)
	}

	// The bootloader refuses slots which don't hold a bootable image.
	if !e.md.Slots[e.md.Boot].State.Bootable() {
		alt := 1 - e.md.Boot
		if !e.md.Slots[alt].State.Bootable() {
			return nil, fmt.Errorf("%w: neither slot holds a bootable image", ErrMetadata)
		}
		glog.Warningf("Slot %s is %v, booting slot %s", slotNames[e.md.Boot], e.md.Slots[e.md.Boot].State, slotNames[alt])
		e.md.Boot = alt
		dirty = true
	}
	e.active = e.md.Boot
	if s := &e.md.Slots[e.active]; s.State == SlotVerified {
		glog.Infof("Image %s in slot %s booted, marking it good", s.Version, slotNames[e.active])
		s.State = SlotGood
		dirty = true
	}
	if dirty {
		if err := e.persist(); err != nil {
			return nil, err
		}
	}
	e.rollback = e.md.Slots[e.alt()].State == SlotGood
	glog.Infof("Running firmware %s from slot %s (rollback available: %v)", e.CurrentVersion(), slotNames[e.active], e.rollback)
	return e, nil
}

func withDefaults(o Opts) Opts {
	if o.SlotA == "" {
		o.SlotA = DefaultSlotA
	}
	if o.SlotB == "" {
		o.SlotB = DefaultSlotB
	}
	if o.Metadata == "" {
		o.Metadata = DefaultMetadata
	}
	if o.FactoryVersion == "" {
		o.FactoryVersion = DefaultFactoryVersion
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = DefaultRestartDelay
	}
	if o.RollbackDelay <= 0 {
		o.RollbackDelay = DefaultRollbackDelay
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Clock == nil {
		o.Clock = clock.NewSystem()
	}
	return o
}

func (e *Engine) alt() uint8 { return 1 - e.active }

func (e *Engine) persist() error {
	b, err := e.md.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	if err := e.journal.Update(b); err != nil {
		return fmt.Errorf("%w: %w", ErrMetadata, err)
	}
	return nil
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	glog.V(1).Infof("Firmware state %v -> %v", e.state, s)
	e.state = s
	e.opts.Observer.StateChanged(s, e.info)
}

// fail enters the Error state and reports err.
func (e *Engine) fail(op string, err error) error {
	glog.Warningf("Firmware %s failed: %v", op, err)
	e.setState(Error)
	e.opts.Observer.Failed(op, err)
	return err
}

func (e *Engine) busy() error {
	switch {
	case e.state == Downloading && !e.staged, e.state == Installing, e.state == RollingBack:
		return fmt.Errorf("%w: state is %v", ErrBusy, e.state)
	case e.restart != nil:
		return fmt.Errorf("%w: restart pending", ErrBusy)
	}
	return nil
}

// SetObserver replaces the engine's observer.
func (e *Engine) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	e.opts.Observer = o
}

// State returns the engine's current state.
func (e *Engine) State() State { return e.state }

// Info returns the update currently offered or in progress, if any.
func (e *Engine) Info() (UpdateInfo, bool) {
	if e.info == nil {
		return UpdateInfo{}, false
	}
	return *e.info, true
}

// CurrentVersion returns the version of the running image.
func (e *Engine) CurrentVersion() string {
	return e.md.Slots[e.active].Version
}

// ActiveSlot returns the name of the running slot.
func (e *Engine) ActiveSlot() string {
	return slotNames[e.active]
}

// RollbackAvailable reports whether the other slot holds a known-good image.
func (e *Engine) RollbackAvailable() bool { return e.rollback }

// FreeSpace returns the number of bytes available for a new image.
func (e *Engine) FreeSpace() int64 {
	return e.slots[e.alt()].Size()
}

// IsNewVersion reports whether v is newer than the running version. Versions
// which aren't semantic versions are compared for inequality.
func (e *Engine) IsNewVersion(v string) bool {
	cur := e.CurrentVersion()
	nv, err1 := semver.NewVersion(strings.TrimPrefix(v, "v"))
	cv, err2 := semver.NewVersion(strings.TrimPrefix(cur, "v"))
	if err1 != nil || err2 != nil {
		return v != "" && v != cur
	}
	return cv.LessThan(*nv)
}

// Metadata returns a copy of the boot metadata.
func (e *Engine) Metadata() Metadata { return e.md }

// CheckForUpdate asks the update server whether a newer image is available.
// If so the offer is recorded and true is returned. Failures leave the
// engine's state untouched.
func (e *Engine) CheckForUpdate(ctx context.Context) (bool, error) {
	if e.opts.Checker == nil {
		return false, ErrNotConfigured
	}
	if err := e.busy(); err != nil {
		return false, err
	}
	if e.opts.Network != nil && !e.opts.Network.Online() {
		return false, ErrOffline
	}
	o, err := e.opts.Checker.Check(ctx, api.CheckRequest{Version: e.CurrentVersion(), DeviceID: e.opts.DeviceID})
	if err != nil {
		return false, err
	}
	if !o.Available || !e.IsNewVersion(o.Version) {
		glog.V(1).Infof("No firmware update (offered %q, running %q)", o.Version, e.CurrentVersion())
		return false, nil
	}
	if err := e.Offer(InfoFromOffer(o)); err != nil {
		return false, err
	}
	return true, nil
}

// Offer records info as the update to install next.
func (e *Engine) Offer(info UpdateInfo) error {
	if err := e.busy(); err != nil {
		return err
	}
	e.discardStaged()
	info.Timestamp = e.opts.Clock.Monotonic()
	info.Progress = 0
	e.info = &info
	glog.Infof("Firmware %s offered (%s)", info.Version, info.URL)
	// Announced even if already Available, since the offer is new.
	e.state = Available
	e.opts.Observer.StateChanged(Available, e.info)
	return nil
}

// discardStaged forgets about a downloaded but not installed image.
func (e *Engine) discardStaged() {
	e.staged = false
	e.written = 0
}

// Download fetches the image at url into the inactive slot. The offered
// update's size, if known, is checked against the free space first.
func (e *Engine) Download(ctx context.Context, url string) error {
	if err := e.busy(); err != nil {
		return err
	}
	if e.info == nil {
		e.info = &UpdateInfo{URL: url, Timestamp: e.opts.Clock.Monotonic()}
	}
	if free := e.FreeSpace(); e.info.Size > free {
		return fmt.Errorf("%w: image is %d bytes, slot %s has %d", ErrInsufficientSpace, e.info.Size, slotNames[e.alt()], free)
	}
	e.discardStaged()
	e.info.Progress = 0
	e.setState(Downloading)

	alt := e.alt()
	n, err := e.fetch(ctx, url, alt)
	if err != nil {
		return e.fail("download", err)
	}
	e.written = n
	e.staged = true
	glog.Infof("Downloaded %d bytes of firmware %s into slot %s", n, e.info.Version, slotNames[alt])
	return nil
}

// fetch streams the image at url into slot alt.
func (e *Engine) fetch(ctx context.Context, url string, alt uint8) (int64, error) {
	p := e.slots[alt]
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	resp, err := e.opts.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: GET %s: %s", ErrNetwork, url, resp.Status)
	}

	size := e.info.Size
	if size <= 0 {
		size = resp.ContentLength
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: server sent an empty image", ErrIncompleteDownload)
	}
	if size > p.Size() {
		return 0, fmt.Errorf("%w: image is %d bytes, slot has %d", ErrInsufficientSpace, size, p.Size())
	}

	// From here on the slot's previous contents are gone.
	e.md.Slots[alt] = SlotInfo{State: SlotWriting, Version: e.info.Version}
	e.rollback = false
	if err := e.persist(); err != nil {
		return 0, err
	}
	w, err := p.NewWriter()
	if err != nil {
		return 0, err
	}
	var body io.Reader = resp.Body
	if size > 0 {
		body = io.LimitReader(resp.Body, size)
	}
	buf := make([]byte, e.opts.ChunkSize)
	lastPct := -1
	for {
		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				abort(w)
				return w.Written(), err
			}
			if size > 0 {
				if pct := int(w.Written() * 100 / size); pct != lastPct {
					lastPct = pct
					e.info.Progress = pct
					e.opts.Observer.Progress(pct, e.info)
				}
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			abort(w)
			return w.Written(), fmt.Errorf("%w: after %d bytes: %v", ErrIncompleteDownload, w.Written(), rerr)
		}
	}
	if size > 0 && w.Written() < size {
		abort(w)
		return w.Written(), fmt.Errorf("%w: got %d of %d bytes", ErrIncompleteDownload, w.Written(), size)
	}
	if err := w.Close(); err != nil {
		return w.Written(), err
	}
	if size < 0 {
		e.info.Progress = 100
		e.opts.Observer.Progress(100, e.info)
	}
	return w.Written(), nil
}

func abort(w *partition.Writer) {
	if err := w.Abort(); err != nil {
		glog.Warningf("Failed to erase partially written image: %v", err)
	}
}

// Install verifies the downloaded image and, if it checks out, arranges for
// the device to restart into it. The boot selector is not changed until then.
func (e *Engine) Install(ctx context.Context) error {
	if !e.staged || e.state != Downloading {
		return fmt.Errorf("%w (state %v)", ErrNothingToInstall, e.state)
	}
	e.setState(Installing)
	alt := e.alt()

	digest, err := e.imageDigest(ctx, e.slots[alt], e.written)
	if err != nil {
		return e.fail("install", err)
	}
	if err := e.verify(digest); err != nil {
		e.md.Slots[alt].State = SlotInvalid
		if perr := e.persist(); perr != nil {
			glog.Warningf("Failed to mark slot %s invalid: %v", slotNames[alt], perr)
		}
		e.discardStaged()
		return e.fail("install", err)
	}

	e.md.Slots[alt] = SlotInfo{State: SlotVerified, Version: e.info.Version, Digest: digest, Size: uint64(e.written)}
	if err := e.persist(); err != nil {
		return e.fail("install", err)
	}
	e.staged = false
	e.restart = &pendingRestart{at: e.opts.Clock.Now().Add(e.opts.RestartDelay), commit: &alt}
	glog.Infof("Firmware %s verified in slot %s, restarting in %v", e.info.Version, slotNames[alt], e.opts.RestartDelay)
	e.info.Progress = 100
	e.setState(Completed)
	e.info = nil
	return nil
}

// imageDigest returns the hex SHA-256 of the first n bytes of p.
func (e *Engine) imageDigest(ctx context.Context, p *partition.Partition, n int64) (string, error) {
	h := sha256.New()
	r := io.NewSectionReader(p, 0, n)
	buf := make([]byte, e.opts.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		c, err := r.Read(buf)
		h.Write(buf[:c])
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (e *Engine) verify(digest string) error {
	if e.info.Digest == "" {
		return fmt.Errorf("%w: no expected digest for firmware %s", ErrIntegrityCheckFailed, e.info.Version)
	}
	if !strings.EqualFold(e.info.Digest, digest) {
		return fmt.Errorf("%w: image digest %s, expected %s", ErrIntegrityCheckFailed, digest, e.info.Digest)
	}
	if e.info.Signature == "" {
		return nil
	}
	if e.opts.Verifier == nil {
		glog.Warningf("Firmware %s is signed but no verification key is configured", e.info.Version)
		return nil
	}
	if err := e.opts.Verifier.Verify(e.info.SigningInput(), e.info.Signature); err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	return nil
}

// Rollback arranges for the device to restart into the image in the other
// slot, provided it is known to be good.
func (e *Engine) Rollback() error {
	if err := e.busy(); err != nil {
		return err
	}
	if !e.rollback {
		return fmt.Errorf("%w: slot %s is %v", ErrRollbackUnavailable, slotNames[e.alt()], e.md.Slots[e.alt()].State)
	}
	e.discardStaged()
	e.setState(RollingBack)
	e.md.Boot = e.alt()
	if err := e.persist(); err != nil {
		e.md.Boot = e.active
		return e.fail("rollback", err)
	}
	e.restart = &pendingRestart{at: e.opts.Clock.Now().Add(e.opts.RollbackDelay)}
	glog.Infof("Rolling back to firmware %s in slot %s, restarting in %v", e.md.Slots[e.md.Boot].Version, slotNames[e.md.Boot], e.opts.RollbackDelay)
	return nil
}

// RestartPending reports whether a restart has been scheduled.
func (e *Engine) RestartPending() bool { return e.restart != nil }

// Poll performs a scheduled restart once it is due, first committing the boot
// selector if an install is pending. It returns true if the device was
// restarted.
func (e *Engine) Poll(now time.Time) (bool, error) {
	if e.restart == nil || now.Before(e.restart.at) {
		return false, nil
	}
	r := e.restart
	e.restart = nil
	if r.commit != nil {
		prev := e.md.Boot
		e.md.Boot = *r.commit
		if err := e.persist(); err != nil {
			e.md.Boot = prev
			return false, e.fail("restart", err)
		}
		glog.Infof("Boot slot is now %s", slotNames[e.md.Boot])
	}
	if e.opts.Restarter != nil {
		e.opts.Restarter.Restart()
	}
	return true, nil
}

// DiscardAlternate erases the inactive slot. Afterwards there is nothing to
// roll back to.
func (e *Engine) DiscardAlternate() error {
	if err := e.busy(); err != nil {
		return err
	}
	alt := e.alt()
	if err := e.slots[alt].Erase(); err != nil {
		return err
	}
	e.discardStaged()
	e.md.Slots[alt] = SlotInfo{}
	e.rollback = false
	return e.persist()
}

// Reset forgets any offered or downloaded update and returns to Available.
// A scheduled restart is left alone.
func (e *Engine) Reset() {
	if e.staged {
		alt := e.alt()
		if err := e.slots[alt].Erase(); err != nil {
			glog.Warningf("Failed to erase slot %s: %v", slotNames[alt], err)
		} else {
			e.md.Slots[alt] = SlotInfo{}
			if err := e.persist(); err != nil {
				glog.Warningf("Failed to update boot metadata: %v", err)
			}
		}
	}
	e.discardStaged()
	e.info = nil
	if e.restart == nil {
		e.setState(Available)
	}
}

// Report summarises the engine for status events.
func (e *Engine) Report() api.FirmwareReport {
	r := api.FirmwareReport{
		Type:              "firmware",
		CurrentVersion:    e.CurrentVersion(),
		RollbackAvailable: e.rollback,
		FreeSpace:         e.FreeSpace(),
		State:             e.state.String(),
		ActiveSlot:        slotNames[e.active],
	}
	if e.info != nil {
		r.AvailableVersion = e.info.Version
		r.Progress = e.info.Progress
	}
	return r
}
