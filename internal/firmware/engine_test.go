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

package firmware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gaslyt/device-updates/api"
	"github.com/gaslyt/device-updates/internal/clock"
	"github.com/gaslyt/device-updates/internal/errs"
	"github.com/gaslyt/device-updates/internal/partition"
	"github.com/gaslyt/device-updates/internal/partition/testonly"
	"github.com/google/go-cmp/cmp"
)

const (
	slotBlocks = 64
	metaStart  = 2 * slotBlocks
)

func newTable(t *testing.T) (*partition.Table, *testonly.MemDev) {
	t.Helper()
	md := testonly.NewMemDev(t, metaStart+16)
	tab, err := partition.NewTable(md, []partition.Geometry{
		{Name: DefaultSlotA, Start: 0, Length: slotBlocks},
		{Name: DefaultSlotB, Start: slotBlocks, Length: slotBlocks},
		{Name: DefaultMetadata, Start: metaStart, Length: 16},
	})
	if err != nil {
		t.Fatal(err)
	}
	return tab, md
}

type recorder struct {
	states   []State
	progress []int
	failed   []string
}

func (r *recorder) StateChanged(s State, _ *UpdateInfo) { r.states = append(r.states, s) }
func (r *recorder) Progress(p int, _ *UpdateInfo)       { r.progress = append(r.progress, p) }
func (r *recorder) Failed(op string, _ error)           { r.failed = append(r.failed, op) }

type restarter int

func (r *restarter) Restart() { *r++ }

type verifierFunc func(msg []byte, sig string) error

func (f verifierFunc) Verify(msg []byte, sig string) error { return f(msg, sig) }

type harness struct {
	tab   *partition.Table
	dev   *testonly.MemDev
	clk   *clock.Fake
	obs   *recorder
	rs    *restarter
	srv   *httptest.Server
	image []byte
	opts  Opts
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:   &clock.Fake{T: time.Unix(1700000000, 0)},
		obs:   &recorder{},
		rs:    new(restarter),
		image: bytes.Repeat([]byte("firmware-image-"), 1000),
	}
	h.tab, h.dev = newTable(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/fw.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(h.image)
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	h.opts = Opts{
		Clock:     h.clk,
		Observer:  h.obs,
		Restarter: h.rs,
		Client:    h.srv.Client(),
	}
	return h
}

func (h *harness) open(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(h.tab, h.opts)
	if err != nil {
		t.Fatalf("Open(): %v", err)
	}
	return e
}

func (h *harness) info(version string) UpdateInfo {
	d := sha256.Sum256(h.image)
	return UpdateInfo{
		Version: version,
		URL:     h.srv.URL + "/fw.bin",
		Digest:  hex.EncodeToString(d[:]),
		Size:    int64(len(h.image)),
	}
}

// install offers, downloads, and installs an image for version.
func (h *harness) install(t *testing.T, e *Engine, version string) {
	t.Helper()
	info := h.info(version)
	if err := e.Offer(info); err != nil {
		t.Fatalf("Offer(): %v", err)
	}
	if err := e.Download(context.Background(), info.URL); err != nil {
		t.Fatalf("Download(): %v", err)
	}
	if err := e.Install(context.Background()); err != nil {
		t.Fatalf("Install(): %v", err)
	}
}

// restart fires a pending restart and boots the device again.
func (h *harness) restart(t *testing.T, e *Engine) *Engine {
	t.Helper()
	h.clk.Advance(time.Minute)
	if ok, err := e.Poll(h.clk.Now()); !ok || err != nil {
		t.Fatalf("Poll() = %v, %v, want true, nil", ok, err)
	}
	return h.open(t)
}

func TestOpenFactory(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	if got, want := e.CurrentVersion(), DefaultFactoryVersion; got != want {
		t.Errorf("CurrentVersion() = %q, want %q", got, want)
	}
	if e.State() != Available || e.RollbackAvailable() || e.ActiveSlot() != "A" {
		t.Errorf("state=%v rollback=%v slot=%s", e.State(), e.RollbackAvailable(), e.ActiveSlot())
	}
	if got, want := e.FreeSpace(), int64(slotBlocks*testonly.MemBlockSize); got != want {
		t.Errorf("FreeSpace() = %d, want %d", got, want)
	}

	// The factory metadata was persisted.
	h.opts.FactoryVersion = "9.9.9"
	if got := h.open(t).CurrentVersion(); got != DefaultFactoryVersion {
		t.Errorf("CurrentVersion() after reopen = %q", got)
	}
}

func TestUpdateAndRestart(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	h.install(t, e, "2.0.0")

	if diff := cmp.Diff([]State{Available, Downloading, Installing, Completed}, h.obs.states); diff != "" {
		t.Errorf("state transitions diff (-want +got):\n%s", diff)
	}
	if n := len(h.obs.progress); n == 0 || h.obs.progress[n-1] != 100 {
		t.Errorf("progress = %v, want it to end at 100", h.obs.progress)
	}
	for i := 1; i < len(h.obs.progress); i++ {
		if h.obs.progress[i] <= h.obs.progress[i-1] {
			t.Fatalf("progress not increasing: %v", h.obs.progress)
		}
	}
	if !e.RestartPending() {
		t.Fatal("no restart scheduled")
	}
	if got := e.Metadata().Boot; got != 0 {
		t.Errorf("boot slot committed before restart: %d", got)
	}
	if err := e.Download(context.Background(), "http://unused"); !errors.Is(err, ErrBusy) {
		t.Errorf("Download() with restart pending = %v, want ErrBusy", err)
	}

	if ok, _ := e.Poll(h.clk.Now().Add(DefaultRestartDelay - time.Second)); ok {
		t.Error("Poll() restarted early")
	}
	e = h.restart(t, e)
	if *h.rs != 1 {
		t.Errorf("restarted %d times, want 1", *h.rs)
	}
	if got, want := e.CurrentVersion(), "2.0.0"; got != want {
		t.Errorf("CurrentVersion() = %q, want %q", got, want)
	}
	if e.ActiveSlot() != "B" || !e.RollbackAvailable() {
		t.Errorf("slot=%s rollback=%v, want B, true", e.ActiveSlot(), e.RollbackAvailable())
	}
	md := e.Metadata()
	d := sha256.Sum256(h.image)
	want := SlotInfo{State: SlotGood, Version: "2.0.0", Digest: hex.EncodeToString(d[:]), Size: uint64(len(h.image))}
	if diff := cmp.Diff(want, md.Slots[1]); diff != "" {
		t.Errorf("slot B diff (-want +got):\n%s", diff)
	}
}

// A power loss after a successful install but before the restart leaves the
// previous image as the boot target.
func TestPowerLossBeforeRestart(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	h.install(t, e, "2.0.0")

	e = h.open(t)
	if got, want := e.CurrentVersion(), DefaultFactoryVersion; got != want {
		t.Errorf("CurrentVersion() = %q, want %q", got, want)
	}
	if e.ActiveSlot() != "A" {
		t.Errorf("ActiveSlot() = %s, want A", e.ActiveSlot())
	}
	if e.State() != Available || e.RestartPending() {
		t.Errorf("state=%v pending=%v", e.State(), e.RestartPending())
	}
}

// A torn write of the boot selector at restart leaves the previous record.
func TestPowerLossDuringCommit(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	h.install(t, e, "2.0.0")

	h.dev.OnWrite = func(lba uint) error {
		if lba >= metaStart {
			return errors.New("power lost")
		}
		return nil
	}
	h.clk.Advance(time.Minute)
	if ok, err := e.Poll(h.clk.Now()); ok || !errors.Is(err, ErrMetadata) {
		t.Fatalf("Poll() = %v, %v, want false, ErrMetadata", ok, err)
	}
	if *h.rs != 0 {
		t.Error("restarted despite failed commit")
	}
	h.dev.OnWrite = nil
	if got := h.open(t).ActiveSlot(); got != "A" {
		t.Errorf("ActiveSlot() = %s, want A", got)
	}
}

func TestInsufficientSpace(t *testing.T) {
	dev, err := partition.CreateFileDevice(filepath.Join(t.TempDir(), "flash.img"), 1000, 3016)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })
	tab, err := partition.NewTable(dev, []partition.Geometry{
		{Name: DefaultSlotA, Start: 0, Length: 1500},
		{Name: DefaultSlotB, Start: 1500, Length: 1500},
		{Name: DefaultMetadata, Start: 3000, Length: 16},
	})
	if err != nil {
		t.Fatal(err)
	}
	obs := &recorder{}
	e, err := Open(tab, Opts{Observer: obs, Clock: &clock.Fake{}})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.FreeSpace(); got != 1500000 {
		t.Fatalf("FreeSpace() = %d, want 1500000", got)
	}
	if err := e.Offer(UpdateInfo{Version: "2.0.0", URL: "http://127.0.0.1:1/fw.bin", Digest: "00", Size: 2000000}); err != nil {
		t.Fatal(err)
	}
	err = e.Download(context.Background(), "http://127.0.0.1:1/fw.bin")
	if !errors.Is(err, ErrInsufficientSpace) || !errors.Is(err, errs.Capacity) {
		t.Fatalf("Download() = %v, want ErrInsufficientSpace", err)
	}
	if e.State() != Available {
		t.Errorf("State() = %v, want AVAILABLE", e.State())
	}
	if len(obs.failed) != 0 {
		t.Errorf("Failed() called for %v", obs.failed)
	}
}

func TestInstallFailures(t *testing.T) {
	for _, test := range []struct {
		name     string
		mutate   func(*UpdateInfo)
		verifier verifierFunc
		wantErr  error
	}{
		{
			name:    "digest mismatch",
			mutate:  func(i *UpdateInfo) { i.Digest = hex.EncodeToString(make([]byte, 32)) },
			wantErr: ErrIntegrityCheckFailed,
		}, {
			name:    "no digest",
			mutate:  func(i *UpdateInfo) { i.Digest = "" },
			wantErr: ErrIntegrityCheckFailed,
		}, {
			name:     "bad signature",
			mutate:   func(i *UpdateInfo) { i.Signature = "rsa:bad" },
			verifier: func([]byte, string) error { return errors.New("nope") },
			wantErr:  ErrSignatureInvalid,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t)
			if test.verifier != nil {
				h.opts.Verifier = test.verifier
			}
			e := h.open(t)
			info := h.info("2.0.0")
			test.mutate(&info)
			if err := e.Offer(info); err != nil {
				t.Fatal(err)
			}
			if err := e.Download(context.Background(), info.URL); err != nil {
				t.Fatalf("Download(): %v", err)
			}
			err := e.Install(context.Background())
			if !errors.Is(err, test.wantErr) || !errors.Is(err, errs.Integrity) {
				t.Fatalf("Install() = %v, want %v", err, test.wantErr)
			}
			if e.State() != Error || e.RestartPending() {
				t.Errorf("state=%v pending=%v, want ERROR, false", e.State(), e.RestartPending())
			}
			md := e.Metadata()
			if md.Boot != 0 || md.Slots[1].State != SlotInvalid {
				t.Errorf("metadata = %+v, want boot 0 and slot B invalid", md)
			}
			if got := h.open(t).CurrentVersion(); got != DefaultFactoryVersion {
				t.Errorf("CurrentVersion() after reboot = %q", got)
			}
			if err := e.Install(context.Background()); !errors.Is(err, ErrNothingToInstall) {
				t.Errorf("second Install() = %v, want ErrNothingToInstall", err)
			}
		})
	}
}

func TestSignature(t *testing.T) {
	h := newHarness(t)
	var gotMsg []byte
	h.opts.Verifier = verifierFunc(func(msg []byte, sig string) error {
		gotMsg = msg
		if sig != "note:good" {
			return errors.New("bad")
		}
		return nil
	})
	e := h.open(t)
	info := h.info("2.0.0")
	info.Signature = "note:good"
	if err := e.Offer(info); err != nil {
		t.Fatal(err)
	}
	if err := e.Download(context.Background(), info.URL); err != nil {
		t.Fatal(err)
	}
	if err := e.Install(context.Background()); err != nil {
		t.Fatalf("Install(): %v", err)
	}
	if want := info.Version + info.URL + info.Digest; string(gotMsg) != want {
		t.Errorf("signed message = %q, want %q", gotMsg, want)
	}

	// Without a key, signatures can't be checked and are ignored.
	h2 := newHarness(t)
	e2 := h2.open(t)
	info2 := h2.info("2.0.0")
	info2.Signature = "rsa:whatever"
	if err := e2.Offer(info2); err != nil {
		t.Fatal(err)
	}
	if err := e2.Download(context.Background(), info2.URL); err != nil {
		t.Fatal(err)
	}
	if err := e2.Install(context.Background()); err != nil {
		t.Errorf("Install() without verifier: %v", err)
	}
}

func TestDownloadFailures(t *testing.T) {
	for _, test := range []struct {
		name    string
		url     string
		size    int64
		wantErr error
	}{
		{name: "not found", url: "/missing", wantErr: ErrNetwork},
		{name: "short read", url: "/fw.bin", size: 1 << 14, wantErr: ErrIncompleteDownload},
	} {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t)
			e := h.open(t)
			info := h.info("2.0.0")
			info.URL = h.srv.URL + test.url
			info.Size = test.size
			if err := e.Offer(info); err != nil {
				t.Fatal(err)
			}
			err := e.Download(context.Background(), info.URL)
			if !errors.Is(err, test.wantErr) || !errors.Is(err, errs.IO) {
				t.Fatalf("Download() = %v, want %v", err, test.wantErr)
			}
			if e.State() != Error {
				t.Errorf("State() = %v, want ERROR", e.State())
			}
			if diff := cmp.Diff([]string{"download"}, h.obs.failed); diff != "" {
				t.Errorf("Failed() diff (-want +got):\n%s", diff)
			}
			if err := e.Install(context.Background()); !errors.Is(err, ErrNothingToInstall) {
				t.Errorf("Install() = %v, want ErrNothingToInstall", err)
			}
			if got := e.Metadata().Boot; got != 0 {
				t.Errorf("boot slot = %d, want 0", got)
			}
		})
	}
}

func TestDownloadFlashFault(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	info := h.info("2.0.0")
	if err := e.Offer(info); err != nil {
		t.Fatal(err)
	}
	h.dev.OnWrite = func(lba uint) error {
		if lba == slotBlocks+3 {
			return errors.New("bad block")
		}
		return nil
	}
	if err := e.Download(context.Background(), info.URL); !errors.Is(err, partition.ErrIO) {
		t.Fatalf("Download() = %v, want partition.ErrIO", err)
	}
	if e.State() != Error {
		t.Errorf("State() = %v, want ERROR", e.State())
	}
}

func TestRollback(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	if err := e.Rollback(); !errors.Is(err, ErrRollbackUnavailable) || !errors.Is(err, errs.State) {
		t.Fatalf("Rollback() on factory device = %v, want ErrRollbackUnavailable", err)
	}
	if e.State() != Available {
		t.Errorf("State() = %v, want AVAILABLE", e.State())
	}

	h.install(t, e, "2.0.0")
	e = h.restart(t, e)

	if err := e.Rollback(); err != nil {
		t.Fatalf("Rollback(): %v", err)
	}
	if e.State() != RollingBack {
		t.Errorf("State() = %v, want ROLLING_BACK", e.State())
	}
	// Rollback doesn't wait for the restart to switch slots.
	if got := e.Metadata().Boot; got != 0 {
		t.Errorf("boot slot = %d, want 0", got)
	}
	e = h.restart(t, e)
	if got := e.CurrentVersion(); got != DefaultFactoryVersion {
		t.Errorf("CurrentVersion() = %q, want %q", got, DefaultFactoryVersion)
	}
	if !e.RollbackAvailable() {
		t.Error("2.0.0 should now be the rollback target")
	}
}

// A failed install never moves the boot slot, though it does use up the
// rollback target.
func TestRollbackAfterFailedInstall(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	h.install(t, e, "2.0.0")
	e = h.restart(t, e)
	h.install(t, e, "3.0.0")
	e = h.restart(t, e)
	if e.CurrentVersion() != "3.0.0" || !e.RollbackAvailable() {
		t.Fatalf("version=%s rollback=%v", e.CurrentVersion(), e.RollbackAvailable())
	}

	// The download target is the rollback target, so once a new download
	// starts there's nothing left to roll back to.
	info := h.info("4.0.0")
	info.Digest = "deadbeef"
	if err := e.Offer(info); err != nil {
		t.Fatal(err)
	}
	if err := e.Download(context.Background(), info.URL); err != nil {
		t.Fatal(err)
	}
	if err := e.Install(context.Background()); !errors.Is(err, ErrIntegrityCheckFailed) {
		t.Fatalf("Install() = %v", err)
	}
	if err := e.Rollback(); !errors.Is(err, ErrRollbackUnavailable) {
		t.Errorf("Rollback() = %v, want ErrRollbackUnavailable", err)
	}
	if got := h.open(t).CurrentVersion(); got != "3.0.0" {
		t.Errorf("CurrentVersion() after reboot = %q, want 3.0.0", got)
	}
}

func TestDiscardAndReset(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	h.install(t, e, "2.0.0")
	e = h.restart(t, e)

	info := h.info("3.0.0")
	if err := e.Offer(info); err != nil {
		t.Fatal(err)
	}
	if err := e.Download(context.Background(), info.URL); err != nil {
		t.Fatal(err)
	}
	e.Reset()
	if _, ok := e.Info(); ok || e.State() != Available {
		t.Errorf("after Reset() state=%v info=%v", e.State(), ok)
	}
	if got := e.Metadata().Slots[0].State; got != SlotEmpty {
		t.Errorf("slot A state = %v, want empty", got)
	}

	if err := e.DiscardAlternate(); err != nil {
		t.Fatalf("DiscardAlternate(): %v", err)
	}
	if e.RollbackAvailable() {
		t.Error("RollbackAvailable() after DiscardAlternate")
	}
	if got := h.open(t).CurrentVersion(); got != "2.0.0" {
		t.Errorf("CurrentVersion() = %q", got)
	}
}

func TestCheckForUpdate(t *testing.T) {
	offer := api.UpdateOffer{Available: true, Version: "2.0.0", URL: "http://fw/2.bin", Hash: "ab", Size: 10, Description: "fixes", Critical: true}
	for _, test := range []struct {
		name    string
		offer   api.UpdateOffer
		status  int
		offline bool
		want    bool
		wantErr error
	}{
		{name: "newer", offer: offer, status: http.StatusOK, want: true},
		{name: "not available", offer: api.UpdateOffer{}, status: http.StatusOK},
		{name: "same version", offer: api.UpdateOffer{Available: true, Version: DefaultFactoryVersion}, status: http.StatusOK},
		{name: "older version", offer: api.UpdateOffer{Available: true, Version: "0.9.0"}, status: http.StatusOK},
		{name: "server error", status: http.StatusInternalServerError, wantErr: ErrNetwork},
		{name: "offline", offline: true, wantErr: ErrOffline},
	} {
		t.Run(test.name, func(t *testing.T) {
			var gotReq api.CheckRequest
			var gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/"+api.HTTPCheckUpdates || r.Method != http.MethodPost {
					http.NotFound(w, r)
					return
				}
				gotAuth = r.Header.Get("Authorization")
				if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				w.WriteHeader(test.status)
				json.NewEncoder(w).Encode(api.CheckResponse{Update: test.offer})
			}))
			defer srv.Close()
			u, err := url.Parse(srv.URL)
			if err != nil {
				t.Fatal(err)
			}

			h := newHarness(t)
			h.opts.DeviceID = "GASLYT-01"
			h.opts.Checker = HTTPChecker{ServerURL: u, Client: NewHTTPClient(context.Background(), "s3cret", time.Second)}
			h.opts.Network = networkFunc(func() bool { return !test.offline })
			e := h.open(t)

			got, err := e.CheckForUpdate(context.Background())
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("CheckForUpdate() = %v, want %v", err, test.wantErr)
			}
			if got != test.want {
				t.Errorf("CheckForUpdate() = %v, want %v", got, test.want)
			}
			if e.State() != Available {
				t.Errorf("State() = %v", e.State())
			}
			if test.offline {
				return
			}
			if diff := cmp.Diff(api.CheckRequest{Version: DefaultFactoryVersion, DeviceID: "GASLYT-01"}, gotReq); diff != "" {
				t.Errorf("request diff (-want +got):\n%s", diff)
			}
			if gotAuth != "Bearer s3cret" {
				t.Errorf("Authorization = %q", gotAuth)
			}
			info, ok := e.Info()
			if ok != test.want {
				t.Fatalf("Info() ok = %v, want %v", ok, test.want)
			}
			if ok {
				want := InfoFromOffer(offer)
				want.Timestamp = info.Timestamp
				if diff := cmp.Diff(want, info); diff != "" {
					t.Errorf("Info() diff (-want +got):\n%s", diff)
				}
			}
		})
	}

	h := newHarness(t)
	if _, err := h.open(t).CheckForUpdate(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("CheckForUpdate() without server = %v, want ErrNotConfigured", err)
	}
}

type networkFunc func() bool

func (f networkFunc) Online() bool { return f() }

func TestIsNewVersion(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	for v, want := range map[string]bool{
		"1.0.1":  true,
		"v2.0.0": true,
		"1.0.0":  false,
		"0.9.9":  false,
		"build7": true,
		"":       false,
	} {
		if got := e.IsNewVersion(v); got != want {
			t.Errorf("IsNewVersion(%q) = %v, want %v", v, got, want)
		}
	}
}

func TestReport(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	if err := e.Offer(h.info("2.0.0")); err != nil {
		t.Fatal(err)
	}
	want := api.FirmwareReport{
		Type:             "firmware",
		CurrentVersion:   DefaultFactoryVersion,
		AvailableVersion: "2.0.0",
		FreeSpace:        slotBlocks * testonly.MemBlockSize,
		State:            "AVAILABLE",
		ActiveSlot:       "A",
	}
	if diff := cmp.Diff(want, e.Report()); diff != "" {
		t.Errorf("Report() diff (-want +got):\n%s", diff)
	}
}

func TestMetadataUnmarshalErrors(t *testing.T) {
	good, err := Metadata{Boot: 1, Slots: [2]SlotInfo{{State: SlotGood, Version: "1"}, {State: SlotVerified, Version: "2"}}}.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var m Metadata
	if err := m.UnmarshalBinary(good); err != nil || m.Boot != 1 || m.Slots[1].Version != "2" {
		t.Fatalf("UnmarshalBinary(good) = %v, %+v", err, m)
	}
	for name, b := range map[string][]byte{
		"empty":     nil,
		"truncated": good[:len(good)-1],
		"trailing":  append(append([]byte{}, good...), 0),
		"format":    append([]byte{9}, good[1:]...),
		"boot":      append([]byte{metadataFormat, 2}, good[2:]...),
		"state":     append([]byte{metadataFormat, 0, 7}, good[3:]...),
	} {
		if err := new(Metadata).UnmarshalBinary(b); err == nil {
			t.Errorf("UnmarshalBinary(%s) succeeded", name)
		}
	}
}
