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

// Package orchestrator turns remote commands into credential and firmware
// operations, and reports on their outcome over the message bus.
//
// Every command results in exactly one terminal event: a confirmation if it
// succeeded, or an error event if it did not. Status and progress events may
// be published along the way.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gaslyt/device-updates/api"
	"github.com/gaslyt/device-updates/internal/bus"
	"github.com/gaslyt/device-updates/internal/clock"
	"github.com/gaslyt/device-updates/internal/credentials"
	"github.com/gaslyt/device-updates/internal/errs"
	"github.com/gaslyt/device-updates/internal/firmware"
	"github.com/gaslyt/device-updates/internal/signature"
	"github.com/golang/glog"
)

var (
	ErrBusy              = errs.New(errs.State, "operation already in progress")
	ErrSignatureRequired = errs.New(errs.Integrity, "command is not signed")
	ErrSignatureInvalid  = errs.New(errs.Integrity, "command signature invalid")
	ErrDigestMismatch    = errs.New(errs.Integrity, "credential digest mismatch")
)

// DefaultCheckInterval is how often the periodic check runs by default.
const DefaultCheckInterval = time.Hour

// Opts configures an Orchestrator.
type Opts struct {
	DeviceID string
	// AutoUpdate enables the periodic check.
	AutoUpdate    bool
	CheckInterval time.Duration
	// Verifier checks command signatures. If nil, signatures are ignored.
	Verifier signature.Verifier
	// RequireSignature rejects update commands which carry no signature.
	RequireSignature bool
	// SecureClient, if set, is reconfigured whenever the credentials change.
	SecureClient credentials.SecureClient
	Clock        clock.Clock
}

// Status is a snapshot of the orchestrator's view of the device.
type Status struct {
	Device      string               `json:"dispositivo"`
	Busy        []api.Subsystem      `json:"ocupado"`
	AutoUpdate  bool                 `json:"actualizaciones_automaticas"`
	LastCheck   time.Time            `json:"ultima_verificacion"`
	Credentials api.CredentialReport `json:"certificados"`
	Firmware    api.FirmwareReport   `json:"firmware"`
}

// Orchestrator coordinates the credential store and the firmware engine.
//
// Commands for different subsystems may be dispatched concurrently; a second
// command for a subsystem which is already busy is rejected with ErrBusy.
// The firmware engine is only ever touched while the firmware subsystem is
// held.
type Orchestrator struct {
	opts   Opts
	topics api.Topics
	pub    bus.Publisher
	creds  *credentials.Store
	fw     *firmware.Engine

	// mu guards everything below.
	mu        sync.Mutex
	busy      map[api.Subsystem]bool
	lastCheck time.Time
	status    Status
}

// New returns an Orchestrator which publishes events to pub. It registers
// itself as fw's observer.
func New(pub bus.Publisher, creds *credentials.Store, fw *firmware.Engine, opts Opts) *Orchestrator {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	o := &Orchestrator{
		opts:      opts,
		topics:    api.TopicsFor(opts.DeviceID),
		pub:       pub,
		creds:     creds,
		fw:        fw,
		busy:      make(map[api.Subsystem]bool),
		lastCheck: opts.Clock.Now(),
	}
	o.status = Status{Device: opts.DeviceID, AutoUpdate: opts.AutoUpdate, LastCheck: o.lastCheck}
	fw.SetObserver(firmwareObserver{o})
	o.refreshCredentials()
	o.refreshFirmware()
	return o
}

// Topics returns the device's topics.
func (o *Orchestrator) Topics() api.Topics { return o.topics }

// Status returns a snapshot of the device's update status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status
	s.Busy = nil
	for _, sub := range []api.Subsystem{api.Credentials, api.Firmware} {
		if o.busy[sub] {
			s.Busy = append(s.Busy, sub)
		}
	}
	return s
}

func (o *Orchestrator) acquire(sub api.Subsystem) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy[sub] {
		return false
	}
	o.busy[sub] = true
	return true
}

func (o *Orchestrator) release(sub api.Subsystem) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.busy, sub)
}

func (o *Orchestrator) refreshCredentials() {
	r := o.creds.Report()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.Credentials = r
}

// refreshFirmware must only be called while holding the firmware subsystem,
// or before the orchestrator is shared.
func (o *Orchestrator) refreshFirmware() {
	r := o.fw.Report()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.Firmware = r
}

// HandleMessage handles a message received on one of the command topics.
// Messages on other topics are ignored.
func (o *Orchestrator) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	sub := o.topics.SubsystemOf(topic)
	if sub == "" {
		glog.V(1).Infof("Ignoring message on %q", topic)
		return nil
	}
	c, err := api.ParseCommand(payload)
	if err != nil {
		glog.Warningf("Rejected command on %s: %v", topic, err)
		o.publishError(ctx, err, sub)
		return err
	}
	if c.Kind.Subsystem() != sub {
		err := fmt.Errorf("%w: %s is not accepted on %s", api.ErrMalformedCommand, c.Kind, topic)
		o.publishError(ctx, err, sub)
		return err
	}
	return o.Dispatch(ctx, c)
}

// Dispatch runs c and publishes its outcome.
func (o *Orchestrator) Dispatch(ctx context.Context, c *api.Command) error {
	sub := c.Kind.Subsystem()
	if err := c.Validate(); err != nil {
		o.publishError(ctx, err, sub)
		return err
	}
	if !o.acquire(sub) {
		err := fmt.Errorf("%w: %s", ErrBusy, sub)
		o.publishError(ctx, err, sub)
		return err
	}
	defer o.release(sub)

	glog.Infof("Processing command %s", c.Kind)
	var msg string
	var err error
	switch c.Kind {
	case api.UpdateCredentials:
		msg, err = o.updateCredentials(ctx, c)
	case api.VerifyCredentials:
		msg, err = o.checkCredentials(ctx)
	case api.UpdateFirmware:
		msg, err = o.updateFirmware(ctx, c)
	case api.VerifyFirmware:
		msg, err = o.checkFirmware(ctx)
	case api.Rollback:
		msg, err = o.rollback()
	}
	if sub == api.Firmware {
		o.refreshFirmware()
	} else {
		o.refreshCredentials()
	}
	if err != nil {
		glog.Warningf("Command %s failed: %v", c.Kind, err)
		o.publishError(ctx, err, sub)
		return err
	}
	glog.Infof("Command %s succeeded: %s", c.Kind, msg)
	o.publish(ctx, api.ConfirmationEvent{Command: c.Kind, Success: true, Message: msg})
	return nil
}

func (o *Orchestrator) checkSignature(c *api.Command) error {
	sig := api.Value(c.Signature)
	if sig == "" {
		if o.opts.RequireSignature {
			return ErrSignatureRequired
		}
		return nil
	}
	if o.opts.Verifier == nil {
		glog.Warningf("Not checking signature on %s command: no verification key configured", c.Kind)
		return nil
	}
	if err := o.opts.Verifier.Verify(c.SigningInput(), sig); err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	return nil
}

func (o *Orchestrator) updateCredentials(ctx context.Context, c *api.Command) (string, error) {
	if err := o.checkSignature(c); err != nil {
		return "", err
	}
	cert, key, ca := api.Value(c.Certificate), api.Value(c.PrivateKey), api.Value(c.CACertificate)
	endpoint, version := api.Value(c.Endpoint), api.Value(c.Version)
	if want := api.Value(c.Hash); want != "" {
		if got := o.creds.Digest(cert, key, ca, endpoint); !strings.EqualFold(got, want) {
			return "", fmt.Errorf("%w: computed %s, command says %s", ErrDigestMismatch, got, want)
		}
	}

	o.publishStatus(ctx, api.StatusCredentialsUpdating, "Actualizando certificados", nil)
	if err := o.creds.UpdateCredentials(cert, key, ca, endpoint, version); err != nil {
		return "", err
	}
	o.reconfigureClient()
	o.publishStatus(ctx, api.StatusCredentialsUpdated, "Certificados actualizados correctamente", o.creds.Report())
	return fmt.Sprintf("Certificados %s instalados", version), nil
}

func (o *Orchestrator) reconfigureClient() {
	if o.opts.SecureClient == nil {
		return
	}
	if err := o.creds.ConfigureSecureClientWithFallback(o.opts.SecureClient); err != nil {
		glog.Warningf("Failed to reconfigure secure client: %v", err)
	}
}

// checkCredentials verifies the active credentials, restoring the backup if
// they're bad. It publishes exactly one status event.
func (o *Orchestrator) checkCredentials(ctx context.Context) (string, error) {
	if o.creds.VerifyIntegrity() {
		o.publishStatus(ctx, api.StatusCredentialsValid, "Certificados válidos", o.creds.Report())
		return "Certificados válidos", nil
	}
	glog.Warning("Active credentials failed verification, restoring from backup")
	if err := o.creds.RestoreFromBackup(); err != nil {
		err = fmt.Errorf("credentials invalid and not restored: %w", err)
		o.publishStatus(ctx, api.StatusCredentialsInvalid, err.Error(), o.creds.Report())
		return "", err
	}
	o.reconfigureClient()
	o.publishStatus(ctx, api.StatusCredentialsRestored, "Certificados restaurados desde backup", o.creds.Report())
	return "Certificados restaurados desde backup", nil
}

func (o *Orchestrator) updateFirmware(ctx context.Context, c *api.Command) (string, error) {
	if err := o.checkSignature(c); err != nil {
		return "", err
	}
	info := firmware.InfoFromCommand(c)
	if err := o.fw.Offer(info); err != nil {
		return "", err
	}
	o.publishStatus(ctx, api.StatusFirmwareUpdating, "Actualizando firmware a "+info.Version, nil)
	if err := o.fw.Download(ctx, info.URL); err != nil {
		return "", err
	}
	if err := o.fw.Install(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("Firmware %s instalado, reinicio programado", info.Version), nil
}

// checkFirmware asks the update server for a newer image. It publishes
// exactly one status event.
func (o *Orchestrator) checkFirmware(ctx context.Context) (string, error) {
	avail, err := o.fw.CheckForUpdate(ctx)
	o.refreshFirmware()
	r := o.fw.Report()
	switch {
	case err != nil:
		o.publishStatus(ctx, api.StatusFirmwareCheckFailed, err.Error(), r)
		return "", err
	case avail:
		msg := "Actualización disponible: " + r.AvailableVersion
		o.publishStatus(ctx, api.StatusFirmwareAvailable, msg, r)
		return msg, nil
	default:
		o.publishStatus(ctx, api.StatusFirmwareUpToDate, "Firmware al día", r)
		return "Firmware al día", nil
	}
}

func (o *Orchestrator) rollback() (string, error) {
	if err := o.fw.Rollback(); err != nil {
		return "", err
	}
	return "Rollback programado", nil
}

// PeriodicCheck verifies the credentials and looks for a firmware update,
// publishing one status event for each. A subsystem which is busy is
// reported as such and not checked.
func (o *Orchestrator) PeriodicCheck(ctx context.Context) {
	glog.Info("Running periodic update check")
	if o.acquire(api.Credentials) {
		if _, err := o.checkCredentials(ctx); err != nil {
			glog.Warningf("Periodic credential check: %v", err)
		}
		o.refreshCredentials()
		o.release(api.Credentials)
	} else {
		o.publishStatus(ctx, api.StatusCredentialsBusy, "Operación en curso", nil)
	}
	if o.acquire(api.Firmware) {
		if _, err := o.checkFirmware(ctx); err != nil {
			glog.Warningf("Periodic firmware check: %v", err)
		}
		o.release(api.Firmware)
	} else {
		o.publishStatus(ctx, api.StatusFirmwareBusy, "Operación en curso", nil)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.LastCheck = o.lastCheck
}

// Tick performs any scheduled work which is due at now: a pending restart,
// and the periodic check if automatic updates are enabled.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) {
	if o.acquire(api.Firmware) {
		restarted, err := o.fw.Poll(now)
		o.refreshFirmware()
		o.release(api.Firmware)
		if err != nil {
			o.publishError(ctx, err, api.Firmware)
		}
		if restarted {
			return
		}
	}

	if !o.opts.AutoUpdate {
		return
	}
	o.mu.Lock()
	due := now.Sub(o.lastCheck) >= o.opts.CheckInterval
	if due {
		o.lastCheck = now
	}
	o.mu.Unlock()
	if due {
		o.PeriodicCheck(ctx)
	}
}

// Run handles messages from msgs and calls Tick whenever tick fires, until
// ctx is done. Each message is handled on its own goroutine so that a long
// firmware download doesn't hold up credential commands; Run waits for them
// before returning.
func (o *Orchestrator) Run(ctx context.Context, msgs <-chan bus.Message, tick <-chan time.Time) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				// Failures have already been published.
				_ = o.HandleMessage(ctx, m.Topic, m.Payload)
			}()
		case <-tick:
			o.Tick(ctx, o.opts.Clock.Now())
		}
	}
}

func (o *Orchestrator) now() int64 {
	return int64(o.opts.Clock.Monotonic())
}

func (o *Orchestrator) publishStatus(ctx context.Context, status, msg string, detail interface{}) {
	o.publish(ctx, api.StatusEvent{Status: status, Message: msg, Detail: detail})
}

func (o *Orchestrator) publishError(ctx context.Context, err error, sub api.Subsystem) {
	c := string(sub)
	if c == "" {
		c = "comando"
	}
	o.publish(ctx, api.ErrorEvent{Error: err.Error(), Context: c, Kind: errs.Name(err)})
}

// publish fills in the event's timestamp and device, and sends it to the
// topic for its kind.
func (o *Orchestrator) publish(ctx context.Context, e api.Event) {
	ts, dev := o.now(), o.opts.DeviceID
	switch e := e.(type) {
	case api.StatusEvent:
		e.Timestamp, e.Device = ts, dev
		o.send(ctx, e)
	case api.ProgressEvent:
		e.Timestamp, e.Device = ts, dev
		o.send(ctx, e)
	case api.ConfirmationEvent:
		e.Timestamp, e.Device = ts, dev
		o.send(ctx, e)
	case api.ErrorEvent:
		e.Timestamp, e.Device = ts, dev
		o.send(ctx, e)
	}
}

func (o *Orchestrator) send(ctx context.Context, e api.Event) {
	b, err := api.Marshal(e)
	if err != nil {
		glog.Errorf("Failed to marshal %T: %v", e, err)
		return
	}
	topic := o.topics.For(e.EventKind())
	if err := o.pub.Publish(ctx, topic, b); err != nil {
		glog.Warningf("Failed to publish to %s: %v", topic, err)
		return
	}
	glog.V(2).Infof("Published to %s: %s", topic, b)
}

// firmwareObserver publishes the firmware engine's transitions.
type firmwareObserver struct {
	o *Orchestrator
}

var firmwareStatus = map[firmware.State]struct{ status, msg string }{
	firmware.Downloading: {api.StatusFirmwareDownloading, "Descargando firmware"},
	firmware.Installing:  {api.StatusFirmwareInstalling, "Instalando firmware"},
	firmware.Completed:   {api.StatusFirmwareCompleted, "Firmware instalado, reiniciando"},
	firmware.Error:       {api.StatusFirmwareError, "Error en la actualización de firmware"},
	firmware.RollingBack: {api.StatusFirmwareRollingBack, "Restaurando firmware anterior"},
}

// StateChanged implements firmware.Observer. Offers are reported by the
// update check rather than here.
func (f firmwareObserver) StateChanged(s firmware.State, _ *firmware.UpdateInfo) {
	st, ok := firmwareStatus[s]
	if !ok {
		return
	}
	f.o.publishStatus(context.Background(), st.status, st.msg, nil)
}

// Progress implements firmware.Observer.
func (f firmwareObserver) Progress(pct int, info *firmware.UpdateInfo) {
	desc := "Descargando firmware"
	if info != nil && info.Version != "" {
		desc += " " + info.Version
	}
	f.o.publish(context.Background(), api.ProgressEvent{Percent: pct, Description: desc})
}

// Failed implements firmware.Observer. The error is reported by whoever
// started the operation.
func (f firmwareObserver) Failed(op string, err error) {
	glog.V(1).Infof("Firmware %s failed: %v", op, err)
}
