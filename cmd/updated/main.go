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

// updated is the device's update agent. It keeps the device's credentials
// and firmware up to date, taking commands from the backend over MQTT.
//
// When a new firmware image has been installed, or a rollback requested,
// updated exits with status 3 and expects its supervisor to reboot the
// device.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gaslyt/device-updates/internal/bus"
	"github.com/gaslyt/device-updates/internal/bus/mqtt"
	"github.com/gaslyt/device-updates/internal/clock"
	"github.com/gaslyt/device-updates/internal/config"
	"github.com/gaslyt/device-updates/internal/credentials"
	"github.com/gaslyt/device-updates/internal/firmware"
	"github.com/gaslyt/device-updates/internal/history"
	ihttp "github.com/gaslyt/device-updates/internal/http"
	"github.com/gaslyt/device-updates/internal/orchestrator"
	"github.com/gaslyt/device-updates/internal/partition"
	"github.com/gaslyt/device-updates/internal/signature"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const exitRestart = 3

var (
	configFile = flag.String("config", "/etc/updated/config.yaml", "Path to the agent configuration")
	flashFile  = flag.String("flash", "/dev/mtd0", "Path to the flash device or image")
	tickPeriod = flag.Duration("tick", time.Second, "How often to run scheduled work")
)

// restarter cancels the agent's context so that it can exit and be
// restarted.
type restarter struct {
	cancel    context.CancelFunc
	requested atomic.Bool
}

func (r *restarter) Restart() {
	glog.Info("Restart requested")
	r.requested.Store(true)
	r.cancel()
}

func main() {
	flag.Parse()
	if restart := run(); restart {
		glog.Flush()
		os.Exit(exitRestart)
	}
}

// run runs the agent until it's interrupted or a restart is requested, and
// reports which.
func run() bool {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		glog.Exitf("Failed to load config: %v", err)
	}

	clk := clock.NewSystem()
	if cfg.NTP.Server != "" {
		if err := clk.Sync(ctx, cfg.NTP.Server, cfg.NTP.Timeout); err != nil {
			glog.Warningf("Failed to sync clock with %s, using local time: %v", cfg.NTP.Server, err)
		}
	}

	dev, err := partition.OpenFileDevice(*flashFile, cfg.Flash.BlockSize)
	if err != nil {
		glog.Exitf("Failed to open flash %q: %v", *flashFile, err)
	}
	defer dev.Close()
	tab, err := partition.NewTable(dev, cfg.Layout())
	if err != nil {
		glog.Exitf("Invalid partition layout: %v", err)
	}

	digest, err := credentials.DigestByName(cfg.DigestAlgorithm)
	if err != nil {
		glog.Exitf("Invalid digest: %v", err)
	}
	creds := credentials.New(tab, credentials.Opts{Digest: digest, Clock: clk})
	if err := creds.Initialize(); err != nil {
		glog.Exitf("Failed to initialise credential store: %v", err)
	}

	verifier, err := signature.New(cfg.Signature.Scheme, cfg.Signature.PublicKey)
	if err != nil {
		glog.Exitf("Invalid signature config: %v", err)
	}

	mc := mqtt.New(mqtt.Opts{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		TLS:      cfg.MQTT.TLS,
	})
	if cfg.MQTT.TLS {
		if err := creds.ConfigureSecureClientWithFallback(mc); err != nil {
			glog.Warningf("No usable client credentials: %v", err)
		}
	}
	if err := mc.Connect(ctx); err != nil {
		glog.Exitf("Failed to connect to broker: %v", err)
	}
	defer mc.Close()

	var pub bus.Publisher = mc
	var hist ihttp.History
	if cfg.History.DSN != "" {
		glog.Infof("Recording events in %s database", cfg.History.Driver)
		db, err := history.Open(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			glog.Exitf("Failed to open history DB: %v", err)
		}
		defer db.Close()
		pub = history.Publisher{Next: mc, DB: db, Clock: clk}
		hist = db
	}

	rs := &restarter{cancel: cancel}
	fwOpts := firmware.Opts{
		DeviceID:       cfg.DeviceID,
		FactoryVersion: cfg.Updates.FactoryVersion,
		RestartDelay:   cfg.Updates.RestartDelay,
		Network:        mc,
		Client:         firmware.NewHTTPClient(ctx, cfg.Updates.Token, cfg.Updates.RequestTimeout),
		Verifier:       verifier,
		Restarter:      rs,
		Clock:          clk,
	}
	if cfg.Updates.ServerURL != "" {
		u, err := url.Parse(cfg.Updates.ServerURL)
		if err != nil {
			glog.Exitf("Invalid update server URL: %v", err)
		}
		fwOpts.Checker = firmware.HTTPChecker{ServerURL: u, Client: fwOpts.Client}
	}
	fw, err := firmware.Open(tab, fwOpts)
	if err != nil {
		glog.Exitf("Failed to open firmware engine: %v", err)
	}

	o := orchestrator.New(pub, creds, fw, orchestrator.Opts{
		DeviceID:         cfg.DeviceID,
		AutoUpdate:       cfg.Updates.Automatic,
		CheckInterval:    cfg.Updates.CheckInterval,
		Verifier:         verifier,
		RequireSignature: cfg.Signature.Required,
		SecureClient:     mc,
		Clock:            clk,
	})
	msgs, err := mc.Subscribe(ctx, o.Topics().Inbound())
	if err != nil {
		glog.Exitf("Failed to subscribe to commands: %v", err)
	}

	// This error group will be used to run all top level processes.
	// If any process dies, then all of them will be stopped via context cancellation.
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		glog.Info("Control loop started")
		defer glog.Info("Control loop done")
		t := time.NewTicker(*tickPeriod)
		defer t.Stop()
		return o.Run(ctx, msgs, t.C)
	})
	if cfg.StatusAddr != "" {
		httpListener, err := net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			glog.Exitf("failed to listen on %q", cfg.StatusAddr)
		}
		r := mux.NewRouter()
		s := ihttp.NewServer(o, hist)
		s.RegisterHandlers(r)
		srv := http.Server{
			Handler: r,
		}
		g.Go(func() error {
			glog.Info("HTTP server goroutine started")
			defer glog.Info("HTTP server goroutine done")
			if err := srv.Serve(httpListener); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			// This goroutine brings down the HTTP server when ctx is done.
			glog.Info("HTTP server-shutdown goroutine started")
			defer glog.Info("HTTP server-shutdown goroutine done")
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		glog.Errorf("failed with error: %v", err)
	}
	return rs.requested.Load()
}
