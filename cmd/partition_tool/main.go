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

// partition_tool prepares and inspects device flash images.
//
// Usage:
//
//	go run ./cmd/partition_tool --config=device.yaml --flash=flash.img format
//	go run ./cmd/partition_tool --config=device.yaml --flash=flash.img --image=fw.bin --slot=B --version=1.2.0 flash
//	go run ./cmd/partition_tool --config=device.yaml --flash=flash.img --cert=c.pem --key=k.pem --ca=ca.pem --version=1 credentials
//	go run ./cmd/partition_tool --config=device.yaml --flash=flash.img inspect
//
// A freshly formatted image has no boot metadata, and flashing it will fail.
// In this case, use the --force flag to create the metadata, recording the
// factory image in slot A.
package main

import (
	"flag"
	"os"

	"github.com/gaslyt/device-updates/cmd/partition_tool/impl"
	"github.com/golang/glog"
)

var (
	configFile = flag.String("config", "", "Device configuration file")
	flashFile  = flag.String("flash", "", "Path of the flash image")
	imageFile  = flag.String("image", "", "Firmware image to flash")
	slot       = flag.String("slot", "B", "Slot to flash, A or B")
	version    = flag.String("version", "", "Version of the firmware image or credential bundle")
	force      = flag.Bool("force", false, "Initialise boot metadata if the device has none")
	certFile   = flag.String("cert", "", "PEM certificate file for the credentials command")
	keyFile    = flag.String("key", "", "PEM private key file for the credentials command")
	caFile     = flag.String("ca", "", "PEM CA certificate file for the credentials command")
	endpoint   = flag.String("endpoint", "", "Broker endpoint recorded with the credentials")
)

func main() {
	flag.Parse()

	if err := impl.Main(impl.Opts{
		Command:    flag.Arg(0),
		ConfigFile: *configFile,
		FlashFile:  *flashFile,
		ImageFile:  *imageFile,
		Slot:       *slot,
		Version:    *version,
		Force:      *force,
		CertFile:   *certFile,
		KeyFile:    *keyFile,
		CAFile:     *caFile,
		Endpoint:   *endpoint,
		Out:        os.Stdout,
	}); err != nil {
		glog.Exit(err.Error())
	}
}
