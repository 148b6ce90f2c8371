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

package api

import (
	"encoding/json"
	"fmt"
)

// Status names used in StatusEvent.Status.
const (
	StatusCredentialsUpdating = "CERTIFICADOS_ACTUALIZANDO"
	StatusCredentialsUpdated  = "CERTIFICADOS_ACTUALIZADOS"
	StatusCredentialsRestored = "CERTIFICADOS_RESTAURADOS"
	StatusCredentialsValid    = "CERTIFICADOS_VALIDOS"
	StatusCredentialsInvalid  = "CERTIFICADOS_INVALIDOS"
	StatusCredentialsBusy     = "CERTIFICADOS_OCUPADO"
	StatusFirmwareUpdating    = "FIRMWARE_ACTUALIZANDO"
	StatusFirmwareAvailable   = "FIRMWARE_DISPONIBLE"
	StatusFirmwareDownloading = "FIRMWARE_DESCARGANDO"
	StatusFirmwareInstalling  = "FIRMWARE_INSTALANDO"
	StatusFirmwareCompleted   = "FIRMWARE_COMPLETADO"
	StatusFirmwareError       = "FIRMWARE_ERROR"
	StatusFirmwareUpToDate    = "FIRMWARE_AL_DIA"
	StatusFirmwareRollingBack = "FIRMWARE_ROLLBACK"
	StatusFirmwareCheckFailed = "FIRMWARE_VERIFICACION_FALLIDA"
	StatusFirmwareBusy        = "FIRMWARE_OCUPADO"
)

// EventKind distinguishes the four outbound event shapes.
type EventKind string

const (
	KindStatus       EventKind = "estado"
	KindProgress     EventKind = "progreso"
	KindConfirmation EventKind = "confirmacion"
	KindError        EventKind = "error"
)

// Event is implemented by all outbound events.
type Event interface {
	// EventKind returns which of the event shapes this is.
	EventKind() EventKind
}

// StatusEvent reports the state of a subsystem.
type StatusEvent struct {
	Status    string `json:"estado"`
	Message   string `json:"mensaje"`
	Timestamp int64  `json:"timestamp"`
	Device    string `json:"dispositivo"`
	// Detail optionally carries a subsystem report.
	Detail interface{} `json:"detalle,omitempty"`
}

// ProgressEvent reports the progress of a long running operation.
type ProgressEvent struct {
	// Percent is in the range [0, 100].
	Percent     int    `json:"progreso"`
	Description string `json:"descripcion"`
	Timestamp   int64  `json:"timestamp"`
	Device      string `json:"dispositivo"`
}

// ConfirmationEvent is the terminal event for a successful command.
type ConfirmationEvent struct {
	Command   CommandKind `json:"comando"`
	Success   bool        `json:"exito"`
	Message   string      `json:"mensaje"`
	Timestamp int64       `json:"timestamp"`
	Device    string      `json:"dispositivo"`
}

// ErrorEvent is the terminal event for a failed command, and is also used to
// report failures of periodic checks.
type ErrorEvent struct {
	Error string `json:"error"`
	// Context names the subsystem or operation the error relates to.
	Context string `json:"contexto"`
	// Kind is the error's class, e.g. "IntegrityError".
	Kind      string `json:"tipo"`
	Timestamp int64  `json:"timestamp"`
	Device    string `json:"dispositivo"`
}

func (StatusEvent) EventKind() EventKind       { return KindStatus }
func (ProgressEvent) EventKind() EventKind     { return KindProgress }
func (ConfirmationEvent) EventKind() EventKind { return KindConfirmation }
func (ErrorEvent) EventKind() EventKind        { return KindError }

// String returns a compact printable representation of a StatusEvent.
func (e StatusEvent) String() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// CredentialReport describes the credential store, attached to status events.
type CredentialReport struct {
	Type      string `json:"tipo"`
	Version   string `json:"version"`
	Valid     bool   `json:"valido"`
	Timestamp uint64 `json:"timestamp"`
	Digest    string `json:"hash"`
	Endpoint  string `json:"endpoint"`
	HasBackup bool   `json:"backup"`
}

// FirmwareReport describes the firmware engine, attached to status events.
type FirmwareReport struct {
	Type              string `json:"tipo"`
	CurrentVersion    string `json:"version_actual"`
	AvailableVersion  string `json:"version_disponible,omitempty"`
	RollbackAvailable bool   `json:"rollback_disponible"`
	FreeSpace         int64  `json:"espacio_disponible"`
	State             string `json:"estado"`
	Progress          int    `json:"progreso"`
	ActiveSlot        string `json:"particion_activa"`
}

// Marshal returns the JSON encoding of e.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}
