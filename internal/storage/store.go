// Package storage is the Postgres-backed persistence layer for the
// scheduler's device registry and session rows, and for the coordinator's
// test-report log. Three narrow interfaces, one per consumer, keep a
// component from depending on rows it never touches.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
)

// ErrNotFound is returned by a lookup that matched no row.
var ErrNotFound = errors.New("storage: not found")

// DeviceRegistryRow is the static provisioning data consulted on a
// Join-Request from a device that is not under test.
type DeviceRegistryRow struct {
	DevEUI  lorawan.EUI64
	AppEUI  lorawan.EUI64
	AppKey  lorawan.AES128Key
	Command string
}

// DeviceRegistryStore is consulted by the scheduler when a Join-Request
// arrives for a device the test application server does not own.
type DeviceRegistryStore interface {
	GetDevice(ctx context.Context, devEUI lorawan.EUI64) (DeviceRegistryRow, error)
}

// SchedulerSessionRow is the scheduler's persisted session state for one
// non-test device, keyed by DevEUI.
type SchedulerSessionRow struct {
	DevEUI         lorawan.EUI64
	DevAddr        lorawan.DevAddr
	AppSKey        lorawan.AES128Key
	NwkSKey        lorawan.AES128Key
	FCntUp         uint32
	FCntDown       uint32
	LastJoinAccept time.Time
	UsedDevNonces  [][2]byte
}

// SchedulerSessionStore persists and restarts a non-test device's session
// across scheduler restarts.
type SchedulerSessionStore interface {
	GetSession(ctx context.Context, devEUI lorawan.EUI64) (SchedulerSessionRow, error)
	GetSessionByDevAddr(ctx context.Context, devAddr lorawan.DevAddr) (SchedulerSessionRow, error)
	SaveSession(ctx context.Context, row SchedulerSessionRow) error
}

// TestReportRow is one terminated test case, persisted for later retrieval
// by a certification summary.
type TestReportRow struct {
	ID          uuid.UUID
	TestCase    string
	Step        string
	Verdict     string
	Description string
	LastMessage []byte
	Timestamp   time.Time
}

// TestReportStore appends test-case verdicts as they are produced by the
// session coordinator.
type TestReportStore interface {
	SaveReport(ctx context.Context, row TestReportRow) error
}
