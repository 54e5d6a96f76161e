// Package firmware implements the device-side firmware update state machine.
//
// A caller drives a Device through
//
//	Status → Start → Write* → Update → Reset → (reboot) → Synced
//
// Bytes are staged strictly in offset order, the whole staged image is read
// back and digested before it may be marked for boot, and every step persists
// its effect before reporting success, so Status after a power loss never
// claims more than what is physically recoverable.
//
// Physical effects go through a device.Adapter; durable metadata goes through
// a StateStore (normally *db.Repository). A Device serialises its own
// operations; callers need no locking but must not interleave Write calls
// from independent flows, because the offset contract assumes one writer.
package firmware
