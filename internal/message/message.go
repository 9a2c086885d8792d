// Package message defines the device-control protocol message catalog and its
// JSON envelope codec.
package message

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol message version this client speaks.
const Version uint32 = 3

// SystemID is the id carried by server-initiated messages.
const SystemID uint32 = 0

// Message is a single protocol message.
type Message interface {
	// Type returns the envelope key identifying the message.
	Type() string
	// ID returns the correlation id.
	ID() uint32
	// SetID sets the correlation id.
	SetID(id uint32)
}

// Header carries the correlation id shared by every message.
type Header struct {
	MsgID uint32 `json:"Id"`
}

// ID returns the correlation id.
func (h *Header) ID() uint32 { return h.MsgID }

// SetID sets the correlation id.
func (h *Header) SetID(id uint32) { h.MsgID = id }

// ErrorClass categorizes protocol errors.
type ErrorClass int

const (
	// ErrorUnknown is an error of unspecified origin.
	ErrorUnknown ErrorClass = iota
	// ErrorInit is raised during the connection handshake.
	ErrorInit
	// ErrorPing is raised when the ping deadline is missed.
	ErrorPing
	// ErrorMsg is raised for malformed or unexpected messages.
	ErrorMsg
	// ErrorDevice is raised by device operations.
	ErrorDevice
)

// String returns a human-readable name for the error class.
func (c ErrorClass) String() string {
	switch c {
	case ErrorInit:
		return "init"
	case ErrorPing:
		return "ping"
	case ErrorMsg:
		return "message"
	case ErrorDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Ok acknowledges a request.
type Ok struct {
	Header
}

// Error reports a failure. It doubles as a Go error.
type Error struct {
	Header
	ErrorMessage string     `json:"ErrorMessage"`
	ErrorCode    ErrorClass `json:"ErrorCode"`
}

// NewError creates an Error message.
func NewError(text string, class ErrorClass, id uint32) *Error {
	return &Error{Header: Header{MsgID: id}, ErrorMessage: text, ErrorCode: class}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s", e.ErrorCode, e.ErrorMessage)
}

// Ping keeps the session alive.
type Ping struct {
	Header
}

// Test echoes a string back from the server.
type Test struct {
	Header
	TestString string `json:"TestString"`
}

// RequestServerInfo opens the handshake.
type RequestServerInfo struct {
	Header
	ClientName     string `json:"ClientName"`
	MessageVersion uint32 `json:"MessageVersion"`
}

// ServerInfo answers RequestServerInfo.
type ServerInfo struct {
	Header
	ServerName     string `json:"ServerName"`
	MessageVersion uint32 `json:"MessageVersion"`
	// MaxPingTime is the ping deadline in milliseconds. Zero disables pinging.
	MaxPingTime uint32 `json:"MaxPingTime"`
}

// StartScanning asks the server to look for devices.
type StartScanning struct {
	Header
}

// StopScanning asks the server to stop looking for devices.
type StopScanning struct {
	Header
}

// ScanningFinished is sent by the server when scanning ends on its own.
type ScanningFinished struct {
	Header
}

// RequestDeviceList asks for the currently connected devices.
type RequestDeviceList struct {
	Header
}

// Device describes one device known to the server.
type Device struct {
	DeviceName             string                     `json:"DeviceName"`
	DeviceIndex            uint32                     `json:"DeviceIndex"`
	DeviceDisplayName      string                     `json:"DeviceDisplayName,omitempty"`
	DeviceMessageTimingGap uint32                     `json:"DeviceMessageTimingGap,omitempty"`
	DeviceMessages         map[string]json.RawMessage `json:"DeviceMessages,omitempty"`
}

// DeviceList answers RequestDeviceList.
type DeviceList struct {
	Header
	Devices []Device `json:"Devices"`
}

// DeviceAdded announces a new device.
type DeviceAdded struct {
	Header
	Device
}

// DeviceRemoved announces that a device went away.
type DeviceRemoved struct {
	Header
	DeviceIndex uint32 `json:"DeviceIndex"`
}

// StopDeviceCmd stops all output on one device.
type StopDeviceCmd struct {
	Header
	DeviceIndex uint32 `json:"DeviceIndex"`
}

// StopAllDevices stops all output on every device.
type StopAllDevices struct {
	Header
}

func (*Ok) Type() string                { return "Ok" }
func (*Error) Type() string             { return "Error" }
func (*Ping) Type() string              { return "Ping" }
func (*Test) Type() string              { return "Test" }
func (*RequestServerInfo) Type() string { return "RequestServerInfo" }
func (*ServerInfo) Type() string        { return "ServerInfo" }
func (*StartScanning) Type() string     { return "StartScanning" }
func (*StopScanning) Type() string      { return "StopScanning" }
func (*ScanningFinished) Type() string  { return "ScanningFinished" }
func (*RequestDeviceList) Type() string { return "RequestDeviceList" }
func (*DeviceList) Type() string        { return "DeviceList" }
func (*DeviceAdded) Type() string       { return "DeviceAdded" }
func (*DeviceRemoved) Type() string     { return "DeviceRemoved" }
func (*StopDeviceCmd) Type() string     { return "StopDeviceCmd" }
func (*StopAllDevices) Type() string    { return "StopAllDevices" }

// catalog maps envelope keys to constructors.
var catalog = func() map[string]func() Message {
	ctors := []func() Message{
		func() Message { return &Ok{} },
		func() Message { return &Error{} },
		func() Message { return &Ping{} },
		func() Message { return &Test{} },
		func() Message { return &RequestServerInfo{} },
		func() Message { return &ServerInfo{} },
		func() Message { return &StartScanning{} },
		func() Message { return &StopScanning{} },
		func() Message { return &ScanningFinished{} },
		func() Message { return &RequestDeviceList{} },
		func() Message { return &DeviceList{} },
		func() Message { return &DeviceAdded{} },
		func() Message { return &DeviceRemoved{} },
		func() Message { return &StopDeviceCmd{} },
		func() Message { return &StopAllDevices{} },
	}
	m := make(map[string]func() Message, len(ctors))
	for _, ctor := range ctors {
		m[ctor().Type()] = ctor
	}
	return m
}()
