// Package v1alpha1 contains the message types of the sma.v1alpha1 storage
// management API.
//
// Messages travel on the wire as google.protobuf.Struct values whose fields
// use the JSON names below, so clients can build them from plain JSON
// without generated stubs. Type-specific parameters are free-form objects
// interpreted by the device manager selected by Type.
package v1alpha1

import (
	"errors"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "sma.v1alpha1.StorageManagementAgent"

	// Version is the API version.
	Version = "v1alpha1"
)

// Method names of the service.
const (
	MethodCreateDevice     = "CreateDevice"
	MethodRemoveDevice     = "RemoveDevice"
	MethodAttachVolume     = "AttachVolume"
	MethodDetachVolume     = "DetachVolume"
	MethodConnectVolume    = "ConnectVolume"
	MethodDisconnectVolume = "DisconnectVolume"
)

// Methods lists every method of the service.
var Methods = []string{
	MethodCreateDevice, MethodRemoveDevice, MethodAttachVolume,
	MethodDetachVolume, MethodConnectVolume, MethodDisconnectVolume,
}

// FullMethod returns the gRPC method path, e.g.
// /sma.v1alpha1.StorageManagementAgent/CreateDevice.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// CreateDeviceRequest creates a device of Type.
type CreateDeviceRequest struct {
	// Type selects the device manager, e.g. "nvmf_tcp" or "nvmf_vfiouser".
	Type string `json:"type" yaml:"type"`

	// Params are the type-specific device parameters.
	// +optional
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Validate checks the fields every device type needs.
func (r *CreateDeviceRequest) Validate() error {
	if r.Type == "" {
		return errors.New("missing required field: type")
	}
	return nil
}

// CreateDeviceResponse carries the id of the created (or existing) device.
type CreateDeviceResponse struct {
	ID string `json:"id" yaml:"id"`
}

// RemoveDeviceRequest removes device ID.
type RemoveDeviceRequest struct {
	ID string `json:"id" yaml:"id"`
}

func (r *RemoveDeviceRequest) Validate() error {
	if r.ID == "" {
		return errors.New("missing required field: id")
	}
	return nil
}

// RemoveDeviceResponse is empty.
type RemoveDeviceResponse struct{}

// AttachVolumeRequest publishes volume VolumeID through device DeviceID.
type AttachVolumeRequest struct {
	DeviceID string `json:"device_id" yaml:"device_id"`
	VolumeID string `json:"volume_id" yaml:"volume_id"`
}

func (r *AttachVolumeRequest) Validate() error {
	return requireDeviceVolume(r.DeviceID, r.VolumeID)
}

// AttachVolumeResponse is empty.
type AttachVolumeResponse struct{}

// DetachVolumeRequest withdraws volume VolumeID from device DeviceID.
type DetachVolumeRequest struct {
	DeviceID string `json:"device_id" yaml:"device_id"`
	VolumeID string `json:"volume_id" yaml:"volume_id"`
}

func (r *DetachVolumeRequest) Validate() error {
	return requireDeviceVolume(r.DeviceID, r.VolumeID)
}

// DetachVolumeResponse is empty.
type DetachVolumeResponse struct{}

// ConnectVolumeRequest makes a remote volume reachable locally through a
// controller of Type.
type ConnectVolumeRequest struct {
	Type     string `json:"type" yaml:"type"`
	VolumeID string `json:"volume_id" yaml:"volume_id"`

	// Params locate the remote target, e.g. subnqn, adrfam, traddr and
	// trsvcid for "nvmf_tcp".
	// +optional
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

func (r *ConnectVolumeRequest) Validate() error {
	if r.Type == "" {
		return errors.New("missing required field: type")
	}
	if r.VolumeID == "" {
		return errors.New("missing required field: volume_id")
	}
	return nil
}

// ConnectVolumeResponse is empty.
type ConnectVolumeResponse struct{}

// DisconnectVolumeRequest drops the local connection to VolumeID.
type DisconnectVolumeRequest struct {
	VolumeID string `json:"volume_id" yaml:"volume_id"`
}

func (r *DisconnectVolumeRequest) Validate() error {
	if r.VolumeID == "" {
		return errors.New("missing required field: volume_id")
	}
	return nil
}

// DisconnectVolumeResponse is empty.
type DisconnectVolumeResponse struct{}

func requireDeviceVolume(deviceID, volumeID string) error {
	if deviceID == "" {
		return errors.New("missing required field: device_id")
	}
	if volumeID == "" {
		return errors.New("missing required field: volume_id")
	}
	return nil
}
