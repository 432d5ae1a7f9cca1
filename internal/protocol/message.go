// Package protocol defines the envelope exchanged between zone nodes and
// the length-prefixed framing that carries it over a TLS stream.
package protocol

import (
	"encoding/json"
	"fmt"
)

// TypeProp marks control envelopes handled by the node itself. Any other
// type is delivered to the local message handler.
const TypeProp = "prop"

// Control statuses carried by prop envelopes.
const (
	StatusFindServices       = "findServices"
	StatusFoundServices      = "foundServices"
	StatusListUnregServices  = "listUnregServices"
	StatusUnregServicesReply = "unregServicesReply"
	StatusRegisterService    = "registerService"
	StatusUnregisterService  = "unregisterService"
	StatusSyncHash           = "sync_hash"
	StatusSyncCompare        = "sync_compare"
	StatusUpdateHash         = "update_hash"
	StatusUpdate             = "update"
	StatusChangeFriendlyName = "changeFriendlyName"
	StatusRegisterDevice     = "registerDevice"
)

// Envelope is the unit of exchange between nodes.
type Envelope struct {
	Type    string  `json:"type"`
	From    string  `json:"from"`
	To      string  `json:"to"`
	Payload Payload `json:"payload"`
}

// Payload carries a status and an arbitrary message body.
type Payload struct {
	Status  string          `json:"status,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// NewProp builds a control envelope with msg encoded as the message body.
func NewProp(from, to, status string, msg any) (*Envelope, error) {
	env := &Envelope{Type: TypeProp, From: from, To: to, Payload: Payload{Status: status}}
	if msg != nil {
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode %s message: %w", status, err)
		}
		env.Payload.Message = raw
	}
	return env, nil
}

// Decode unmarshals the message body into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload.Message) == 0 {
		return fmt.Errorf("%s: empty message", e.Payload.Status)
	}
	if err := json.Unmarshal(e.Payload.Message, v); err != nil {
		return fmt.Errorf("%s: %w", e.Payload.Status, err)
	}
	return nil
}

// RegisterDevice is the message body a hub sends to an enrolling agent.
type RegisterDevice struct {
	ClientCert string `json:"clientCert"`
	MasterCert string `json:"masterCert"`
	MasterCRL  string `json:"masterCrl"`
}

// DeviceRef names a connected device in an update message.
type DeviceRef struct {
	Key          string `json:"key"`
	FriendlyName string `json:"friendlyName,omitempty"`
}

// DeviceUpdate announces a node's friendly name and its connected devices.
type DeviceUpdate struct {
	FriendlyName string      `json:"friendlyName"`
	ConnectedPzp []DeviceRef `json:"connectedPzp"`
	ConnectedPzh []DeviceRef `json:"connectedPzh"`
}

// ServiceRequest registers or unregisters a service.
type ServiceRequest struct {
	ID     string         `json:"svId,omitempty"`
	API    string         `json:"svAPI,omitempty"`
	Name   string         `json:"name,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// UnregServicesRequest asks for the services a node could load.
type UnregServicesRequest struct {
	ListenerID string `json:"listenerId"`
}

// UnregServicesReply answers UnregServicesRequest.
type UnregServicesReply struct {
	Services   any    `json:"services"`
	ListenerID string `json:"id"`
}

// FindServicesRequest asks a node for the services it offers. An empty API
// matches every service.
type FindServicesRequest struct {
	API        string `json:"api,omitempty"`
	ListenerID string `json:"listenerId,omitempty"`
}

// FoundServices answers FindServicesRequest.
type FoundServices struct {
	Services   any    `json:"services"`
	ListenerID string `json:"id,omitempty"`
}
