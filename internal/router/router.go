// Package router dispatches inbound envelopes: control messages mutate
// session and identity state, envelopes for other nodes are forwarded and
// everything else goes to the local message handler.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/avaropoint/pzone/internal/config"
	"github.com/avaropoint/pzone/internal/errs"
	"github.com/avaropoint/pzone/internal/identity"
	"github.com/avaropoint/pzone/internal/logging"
	"github.com/avaropoint/pzone/internal/metrics"
	"github.com/avaropoint/pzone/internal/protocol"
	"github.com/avaropoint/pzone/internal/session"
)

// Sessions is the session manager surface the router drives.
type Sessions interface {
	SessionID() string
	Enrolled() bool
	HubID() string
	HasPeer(to string) bool
	Send(env *protocol.Envelope, to string) error
	SendProp(to, status string, msg any) error
	Enroll(ctx context.Context, e identity.Enrollment) error
	UpdateDeviceInfo(from string, upd protocol.DeviceUpdate) error
	SetFriendlyName(name string) error
	SendUpdateToAll() error
}

// Store is the identity store surface used for service and sync messages.
type Store interface {
	Services() []config.Service
	UpdateServiceCache(name string, remove bool) error
	CompareHashes(remote map[string]string) map[string]string
	SyncContent(names []string) map[string]any
	ApplySync(content map[string]json.RawMessage) error
}

// ServiceRegistry loads and unloads local services.
type ServiceRegistry interface {
	Register(ctx context.Context, req protocol.ServiceRequest) error
	Unregister(ctx context.Context, req protocol.ServiceRequest) error
}

// MessageHandler receives envelopes that are not control messages.
type MessageHandler interface {
	OnMessage(env *protocol.Envelope, to string) error
}

// Config wires a Router.
type Config struct {
	Sessions Sessions
	Store    Store
	Registry ServiceRegistry
	Handler  MessageHandler
	// Services are offered in listUnregServices replies.
	Services []config.Service
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Router dispatches envelopes read from a link. It is safe for concurrent
// use by several link readers.
type Router struct {
	sessions Sessions
	store    Store
	registry ServiceRegistry
	handler  MessageHandler
	services []config.Service
	metrics  *metrics.Metrics
	log      *slog.Logger

	onFound func(env *protocol.Envelope)
}

// New creates a router.
func New(cfg Config) *Router {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	return &Router{
		sessions: cfg.Sessions,
		store:    cfg.Store,
		registry: cfg.Registry,
		handler:  cfg.Handler,
		services: cfg.Services,
		metrics:  cfg.Metrics,
		log:      logging.Component(cfg.Logger, "router"),
	}
}

// OnFoundServices sets the listener for remote service discovery results.
func (r *Router) OnFoundServices(fn func(env *protocol.Envelope)) {
	r.onFound = fn
}

// Dispatch handles one inbound envelope that arrived from origin. A link
// may only carry envelopes from its own node or addresses under it; the
// link to our enrolled hub relays for the whole zone.
func (r *Router) Dispatch(ctx context.Context, origin session.Origin, env *protocol.Envelope) error {
	const op = "dispatch"
	if env == nil {
		return errs.Errorf(errs.KindInput, op, "nil envelope")
	}
	if !origin.Local() && !r.fromHub(origin) && !origin.Covers(env.From) {
		return r.reject(origin, env, "sender does not match link")
	}

	isProp := env.Type == protocol.TypeProp
	if isProp && env.Payload.Status == protocol.StatusRegisterDevice {
		if !origin.Local() && !r.fromHub(origin) {
			return r.reject(origin, env, "enrollment outside the enrollment path")
		}
		return r.registerDevice(ctx, env)
	}
	if r.forward(env) {
		r.log.Debug("forwarding envelope", "from", env.From, "to", env.To)
		return r.sessions.Send(env, env.To)
	}
	if !isProp {
		if r.handler == nil {
			r.log.Debug("no message handler, dropping", "type", env.Type, "to", env.To)
			return nil
		}
		return r.handler.OnMessage(env, env.To)
	}
	return r.control(ctx, origin, env)
}

// fromHub reports whether origin is the link to the hub this node is
// enrolled with. A hub is never enrolled, so it has no such link.
func (r *Router) fromHub(origin session.Origin) bool {
	return origin.Kind == session.KindHub && !origin.Local() &&
		r.sessions.Enrolled() && origin.ID == r.sessions.HubID()
}

// fromOwnHub additionally requires the hub itself as the sender.
func (r *Router) fromOwnHub(origin session.Origin, env *protocol.Envelope) bool {
	return r.fromHub(origin) && env.From == origin.ID
}

func (r *Router) reject(origin session.Origin, env *protocol.Envelope, reason string) error {
	status := env.Payload.Status
	if env.Type != protocol.TypeProp {
		status = env.Type
	}
	r.metrics.MessagesRejected.WithLabelValues(status).Inc()
	r.log.Warn("envelope rejected", "link", origin.ID, "from", env.From, "status", status, "reason", reason)
	return errs.Errorf(errs.KindAuthentication, "dispatch", "%s: from %q on link %q", reason, env.From, origin.ID)
}

// forward reports whether env is addressed to another node.
func (r *Router) forward(env *protocol.Envelope) bool {
	own := r.sessions.SessionID()
	switch {
	case env.To == "" || env.To == own:
		return false
	case strings.HasPrefix(env.To, own+"/"):
		return r.sessions.HasPeer(env.To)
	default:
		return true
	}
}

func (r *Router) control(ctx context.Context, origin session.Origin, env *protocol.Envelope) error {
	var err error
	status := env.Payload.Status
	switch status {
	case protocol.StatusSyncHash, protocol.StatusUpdateHash:
		// Only the enrolled hub distributes trust artifacts.
		if !r.fromOwnHub(origin, env) {
			return r.reject(origin, env, "trust artifacts from a node other than the enrolled hub")
		}
	case protocol.StatusSyncCompare:
		if origin.Local() {
			return r.reject(origin, env, "sync request without a link")
		}
	}

	switch status {
	case protocol.StatusFindServices:
		err = r.findServices(env)
	case protocol.StatusFoundServices:
		if r.onFound != nil {
			r.onFound(env)
		}
	case protocol.StatusListUnregServices:
		err = r.listUnregServices(env)
	case protocol.StatusRegisterService:
		err = r.updateService(ctx, env, false)
	case protocol.StatusUnregisterService:
		err = r.updateService(ctx, env, true)
	case protocol.StatusSyncHash:
		err = r.syncHash(env)
	case protocol.StatusSyncCompare:
		err = r.syncCompare(env)
	case protocol.StatusUpdateHash:
		err = r.updateHash(env)
	case protocol.StatusUpdate:
		err = r.update(env)
	case protocol.StatusChangeFriendlyName:
		err = r.changeFriendlyName(env)
	default:
		r.log.Debug("unknown control status dropped", "status", status, "from", env.From)
		r.metrics.MessagesDropped.Inc()
		return nil
	}
	r.metrics.MessagesDispatched.WithLabelValues(status).Inc()
	return err
}

func decode(env *protocol.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return errs.E(errs.KindInput, "dispatch", err)
	}
	return nil
}

func (r *Router) registerDevice(ctx context.Context, env *protocol.Envelope) error {
	var msg protocol.RegisterDevice
	if err := decode(env, &msg); err != nil {
		return err
	}
	r.metrics.MessagesDispatched.WithLabelValues(protocol.StatusRegisterDevice).Inc()
	return r.sessions.Enroll(ctx, identity.Enrollment{
		HubID:      env.From,
		To:         env.To,
		ClientCert: msg.ClientCert,
		MasterCert: msg.MasterCert,
		MasterCRL:  msg.MasterCRL,
	})
}

func (r *Router) findServices(env *protocol.Envelope) error {
	var req protocol.FindServicesRequest
	if len(env.Payload.Message) > 0 {
		if err := decode(env, &req); err != nil {
			return err
		}
	}
	services := r.store.Services()
	if req.API != "" {
		want := ServiceName(protocol.ServiceRequest{API: req.API})
		services = slices.DeleteFunc(services, func(svc config.Service) bool {
			return svc.Name != req.API && svc.Name != want
		})
	}
	return r.sessions.SendProp(env.From, protocol.StatusFoundServices, protocol.FoundServices{
		Services:   services,
		ListenerID: req.ListenerID,
	})
}

func (r *Router) listUnregServices(env *protocol.Envelope) error {
	var req protocol.UnregServicesRequest
	if len(env.Payload.Message) > 0 {
		if err := decode(env, &req); err != nil {
			return err
		}
	}
	return r.sessions.SendProp(env.From, protocol.StatusUnregServicesReply, protocol.UnregServicesReply{
		Services:   r.services,
		ListenerID: req.ListenerID,
	})
}

func (r *Router) updateService(ctx context.Context, env *protocol.Envelope, remove bool) error {
	var req protocol.ServiceRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if r.registry != nil {
		var err error
		if remove {
			err = r.registry.Unregister(ctx, req)
		} else {
			err = r.registry.Register(ctx, req)
		}
		if err != nil {
			return err
		}
	}
	name := ServiceName(req)
	if name == "" {
		return errs.Errorf(errs.KindInput, "dispatch", "service request without api or name")
	}
	return r.store.UpdateServiceCache(name, remove)
}

// ServiceName derives the service cache name from a request's API URL.
func ServiceName(req protocol.ServiceRequest) string {
	if req.API == "" {
		return req.Name
	}
	u, err := url.Parse(req.API)
	if err != nil || u.Host == "" {
		return req.API
	}
	parts := strings.Split(u.Path, "/")
	switch {
	case u.Host == "webinos.org" && len(parts) > 2:
		return parts[2]
	case u.Host == "www.w3.org" && len(parts) > 3:
		return parts[3]
	default:
		return req.API
	}
}

func (r *Router) syncHash(env *protocol.Envelope) error {
	var remote map[string]string
	if err := decode(env, &remote); err != nil {
		return err
	}
	diff := r.store.CompareHashes(remote)
	if len(diff) == 0 {
		r.log.Debug("artifacts already synchronized", "with", env.From)
		return nil
	}
	return r.sessions.SendProp(env.From, protocol.StatusSyncCompare, diff)
}

func (r *Router) syncCompare(env *protocol.Envelope) error {
	var diff map[string]string
	if err := decode(env, &diff); err != nil {
		return err
	}
	names := slices.Sorted(maps.Keys(diff))
	return r.sessions.SendProp(env.From, protocol.StatusUpdateHash, r.store.SyncContent(names))
}

func (r *Router) updateHash(env *protocol.Envelope) error {
	var content map[string]json.RawMessage
	if err := decode(env, &content); err != nil {
		return err
	}
	return r.store.ApplySync(content)
}

func (r *Router) update(env *protocol.Envelope) error {
	var upd protocol.DeviceUpdate
	if err := decode(env, &upd); err != nil {
		return err
	}
	return r.sessions.UpdateDeviceInfo(env.From, upd)
}

func (r *Router) changeFriendlyName(env *protocol.Envelope) error {
	var name string
	if err := decode(env, &name); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return errs.Errorf(errs.KindInput, "dispatch", "empty friendly name")
	}
	if err := r.sessions.SetFriendlyName(name); err != nil {
		return err
	}
	return r.sessions.SendUpdateToAll()
}
