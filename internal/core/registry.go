// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import "github.com/uspbroker/broker/internal/schema"

// TransportRole distinguishes the two legs a Service connects on: the
// leg the Broker uses as a Controller to send the Service requests, and
// the leg the Service uses as a Controller to send the Broker requests.
type TransportRole int

const (
	RoleControllerSide TransportRole = iota // Broker acting as Controller toward the Service
	RoleAgentSide                           // Broker acting as Agent toward the Service's own Controller leg
)

// Registry is the fixed-capacity table of connected Services. Group ids
// are drawn from the small fixed space [1, capacity] — the same bound
// as the number of concurrent Services, since every Service reserves
// exactly one group for as long as its record exists.
type Registry struct {
	capacity  int
	services  []*Service
	usedGroup map[schema.GroupID]bool
	nextInst  int
}

func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity:  capacity,
		usedGroup: make(map[schema.GroupID]bool),
		nextInst:  1,
	}
}

// Add creates a Service record for endpoint on the given transport role,
// reserving a fresh group id and instance number. Fails with
// ErrRegistryFull or ErrNoGroupAvailable at capacity.
func (r *Registry) Add(endpoint string, role TransportRole, handle any) (*Service, error) {
	if existing := r.FindByEndpoint(endpoint); existing != nil {
		r.setHandle(existing, role, handle)
		return existing, nil
	}
	if len(r.services) >= r.capacity {
		return nil, ErrRegistryFull
	}
	group, ok := r.allocateGroup()
	if !ok {
		return nil, ErrNoGroupAvailable
	}
	instance := r.nextInst
	r.nextInst++
	svc := newService(endpoint, instance, group)
	r.setHandle(svc, role, handle)
	r.services = append(r.services, svc)
	return svc, nil
}

func (r *Registry) allocateGroup() (schema.GroupID, bool) {
	for i := 1; i <= r.capacity; i++ {
		g := schema.GroupID(i)
		if !r.usedGroup[g] {
			r.usedGroup[g] = true
			return g, true
		}
	}
	return 0, false
}

func (r *Registry) setHandle(svc *Service, role TransportRole, handle any) {
	switch role {
	case RoleControllerSide:
		svc.ControllerHandle = handle
	case RoleAgentSide:
		svc.AgentHandle = handle
		svc.HasController = handle != nil
	}
}

// UpdateTransport replaces the handle for role on an existing record.
func (r *Registry) UpdateTransport(svc *Service, role TransportRole, handle any) {
	r.setHandle(svc, role, handle)
}

// HandleDisconnect clears the handle for role. If the role is
// RoleControllerSide (the leg the Broker sends requests on), the caller is
// expected to run failure propagation before or after calling this,
// since losing that leg is what triggers it. If both handles end up
// absent, the record is destroyed and its group id released.
func (r *Registry) HandleDisconnect(endpoint string, role TransportRole) *Service {
	svc := r.FindByEndpoint(endpoint)
	if svc == nil {
		return nil
	}
	switch role {
	case RoleControllerSide:
		svc.ControllerHandle = nil
	case RoleAgentSide:
		svc.AgentHandle = nil
		svc.HasController = false
	}
	if svc.ControllerHandle == nil && svc.AgentHandle == nil {
		r.destroy(svc)
	}
	return svc
}

func (r *Registry) destroy(svc *Service) {
	delete(r.usedGroup, svc.Group)
	for i, s := range r.services {
		if s.Endpoint == svc.Endpoint {
			r.services = append(r.services[:i], r.services[i+1:]...)
			return
		}
	}
}

func (r *Registry) FindByEndpoint(endpoint string) *Service {
	for _, s := range r.services {
		if s.Endpoint == endpoint {
			return s
		}
	}
	return nil
}

func (r *Registry) ByGroup(group schema.GroupID) *Service {
	for _, s := range r.services {
		if s.Group == group {
			return s
		}
	}
	return nil
}

func (r *Registry) ByInstance(instance int) *Service {
	for _, s := range r.services {
		if s.Instance == instance {
			return s
		}
	}
	return nil
}

// All returns every connected Service, in registry order.
func (r *Registry) All() []*Service {
	out := make([]*Service, len(r.services))
	copy(out, r.services)
	return out
}
