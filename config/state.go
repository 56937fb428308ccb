package config

import "sync"

// ServiceSnapshot is a copy of the service-wide policy flags.
type ServiceSnapshot struct {
	// FastMode auto-accepts offers from trusted devices.
	FastMode bool
	// QRTrust auto-accepts offers over PIN-authenticated connections.
	QRTrust bool
	// PinAccess reports whether PIN-authenticated access is currently advertised.
	PinAccess bool
}

// ServiceState holds the policy flags read by connection handlers.
// Every change is delivered to the registered listeners.
type ServiceState struct {
	mu        sync.Mutex
	snapshot  ServiceSnapshot
	listeners []func(ServiceSnapshot)
}

// NewServiceState returns a state initialised to initial.
func NewServiceState(initial ServiceSnapshot) *ServiceState {
	return &ServiceState{snapshot: initial}
}

// Snapshot returns the current flags.
func (s *ServiceState) Snapshot() ServiceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *ServiceState) FastMode() bool  { return s.Snapshot().FastMode }
func (s *ServiceState) QRTrust() bool   { return s.Snapshot().QRTrust }
func (s *ServiceState) PinAccess() bool { return s.Snapshot().PinAccess }

// OnChange registers a listener called after every update.
func (s *ServiceState) OnChange(fn func(ServiceSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// SetFastMode updates the fast mode flag.
func (s *ServiceState) SetFastMode(enabled bool) {
	s.update(func(snapshot *ServiceSnapshot) { snapshot.FastMode = enabled })
}

// SetQRTrust updates the PIN auto-accept flag.
func (s *ServiceState) SetQRTrust(enabled bool) {
	s.update(func(snapshot *ServiceSnapshot) { snapshot.QRTrust = enabled })
}

// SetPinAccess updates the PIN access flag.
func (s *ServiceState) SetPinAccess(enabled bool) {
	s.update(func(snapshot *ServiceSnapshot) { snapshot.PinAccess = enabled })
}

// RevokePin turns PIN access off.
func (s *ServiceState) RevokePin() {
	s.SetPinAccess(false)
}

// Refresh notifies listeners without changing any flag.
func (s *ServiceState) Refresh() {
	s.update(func(*ServiceSnapshot) {})
}

func (s *ServiceState) update(mutate func(*ServiceSnapshot)) {
	s.mu.Lock()
	mutate(&s.snapshot)
	snapshot := s.snapshot
	listeners := append(([]func(ServiceSnapshot))(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}
