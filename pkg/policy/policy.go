// Package policy resolves per-identity relay policies: who may
// connect, how much they may send, and how much may be stored for
// them. Edit rights are themselves policy-governed; a root identity is
// pre-authorized so the store can never lock itself out.
package policy

import (
	"errors"
	"sync"

	"github.com/opencourier/relay/pkg/protocol"
)

var (
	ErrNotAuthorized = errors.New("editor is not authorized")
	ErrUnknownPolicy = errors.New("unknown policy")
	ErrPolicyInUse   = errors.New("policy is assigned to a user")
)

// Policy is one named set of relay permissions and limits
type Policy struct {
	Name                string `json:"name"`
	IsAdmin             bool   `json:"is_admin"`
	CanEditPolicies     bool   `json:"can_edit_policies"`
	CanEditUserPolicies bool   `json:"can_edit_user_policies"`
	ConnectionAllowed   bool   `json:"connection_allowed"`

	MaxMessageBytes            int64 `json:"max_message_bytes"`
	MaxStoredBytesPerRecipient int64 `json:"max_stored_bytes_per_recipient"`
}

// rootPolicy is what the root identity always resolves to, by
// construction, so edit rights can never be lost
var rootPolicy = Policy{
	Name:                       "root",
	IsAdmin:                    true,
	CanEditPolicies:            true,
	CanEditUserPolicies:        true,
	ConnectionAllowed:          true,
	MaxMessageBytes:            protocol.MaxFrameSize,
	MaxStoredBytesPerRecipient: 1 << 30,
}

// Store is the single source of truth consulted on every connect and
// store decision
type Store struct {
	mu          sync.RWMutex
	root        protocol.Id
	policies    map[string]Policy
	assignments map[protocol.Id]string
	defaultName string
}

// NewStore creates a policy store with a root identity and the
// fallback policy users resolve to when nothing is assigned
func NewStore(root protocol.Id, defaultPolicy Policy) *Store {
	s := &Store{
		root:        root,
		policies:    make(map[string]Policy),
		assignments: make(map[protocol.Id]string),
		defaultName: defaultPolicy.Name,
	}
	s.policies[defaultPolicy.Name] = defaultPolicy
	return s
}

// Resolve returns the policy in force for an identity. Root always
// resolves to an admin policy; users without an assignment get the
// default.
func (s *Store) Resolve(id protocol.Id) Policy {
	if id == s.root {
		return rootPolicy
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if name, ok := s.assignments[id]; ok {
		if p, ok := s.policies[name]; ok {
			return p
		}
	}

	return s.policies[s.defaultName]
}

// GetPolicy returns a named policy; the editor must hold policy edit
// rights
func (s *Store) GetPolicy(editor protocol.Id, name string) (Policy, error) {
	if err := s.requirePolicyEdit(editor); err != nil {
		return Policy{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[name]
	if !ok {
		return Policy{}, ErrUnknownPolicy
	}
	return p, nil
}

// SetPolicy creates or replaces a named policy
func (s *Store) SetPolicy(editor protocol.Id, p Policy) error {
	if err := s.requirePolicyEdit(editor); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.policies[p.Name] = p
	return nil
}

// DeletePolicy removes a named policy. Deleting a policy currently
// assigned to any user, or the default, is rejected.
func (s *Store) DeletePolicy(editor protocol.Id, name string) error {
	if err := s.requirePolicyEdit(editor); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[name]; !ok {
		return ErrUnknownPolicy
	}
	if name == s.defaultName {
		return ErrPolicyInUse
	}
	for _, assigned := range s.assignments {
		if assigned == name {
			return ErrPolicyInUse
		}
	}

	delete(s.policies, name)
	return nil
}

// GetUserPolicy returns the policy resolved for a user; the editor
// must hold user-policy edit rights
func (s *Store) GetUserPolicy(editor, user protocol.Id) (Policy, error) {
	if err := s.requireUserEdit(editor); err != nil {
		return Policy{}, err
	}
	return s.Resolve(user), nil
}

// SetUserPolicy assigns a named policy to a user
func (s *Store) SetUserPolicy(editor, user protocol.Id, policyName string) error {
	if err := s.requireUserEdit(editor); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[policyName]; !ok {
		return ErrUnknownPolicy
	}

	s.assignments[user] = policyName
	return nil
}

// requirePolicyEdit checks the editor's own resolved policy for
// CanEditPolicies; edit rights are governed by the same mechanism they
// grant
func (s *Store) requirePolicyEdit(editor protocol.Id) error {
	p := s.Resolve(editor)
	if !p.IsAdmin && !p.CanEditPolicies {
		return ErrNotAuthorized
	}
	return nil
}

func (s *Store) requireUserEdit(editor protocol.Id) error {
	p := s.Resolve(editor)
	if !p.IsAdmin && !p.CanEditUserPolicies {
		return ErrNotAuthorized
	}
	return nil
}
