package auth

import "github.com/fleetctl/fleetctl/shared/types"

// Capability is a single permission tag a handler can require.
type Capability string

const (
	CapCommandIssue     Capability = "command:issue"
	CapCommandCancel    Capability = "command:cancel"
	CapEmergencyStop    Capability = "emergency:stop"
	CapAgentView        Capability = "agent:view"
	CapAgentManage      Capability = "agent:manage"
	CapAuditView        Capability = "audit:view"
	CapSessionRevokeAny Capability = "session:revoke_any"
)

// roleCapabilities maps each role to the capability set it carries. Viewer
// is read-only; operator adds command issuance/cancellation; admin adds
// emergency stop, agent management, audit access, and revoking any user's
// session.
var roleCapabilities = map[types.UserRole]map[Capability]bool{
	types.UserRoleViewer: {
		CapAgentView: true,
	},
	types.UserRoleOperator: {
		CapAgentView:     true,
		CapCommandIssue:  true,
		CapCommandCancel: true,
	},
	types.UserRoleAdmin: {
		CapAgentView:        true,
		CapCommandIssue:     true,
		CapCommandCancel:    true,
		CapEmergencyStop:    true,
		CapAgentManage:      true,
		CapAuditView:        true,
		CapSessionRevokeAny: true,
	},
}

// HasCapability reports whether role carries capability.
func HasCapability(role types.UserRole, capability Capability) bool {
	return roleCapabilities[role][capability]
}

// RequireCapability returns ErrPermissionDenied if role does not carry
// capability.
func RequireCapability(role types.UserRole, capability Capability) error {
	if !HasCapability(role, capability) {
		return ErrPermissionDenied
	}
	return nil
}
