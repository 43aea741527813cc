package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/fleetctl/shared/types"
)

func TestHasCapabilityByRole(t *testing.T) {
	require.True(t, HasCapability(types.UserRoleViewer, CapAgentView))
	require.False(t, HasCapability(types.UserRoleViewer, CapCommandIssue))

	require.True(t, HasCapability(types.UserRoleOperator, CapCommandIssue))
	require.False(t, HasCapability(types.UserRoleOperator, CapEmergencyStop))

	require.True(t, HasCapability(types.UserRoleAdmin, CapEmergencyStop))
	require.True(t, HasCapability(types.UserRoleAdmin, CapSessionRevokeAny))
}

func TestRequireCapabilityReturnsPermissionDenied(t *testing.T) {
	require.ErrorIs(t, RequireCapability(types.UserRoleViewer, CapCommandIssue), ErrPermissionDenied)
	require.NoError(t, RequireCapability(types.UserRoleAdmin, CapCommandIssue))
}
