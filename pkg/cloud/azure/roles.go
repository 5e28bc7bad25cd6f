package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v2"
	"github.com/google/uuid"

	"github.com/deckhand/deckhand/pkg/telemetry"
)

// AcrPullRoleID is the built-in AcrPull role definition.
const AcrPullRoleID = "7f951dda-4ed3-4680-a7ca-43fe172d538d"

// Roles creates role assignments.
type Roles struct {
	client         *armauthorization.RoleAssignmentsClient
	subscriptionID string
}

// NewRoles creates the wrapper.
func NewRoles(subscriptionID string, cred azcore.TokenCredential, opts *arm.ClientOptions) (*Roles, error) {
	client, err := armauthorization.NewRoleAssignmentsClient(subscriptionID, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create role assignments client: %w", err)
	}
	return &Roles{client: client, subscriptionID: subscriptionID}, nil
}

// RoleDefinitionID returns the subscription-scoped ID of a built-in role.
func (r *Roles) RoleDefinitionID(roleID string) string {
	return fmt.Sprintf("/subscriptions/%s/providers/Microsoft.Authorization/roleDefinitions/%s", r.subscriptionID, roleID)
}

// AssignmentName derives a stable assignment name, so repeating the same
// grant targets the same assignment.
func AssignmentName(scope, principalID, roleID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(scope+"|"+principalID+"|"+roleID)).String()
}

// AssignAcrPull grants principalID pull access on the registry scope. An
// existing assignment is accepted; created reports whether a new one was
// made.
func (r *Roles) AssignAcrPull(ctx context.Context, scope, principalID string) (created bool, err error) {
	params := armauthorization.RoleAssignmentCreateParameters{
		Properties: &armauthorization.RoleAssignmentProperties{
			PrincipalID:      to.Ptr(principalID),
			RoleDefinitionID: to.Ptr(r.RoleDefinitionID(AcrPullRoleID)),
			PrincipalType:    to.Ptr(armauthorization.PrincipalTypeServicePrincipal),
		},
	}
	name := AssignmentName(scope, principalID, AcrPullRoleID)

	err = telemetry.RecordCloudOperation(ctx, ServiceAuthorization, "CreateRoleAssignment", func(ctx context.Context) error {
		_, err := r.client.Create(ctx, scope, name, params, nil)
		return err
	})
	if err != nil {
		if hasErrorCode(err, "RoleAssignmentExists") {
			return false, nil
		}
		return false, classify(ServiceAuthorization, "CreateRoleAssignment", scope, err)
	}
	return true, nil
}
