package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"

	"github.com/deckhand/deckhand/pkg/telemetry"
)

// ResourceGroups answers resource group existence.
type ResourceGroups struct {
	client *armresources.ResourceGroupsClient
}

// NewResourceGroups creates the wrapper.
func NewResourceGroups(subscriptionID string, cred azcore.TokenCredential, opts *arm.ClientOptions) (*ResourceGroups, error) {
	client, err := armresources.NewResourceGroupsClient(subscriptionID, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource groups client: %w", err)
	}
	return &ResourceGroups{client: client}, nil
}

// Exists reports whether the resource group exists right now.
func (r *ResourceGroups) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := telemetry.RecordCloudOperation(ctx, ServiceResources, "CheckExistence", func(ctx context.Context) error {
		resp, err := r.client.CheckExistence(ctx, name, nil)
		if err != nil {
			return err
		}
		exists = resp.Success
		return nil
	})
	if err != nil {
		return false, classify(ServiceResources, "CheckExistence", name, err)
	}
	return exists, nil
}
