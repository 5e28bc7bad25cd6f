package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/appservice/armappservice/v4"

	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/telemetry"
)

// WebApps reads and updates App Service sites.
type WebApps struct {
	client *armappservice.WebAppsClient
}

// NewWebApps creates the wrapper.
func NewWebApps(subscriptionID string, cred azcore.TokenCredential, opts *arm.ClientOptions) (*WebApps, error) {
	client, err := armappservice.NewWebAppsClient(subscriptionID, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create web apps client: %w", err)
	}
	return &WebApps{client: client}, nil
}

// PrincipalID returns the object ID of the site's system-assigned managed
// identity.
func (w *WebApps) PrincipalID(ctx context.Context, resourceGroup, name string) (string, error) {
	var site armappservice.Site
	err := telemetry.RecordCloudOperation(ctx, ServiceAppService, "Get", func(ctx context.Context) error {
		resp, err := w.client.Get(ctx, resourceGroup, name, nil)
		if err != nil {
			return err
		}
		site = resp.Site
		return nil
	})
	if err != nil {
		return "", classify(ServiceAppService, "Get", name, err)
	}

	if site.Identity == nil || site.Identity.PrincipalID == nil || *site.Identity.PrincipalID == "" {
		return "", engine.NewPermanentError(fmt.Sprintf("web app %s has no managed identity", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name).
			WithOperation(ServiceAppService + ".Get")
	}
	return *site.Identity.PrincipalID, nil
}

// SetContainer points the site at image (DOCKER|<ref>) and makes it pull
// with its managed identity.
func (w *WebApps) SetContainer(ctx context.Context, resourceGroup, name, image string) error {
	cfg := armappservice.SiteConfigResource{
		Properties: &armappservice.SiteConfig{
			LinuxFxVersion:             to.Ptr("DOCKER|" + image),
			AcrUseManagedIdentityCreds: to.Ptr(true),
		},
	}

	err := telemetry.RecordCloudOperation(ctx, ServiceAppService, "UpdateConfiguration", func(ctx context.Context) error {
		_, err := w.client.UpdateConfiguration(ctx, resourceGroup, name, cfg, nil)
		return err
	})
	return classify(ServiceAppService, "UpdateConfiguration", name, err)
}
