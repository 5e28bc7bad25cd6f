package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerregistry/armcontainerregistry"

	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/telemetry"
)

// Registry is the part of a container registry deckhand uses.
type Registry struct {
	ID          string
	Name        string
	LoginServer string
}

// RegistryCredentials are the admin credentials of a registry.
type RegistryCredentials struct {
	Username string
	Password string
}

// Registries looks up container registries.
type Registries struct {
	client *armcontainerregistry.RegistriesClient
}

// NewRegistries creates the wrapper.
func NewRegistries(subscriptionID string, cred azcore.TokenCredential, opts *arm.ClientOptions) (*Registries, error) {
	client, err := armcontainerregistry.NewRegistriesClient(subscriptionID, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create registries client: %w", err)
	}
	return &Registries{client: client}, nil
}

// Get returns the registry's ID and login server.
func (r *Registries) Get(ctx context.Context, resourceGroup, name string) (*Registry, error) {
	var reg armcontainerregistry.Registry
	err := telemetry.RecordCloudOperation(ctx, ServiceContainerRegistry, "Get", func(ctx context.Context) error {
		resp, err := r.client.Get(ctx, resourceGroup, name, nil)
		if err != nil {
			return err
		}
		reg = resp.Registry
		return nil
	})
	if err != nil {
		return nil, classify(ServiceContainerRegistry, "Get", name, err)
	}

	out := &Registry{Name: name}
	if reg.ID != nil {
		out.ID = *reg.ID
	}
	if reg.Properties != nil && reg.Properties.LoginServer != nil {
		out.LoginServer = *reg.Properties.LoginServer
	}
	return out, nil
}

// LoginServer returns the registry host name.
func (r *Registries) LoginServer(ctx context.Context, resourceGroup, name string) (string, error) {
	reg, err := r.Get(ctx, resourceGroup, name)
	if err != nil {
		return "", err
	}
	if reg.LoginServer == "" {
		return "", engine.NewPermanentError(fmt.Sprintf("registry %s has no login server", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}
	return reg.LoginServer, nil
}

// Credentials returns the admin user and its first password.
func (r *Registries) Credentials(ctx context.Context, resourceGroup, name string) (*RegistryCredentials, error) {
	var result armcontainerregistry.RegistryListCredentialsResult
	err := telemetry.RecordCloudOperation(ctx, ServiceContainerRegistry, "ListCredentials", func(ctx context.Context) error {
		resp, err := r.client.ListCredentials(ctx, resourceGroup, name, nil)
		if err != nil {
			return err
		}
		result = resp.RegistryListCredentialsResult
		return nil
	})
	if err != nil {
		return nil, classify(ServiceContainerRegistry, "ListCredentials", name, err)
	}

	creds := &RegistryCredentials{}
	if result.Username != nil {
		creds.Username = *result.Username
	}
	for _, p := range result.Passwords {
		if p != nil && p.Value != nil && *p.Value != "" {
			creds.Password = *p.Value
			break
		}
	}
	if creds.Username == "" || creds.Password == "" {
		return nil, engine.NewPermanentError(fmt.Sprintf("registry %s returned no admin credentials", name), nil).
			WithCode(engine.ErrCodePermissionDenied).
			WithResource(name)
	}
	return creds, nil
}
