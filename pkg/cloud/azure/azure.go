// Package azure wraps the Azure Resource Manager clients deckhand needs:
// resource group existence, App Service container configuration, container
// registry lookups and AcrPull role assignments.
//
// Every call is recorded through telemetry.RecordCloudOperation, so spans
// and cloud call metrics are produced whenever a Telemetry is carried in
// the context. ARM errors are converted to engine errors classified by
// HTTP status.
package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/deckhand/deckhand/pkg/engine"
)

// Service names used in spans and metrics.
const (
	ServiceResources         = "resources"
	ServiceAppService        = "appservice"
	ServiceContainerRegistry = "containerregistry"
	ServiceAuthorization     = "authorization"
)

// Config selects the subscription, identity and endpoint.
type Config struct {
	SubscriptionID string
	TenantID       string
	ClientID       string
	ClientSecret   string

	// Endpoint overrides the Resource Manager endpoint, for simulators and
	// tests. Without client credentials a static token is sent.
	Endpoint string
}

// staticCredential returns a fixed token. It is only used against an
// overridden endpoint.
type staticCredential struct{}

func (staticCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "deckhand-local", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

// NewCredential picks a client secret credential when tenant, client ID
// and secret are all set, otherwise DefaultAzureCredential.
func NewCredential(cfg Config) (azcore.TokenCredential, error) {
	switch {
	case cfg.TenantID != "" && cfg.ClientID != "" && cfg.ClientSecret != "":
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create client secret credential: %w", err)
		}
		return cred, nil
	case cfg.Endpoint != "":
		return staticCredential{}, nil
	default:
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create default credential: %w", err)
		}
		return cred, nil
	}
}

// ClientOptions returns ARM client options. An endpoint points Resource
// Manager at it; nil is returned when endpoint is empty.
func ClientOptions(endpoint string) *arm.ClientOptions {
	if endpoint == "" {
		return nil
	}
	return &arm.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Cloud: cloud.Configuration{
				Services: map[cloud.ServiceName]cloud.ServiceConfiguration{
					cloud.ResourceManager: {
						Endpoint: endpoint,
						Audience: "https://management.azure.com/",
					},
				},
			},
			InsecureAllowCredentialWithHTTP: strings.HasPrefix(endpoint, "http://"),
		},
	}
}

// Clients bundles the wrappers for one subscription.
type Clients struct {
	Credential     azcore.TokenCredential
	ResourceGroups *ResourceGroups
	WebApps        *WebApps
	Registries     *Registries
	Roles          *Roles
}

// NewClients creates every wrapper from cfg.
func NewClients(cfg Config) (*Clients, error) {
	if cfg.SubscriptionID == "" {
		return nil, engine.NewPermanentError("azure subscription is not configured", nil).
			WithCode(engine.ErrCodeValidation)
	}

	cred, err := NewCredential(cfg)
	if err != nil {
		return nil, err
	}
	return NewClientsWithCredential(cfg.SubscriptionID, cred, ClientOptions(cfg.Endpoint))
}

// NewClientsWithCredential creates every wrapper with an explicit
// credential and options.
func NewClientsWithCredential(subscriptionID string, cred azcore.TokenCredential, opts *arm.ClientOptions) (*Clients, error) {
	groups, err := NewResourceGroups(subscriptionID, cred, opts)
	if err != nil {
		return nil, err
	}
	webApps, err := NewWebApps(subscriptionID, cred, opts)
	if err != nil {
		return nil, err
	}
	registries, err := NewRegistries(subscriptionID, cred, opts)
	if err != nil {
		return nil, err
	}
	roles, err := NewRoles(subscriptionID, cred, opts)
	if err != nil {
		return nil, err
	}

	return &Clients{
		Credential:     cred,
		ResourceGroups: groups,
		WebApps:        webApps,
		Registries:     registries,
		Roles:          roles,
	}, nil
}

// classify converts an ARM error into an engine error by status code.
func classify(service, operation, resource string, err error) error {
	if err == nil {
		return nil
	}

	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return engine.NewTransientError(fmt.Sprintf("%s %s failed", service, operation), err).
			WithResource(resource).
			WithOperation(service + "." + operation)
	}

	msg := fmt.Sprintf("%s %s failed with %d %s", service, operation, respErr.StatusCode, respErr.ErrorCode)
	var e *engine.EngineError
	switch {
	case respErr.StatusCode == http.StatusTooManyRequests:
		e = engine.NewThrottledError(msg, err).WithCode(engine.ErrCodeRateLimited)
	case respErr.StatusCode == http.StatusConflict:
		e = engine.NewConflictError(msg, err).WithCode(engine.ErrCodeConflict)
	case respErr.StatusCode == http.StatusNotFound:
		e = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeNotFound)
	case respErr.StatusCode == http.StatusUnauthorized || respErr.StatusCode == http.StatusForbidden:
		e = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodePermissionDenied)
	case respErr.StatusCode >= 500:
		e = engine.NewTransientError(msg, err).WithCode(engine.ErrCodeInternal)
	default:
		e = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeValidation)
	}
	return e.WithResource(resource).
		WithOperation(service+"."+operation).
		WithDetail("status", respErr.StatusCode).
		WithDetail("arm_code", respErr.ErrorCode)
}

func hasErrorCode(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
