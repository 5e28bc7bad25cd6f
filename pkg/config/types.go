package config

import (
	"fmt"
	"time"
)

// Project is the decoded deckhand.cue project configuration.
type Project struct {
	// Name is the project name, used for resource and image defaults.
	Name string `json:"name" validate:"required"`

	// Environment is the target environment (dev, staging, prod).
	Environment string `json:"environment" validate:"required,oneof=dev staging prod"`

	// Branch is the branch whose pushes are allowed to apply infrastructure.
	Branch string `json:"branch" validate:"required"`

	Azure     AzureConfig     `json:"azure"`
	Registry  RegistryConfig  `json:"registry"`
	WebApp    WebAppConfig    `json:"webapp"`
	Image     ImageConfig     `json:"image"`
	Terraform TerraformConfig `json:"terraform"`
	Artifact  ArtifactConfig  `json:"artifact"`
	Compose   ComposeConfig   `json:"compose"`
	Workflows WorkflowsConfig `json:"workflows"`
	State     StateConfig     `json:"state"`
	Policy    PolicyConfig    `json:"policy"`
	Lock      LockConfig      `json:"lock"`

	// Secrets are opaque values from DECKHAND_SECRET_* and ARM_CLIENT_SECRET.
	// They are never read from the config file.
	Secrets map[string]string `json:"-"`
}

// AzureConfig identifies the subscription and resource group.
type AzureConfig struct {
	Subscription  string `json:"subscription" validate:"omitempty,uuid"`
	Tenant        string `json:"tenant" validate:"omitempty,uuid"`
	ClientID      string `json:"clientId" validate:"omitempty,uuid"`
	Location      string `json:"location" validate:"required"`
	ResourceGroup string `json:"resourceGroup" validate:"required,max=90"`

	// ClientSecret comes from ARM_CLIENT_SECRET only.
	ClientSecret string `json:"-"`

	// Endpoint overrides the resource manager endpoint.
	Endpoint string `json:"endpoint" validate:"omitempty,url"`
}

// RegistryConfig names the container registry.
type RegistryConfig struct {
	Name string `json:"name" validate:"required,alphanum,min=5,max=50"`
}

// WebAppConfig names the hosted service.
type WebAppConfig struct {
	Name string `json:"name" validate:"required,max=60"`
}

// ImageConfig is the repository and fixed tag of the built image.
type ImageConfig struct {
	Name       string `json:"name" validate:"required"`
	Tag        string `json:"tag" validate:"required"`
	Context    string `json:"context" validate:"required"`
	Dockerfile string `json:"dockerfile" validate:"required"`
}

// TerraformConfig locates the IaC configuration.
type TerraformConfig struct {
	Dir    string `json:"dir" validate:"required"`
	Binary string `json:"binary" validate:"required"`
}

// ArtifactConfig selects where handoff artifacts are stored.
type ArtifactConfig struct {
	Name      string `json:"name" validate:"required"`
	Store     string `json:"store" validate:"required,oneof=fs blob"`
	Root      string `json:"root" validate:"required_if=Store fs"`
	Account   string `json:"account" validate:"required_if=Store blob"`
	Container string `json:"container" validate:"required_if=Store blob"`
}

// ComposeConfig locates the composition file.
type ComposeConfig struct {
	File string `json:"file" validate:"required"`
}

// WorkflowsConfig locates the workflow definitions.
type WorkflowsConfig struct {
	Dir string `json:"dir" validate:"required"`
}

// StateConfig locates the run database.
type StateConfig struct {
	Path string `json:"path" validate:"required"`
}

// PolicyConfig lists extra Rego policy directories.
type PolicyConfig struct {
	Dirs []string `json:"dirs"`
}

// LockConfig configures the per resource group run lock.
type LockConfig struct {
	TTL string `json:"ttl" validate:"required"`
}

// TTLDuration parses the lock TTL.
func (l LockConfig) TTLDuration() (time.Duration, error) {
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return 0, fmt.Errorf("invalid lock ttl %q: %w", l.TTL, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("lock ttl must be positive, got %s", l.TTL)
	}
	return d, nil
}

// BlobURL returns the blob service URL of the artifact storage account.
func (a ArtifactConfig) BlobURL() string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/", a.Account)
}

// ValidationError represents a configuration error with its location.
type ValidationError struct {
	// File is the file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number where the error occurred.
	Line int `json:"line,omitempty"`

	// Column is the column number where the error occurred.
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g., "azure.resourceGroup").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	loc := ve.Path
	if ve.File != "" {
		loc = fmt.Sprintf("%s:%d:%d", ve.File, ve.Line, ve.Column)
	}
	if loc == "" {
		return ve.Message
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}

// ValidationErrors is the set of errors found while loading a project.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (ve ValidationErrors) Error() string {
	if len(ve) == 1 {
		return ve[0].Error()
	}
	msg := fmt.Sprintf("%d configuration errors:", len(ve))
	for _, e := range ve {
		msg += "\n  " + e.Error()
	}
	return msg
}
