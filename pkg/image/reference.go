package image

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// NormalizeServer reduces a registry login server to the bare host that
// references carry as their domain: no scheme, no trailing slash, lower case.
// Credentials are stored and looked up under this form.
func NormalizeServer(server string) string {
	server = strings.TrimSpace(server)
	for _, scheme := range []string{"https://", "http://"} {
		if len(server) >= len(scheme) && strings.EqualFold(server[:len(scheme)], scheme) {
			server = server[len(scheme):]
			break
		}
	}
	return strings.ToLower(strings.TrimRight(server, "/"))
}

// Reference builds <loginServer>/<name>:<tag> and validates it. The same
// string is used to build, push and configure the hosted service.
func Reference(loginServer, name, tag string) (string, error) {
	loginServer = NormalizeServer(loginServer)
	if loginServer == "" {
		return "", fmt.Errorf("registry login server is empty")
	}
	if tag == "" {
		tag = "latest"
	}

	named, err := reference.ParseNamed(loginServer + "/" + name)
	if err != nil {
		return "", fmt.Errorf("invalid image name %s/%s: %w", loginServer, name, err)
	}
	if reference.Domain(named) != loginServer {
		return "", fmt.Errorf("image name %q must not include a registry", name)
	}

	tagged, err := reference.WithTag(named, tag)
	if err != nil {
		return "", fmt.Errorf("invalid image tag %q: %w", tag, err)
	}
	return tagged.String(), nil
}

// Split returns the registry domain, repository path and tag of a
// reference. The tag defaults to latest.
func Split(ref string) (domain, path, tag string, err error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	named = reference.TagNameOnly(named)
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}
	return reference.Domain(named), reference.Path(named), tag, nil
}
