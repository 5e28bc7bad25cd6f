package azure

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand/deckhand/pkg/engine"
)

const subscriptionID = "00000000-0000-0000-0000-000000000001"

var ctx = context.Background()

// fakeARM serves the handful of ARM routes the wrappers call.
type fakeARM struct {
	mu              sync.Mutex
	resourceGroups  map[string]bool
	principalID     string
	siteConfigs     []map[string]interface{}
	assignments     map[string]map[string]interface{}
	listCredsStatus int
}

func newFakeARM() *fakeARM {
	return &fakeARM{
		resourceGroups: map[string]bool{"rg-shop": true},
		principalID:    "11111111-2222-3333-4444-555555555555",
		assignments:    map[string]map[string]interface{}{},
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("x-ms-error-code", code)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": code},
	})
}

func (f *fakeARM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.ToLower(r.URL.Path)
	prefix := "/subscriptions/" + subscriptionID

	switch {
	case r.Method == http.MethodHead && strings.HasPrefix(path, prefix+"/resourcegroups/"):
		name := strings.TrimPrefix(path, prefix+"/resourcegroups/")
		if f.resourceGroups[name] {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/providers/microsoft.web/sites/shop-app"):
		site := map[string]interface{}{
			"id":       r.URL.Path,
			"name":     "shop-app",
			"location": "eastus",
		}
		if f.principalID != "" {
			site["identity"] = map[string]string{"type": "SystemAssigned", "principalId": f.principalID}
		}
		writeJSON(w, http.StatusOK, site)

	case r.Method == http.MethodGet && strings.Contains(path, "/providers/microsoft.web/sites/"):
		writeError(w, http.StatusNotFound, "ResourceNotFound")

	case r.Method == http.MethodPatch && strings.HasSuffix(path, "/sites/shop-app/config/web"):
		var body map[string]interface{}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		f.siteConfigs = append(f.siteConfigs, body)
		writeJSON(w, http.StatusOK, body)

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/providers/microsoft.containerregistry/registries/shopacr"):
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":       r.URL.Path,
			"name":     "shopacr",
			"location": "eastus",
			"sku":      map[string]string{"name": "Basic"},
			"properties": map[string]interface{}{
				"loginServer":      "shopacr.azurecr.io",
				"adminUserEnabled": true,
			},
		})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/registries/shopacr/listcredentials"):
		if f.listCredsStatus != 0 {
			writeError(w, f.listCredsStatus, "AuthorizationFailed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"username": "shopacr",
			"passwords": []map[string]string{
				{"name": "password", "value": "s3cret"},
				{"name": "password2", "value": "other"},
			},
		})

	case r.Method == http.MethodPut && strings.Contains(path, "/providers/microsoft.authorization/roleassignments/"):
		if _, ok := f.assignments[path]; ok {
			writeError(w, http.StatusConflict, "RoleAssignmentExists")
			return
		}
		var body map[string]interface{}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		f.assignments[path] = body
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"id":         r.URL.Path,
			"name":       path[strings.LastIndex(path, "/")+1:],
			"properties": body["properties"],
		})

	default:
		writeError(w, http.StatusNotFound, "RouteNotFound")
	}
}

func setup(t *testing.T) (*fakeARM, *Clients) {
	t.Helper()
	fake := newFakeARM()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	clients, err := NewClients(Config{SubscriptionID: subscriptionID, Endpoint: srv.URL})
	require.NoError(t, err)
	return fake, clients
}

func TestResourceGroups_Exists(t *testing.T) {
	_, clients := setup(t)

	exists, err := clients.ResourceGroups.Exists(ctx, "rg-shop")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = clients.ResourceGroups.Exists(ctx, "rg-missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWebApps_PrincipalID(t *testing.T) {
	fake, clients := setup(t)

	id, err := clients.WebApps.PrincipalID(ctx, "rg-shop", "shop-app")
	require.NoError(t, err)
	assert.Equal(t, fake.principalID, id)

	_, err = clients.WebApps.PrincipalID(ctx, "rg-shop", "other-app")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))

	fake.principalID = ""
	_, err = clients.WebApps.PrincipalID(ctx, "rg-shop", "shop-app")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no managed identity")
}

func TestWebApps_SetContainer(t *testing.T) {
	fake, clients := setup(t)

	err := clients.WebApps.SetContainer(ctx, "rg-shop", "shop-app", "shopacr.azurecr.io/shop:latest")
	require.NoError(t, err)

	require.Len(t, fake.siteConfigs, 1)
	props, ok := fake.siteConfigs[0]["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "DOCKER|shopacr.azurecr.io/shop:latest", props["linuxFxVersion"])
	assert.Equal(t, true, props["acrUseManagedIdentityCreds"])
}

func TestRegistries(t *testing.T) {
	fake, clients := setup(t)

	server, err := clients.Registries.LoginServer(ctx, "rg-shop", "shopacr")
	require.NoError(t, err)
	assert.Equal(t, "shopacr.azurecr.io", server)

	reg, err := clients.Registries.Get(ctx, "rg-shop", "shopacr")
	require.NoError(t, err)
	assert.Contains(t, reg.ID, "/registries/shopacr")

	creds, err := clients.Registries.Credentials(ctx, "rg-shop", "shopacr")
	require.NoError(t, err)
	assert.Equal(t, "shopacr", creds.Username)
	assert.Equal(t, "s3cret", creds.Password)

	fake.listCredsStatus = http.StatusForbidden
	_, err = clients.Registries.Credentials(ctx, "rg-shop", "shopacr")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodePermissionDenied))
	assert.True(t, engine.IsPermanent(err))
}

func TestRoles_AssignAcrPull(t *testing.T) {
	fake, clients := setup(t)
	scope := "/subscriptions/" + subscriptionID + "/resourceGroups/rg-shop/providers/Microsoft.ContainerRegistry/registries/shopacr"

	created, err := clients.Roles.AssignAcrPull(ctx, scope, fake.principalID)
	require.NoError(t, err)
	assert.True(t, created)

	// The same grant maps to the same assignment and is accepted.
	created, err = clients.Roles.AssignAcrPull(ctx, scope, fake.principalID)
	require.NoError(t, err)
	assert.False(t, created)

	require.Len(t, fake.assignments, 1)
	for _, body := range fake.assignments {
		props := body["properties"].(map[string]interface{})
		assert.Equal(t, fake.principalID, props["principalId"])
		assert.True(t, strings.HasSuffix(props["roleDefinitionId"].(string), AcrPullRoleID))
	}
}

func TestAssignmentName_Stable(t *testing.T) {
	a := AssignmentName("scope", "principal", AcrPullRoleID)
	b := AssignmentName("scope", "principal", AcrPullRoleID)
	c := AssignmentName("scope", "other", AcrPullRoleID)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNewClients_RequiresSubscription(t *testing.T) {
	_, err := NewClients(Config{Endpoint: "http://127.0.0.1:1"})
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}

func TestClientOptions(t *testing.T) {
	assert.Nil(t, ClientOptions(""))

	opts := ClientOptions("http://localhost:8080")
	require.NotNil(t, opts)
	assert.True(t, opts.InsecureAllowCredentialWithHTTP)

	opts = ClientOptions("https://management.example.test")
	assert.False(t, opts.InsecureAllowCredentialWithHTTP)
}
