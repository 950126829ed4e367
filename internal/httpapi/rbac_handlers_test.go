package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"tessera.org/internal/identity"
)

func TestRolesEndpoints(t *testing.T) {
	api := newTestAPI(t)
	api.provision()
	headers := api.adminHeaders()

	resp := api.get("/v1/roles", headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected list status: %d", resp.StatusCode)
	}
	roles := decode[[]identity.Role](t, resp)
	var haveAdmin bool
	for _, role := range roles {
		if role.Identifier == identity.AdminRoleIdentifier {
			haveAdmin = true
		}
	}
	if !haveAdmin {
		t.Fatalf("expected builtin admin role, got %+v", roles)
	}

	resp = api.get("/v1/roles/"+identity.AdminRoleIdentifier, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected get status: %d", resp.StatusCode)
	}
	admin := decode[identity.Role](t, resp)
	if len(admin.Grants) == 0 {
		t.Fatalf("expected admin role grants")
	}

	resp = api.get("/v1/roles/ghost", headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown role, got %d", resp.StatusCode)
	}

	resp = api.do(http.MethodDelete, "/v1/roles", nil, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Allow") == "" {
		t.Fatalf("expected Allow header on 405")
	}
}

func TestPermittableGroupEndpoints(t *testing.T) {
	api := newTestAPI(t)
	api.provision()
	headers := api.adminHeaders()

	resp := api.get("/v1/permittablegroups", headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected list status: %d", resp.StatusCode)
	}
	groups := decode[[]identity.PermittableGroup](t, resp)
	if len(groups) != 4 {
		t.Fatalf("expected four builtin groups, got %d", len(groups))
	}

	resp = api.post("/v1/permittablegroups", map[string]any{
		"identifier": "reporting",
		"paths":      []string{"/reports", "/reports/*"},
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected create status: %d", resp.StatusCode)
	}
	created := decode[identity.PermittableGroup](t, resp)
	if created.Identifier != "reporting" || len(created.Permittables) == 0 {
		t.Fatalf("unexpected group: %+v", created)
	}
	for _, p := range created.Permittables {
		if !strings.HasPrefix(p.Path, "identity/") {
			t.Fatalf("expected application prefix on %q", p.Path)
		}
	}

	resp = api.get("/v1/permittablegroups/reporting", headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected get status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/permittablegroups", map[string]any{
		"identifier": "broken",
		"paths":      []string{"no-leading-slash"},
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad path, got %d", resp.StatusCode)
	}
}

func TestCreateUserValidation(t *testing.T) {
	api := newTestAPI(t)
	api.provision()
	headers := api.adminHeaders()

	// Reserved identifiers are rejected.
	for _, reserved := range []string{"guest", "system", "tessera", "Operator"} {
		resp := api.post("/v1/users", map[string]any{
			"identifier": reserved,
			"role":       identity.AdminRoleIdentifier,
			"password":   "whatever-pw",
		}, headers)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", reserved, resp.StatusCode)
		}
	}

	// Duplicates conflict.
	resp := api.post("/v1/users", map[string]any{
		"identifier": "carol",
		"role":       identity.AdminRoleIdentifier,
		"password":   "carol-pw",
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected create status: %d", resp.StatusCode)
	}
	resp = api.post("/v1/users", map[string]any{
		"identifier": "carol",
		"role":       identity.AdminRoleIdentifier,
		"password":   "carol-pw",
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", resp.StatusCode)
	}

	// Unknown user lookups are 404.
	resp = api.get("/v1/users/nobody", headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateFederatedUserWithoutPassword(t *testing.T) {
	api := newTestAPI(t)
	api.provision()
	headers := api.adminHeaders()

	resp := api.post("/v1/users", map[string]any{
		"identifier": "dave@example.com",
		"role":       identity.AdminRoleIdentifier,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected create status: %d", resp.StatusCode)
	}
	created := decode[userResponse](t, resp)
	if !created.Federated {
		t.Fatalf("expected federated user, got %+v", created)
	}

	// Password login stays closed for federated accounts.
	resp = api.post("/v1/token", map[string]any{
		"grant_type": "password",
		"username":   "dave@example.com",
		"password":   "anything",
	}, map[string]string{"X-Tenant": testTenant})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for federated password login, got %d", resp.StatusCode)
	}
}

func TestChangeUserRole(t *testing.T) {
	api := newTestAPI(t)
	api.provision()
	headers := api.adminHeaders()

	resp := api.post("/v1/roles", map[string]any{
		"identifier": "auditor",
		"grants": []map[string]any{
			{
				"permittable_group_identifier": identity.PermittableGroupSelfManagement,
				"allowed_operations":           []string{"GET"},
			},
		},
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected role status: %d", resp.StatusCode)
	}

	resp = api.post("/v1/users", map[string]any{
		"identifier": "erin",
		"role":       identity.AdminRoleIdentifier,
		"password":   "erin-pw",
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected user status: %d", resp.StatusCode)
	}

	resp = api.do(http.MethodPut, "/v1/users/erin/role", map[string]any{
		"role": "auditor",
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected role change status: %d", resp.StatusCode)
	}

	resp = api.get("/v1/users/erin", headers)
	user := decode[userResponse](t, resp)
	if user.Role != "auditor" {
		t.Fatalf("expected role auditor, got %q", user.Role)
	}
}

func TestEventStreamDeliversNotifications(t *testing.T) {
	api := newTestAPI(t)
	api.provision()
	headers := api.adminHeaders()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	opening, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read opening comment: %v", err)
	}
	if !strings.HasPrefix(opening, ":") {
		t.Fatalf("expected SSE comment, got %q", opening)
	}

	// A mutation on another connection shows up on the stream.
	go func() {
		r := api.post("/v1/users", map[string]any{
			"identifier": "frank",
			"role":       identity.AdminRoleIdentifier,
			"password":   "frank-pw",
		}, headers)
		r.Body.Close()
	}()

	var event identity.Notification
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		break
	}
	if event.Operation != identity.OperationUserCreated || event.Identifier != "frank" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Tenant != testTenant || event.ID == "" {
		t.Fatalf("unexpected event metadata: %+v", event)
	}
}
