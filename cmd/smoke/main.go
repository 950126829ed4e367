// Command smoke runs an end-to-end check against a running tessera instance:
// provision a tenant, sign in, create a user, rotate the signing key and
// authenticate the new user.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("TESSERA_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	tenant := fmt.Sprintf("smoke-%d", rand.New(rand.NewSource(time.Now().UnixNano())).Int31())
	client := &http.Client{Timeout: 10 * time.Second}

	// Provision a fresh tenant.
	call(client, http.MethodPost, base+"/v1/tenants/provision", map[string]any{
		"tenant":           tenant,
		"initial_password": "smoke-initial-pw",
	}, nil, http.StatusOK)

	// Sign in as the administrator.
	var decision struct {
		AccessToken string `json:"access_token"`
	}
	body := call(client, http.MethodPost, base+"/v1/token", map[string]any{
		"grant_type": "password",
		"username":   "operator",
		"password":   "smoke-initial-pw",
	}, map[string]string{"X-Tenant": tenant}, http.StatusOK)
	mustDecode(body, &decision)
	headers := map[string]string{
		"X-Tenant":      tenant,
		"Authorization": "Bearer " + decision.AccessToken,
	}

	// Create a user and rotate the signing key.
	call(client, http.MethodPost, base+"/v1/users", map[string]any{
		"identifier": "smoke-user",
		"role":       "admin",
		"password":   "smoke-user-pw",
	}, headers, http.StatusCreated)
	call(client, http.MethodPost, base+"/v1/signatures", nil, headers, http.StatusCreated)

	// The new user can authenticate after the rotation.
	call(client, http.MethodPost, base+"/v1/token", map[string]any{
		"grant_type": "password",
		"username":   "smoke-user",
		"password":   "smoke-user-pw",
	}, map[string]string{"X-Tenant": tenant}, http.StatusOK)

	fmt.Printf("smoke ok: tenant=%s\n", tenant)
}

func call(client *http.Client, method, url string, payload any, headers map[string]string, want int) []byte {
	var reader *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Fatalf("marshal %s: %v", url, err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		log.Fatalf("new request %s: %v", url, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != want {
		log.Fatalf("%s %s: status %d, want %d: %s", method, url, resp.StatusCode, want, buf.String())
	}
	return buf.Bytes()
}

func mustDecode(data []byte, dst any) {
	if err := json.Unmarshal(data, dst); err != nil {
		log.Fatalf("decode response: %v", err)
	}
}
