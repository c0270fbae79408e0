package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cloudimages/internal/config"
	"cloudimages/internal/control"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jsonResponse writes a JSON response with the given status code and body.
func jsonResponse(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func rawJSON(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(body))
}

func reachable(ctx context.Context, address string, creds control.Credentials) error { return nil }

func testCredentials() control.Credentials {
	return control.Credentials{User: "travis", Password: "pw", PublicKey: "ssh-rsa AAAA"}
}

func TestBlueBoxDriverLifecycle(t *testing.T) {
	var polls atomic.Int32
	var templateListings atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/blocks.json", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "cust", user)
		assert.Equal(t, "key", pass)
		q := r.URL.Query()
		assert.Equal(t, "flavor", q.Get("product"))
		assert.Equal(t, "tmpl-1", q.Get("template"))
		assert.Equal(t, "travis", q.Get("username"))
		assert.Equal(t, "pw", q.Get("password"))
		rawJSON(w, http.StatusOK, `{"id":"b1","hostname":"host-1","status":"queued"}`)
	})
	mux.HandleFunc("GET /api/blocks/b1.json", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 2 {
			rawJSON(w, http.StatusOK, `{"id":"b1","hostname":"host-1","status":"queued"}`)
			return
		}
		rawJSON(w, http.StatusOK, `{"id":"b1","hostname":"host-1","status":"running","ips":[{"address":"192.0.2.10"}]}`)
	})
	mux.HandleFunc("POST /api/block_templates.json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "b1", r.URL.Query().Get("id"))
		assert.Equal(t, "travis-trusty-ruby-x", r.URL.Query().Get("description"))
		rawJSON(w, http.StatusOK, `{"status":"queued"}`)
	})
	mux.HandleFunc("GET /api/block_templates.json", func(w http.ResponseWriter, r *http.Request) {
		if templateListings.Add(1) < 2 {
			rawJSON(w, http.StatusOK, `[]`)
			return
		}
		rawJSON(w, http.StatusOK, `[
			{"id":"t1","description":"travis-trusty-ruby-x","public":false,"created":"2016-01-01T00:00:00Z"},
			{"id":"t2","description":"travis-trusty-ruby-y","public":true,"created":"2017-01-01T00:00:00Z"}
		]`)
	})
	mux.HandleFunc("DELETE /api/blocks/b1.json", func(w http.ResponseWriter, r *http.Request) {
		rawJSON(w, http.StatusNotFound, `{"error":"not found"}`)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	driver, err := NewBlueBoxDriver(config.ProvisionerConfig{
		Type:      config.ProviderBlueBox,
		Namespace: "travis",
		Timeouts:  fastTimeouts(),
		BlueBox: &config.BlueBoxConfig{
			CustomerID: "cust",
			APIKey:     "key",
			APIURL:     ts.URL,
			ImageID:    "tmpl-1",
			FlavorID:   "flavor",
		},
	}, reachable)
	require.NoError(t, err)

	ctx := context.Background()
	vm, err := driver.CreateInstance(ctx, InstanceSpec{Hostname: "host-1", Credentials: testCredentials()})
	require.NoError(t, err)
	assert.Equal(t, "b1", vm.ID)
	assert.Equal(t, "192.0.2.10", vm.Address)
	assert.Equal(t, StateRunning, vm.State)
	assert.Equal(t, "travis", vm.Username)

	tmpl, err := driver.SaveTemplate(ctx, vm, "trusty-ruby-x")
	require.NoError(t, err)
	assert.Equal(t, "t1", tmpl.ID)

	latest, found, err := driver.LatestTemplate(ctx, "ruby")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "t1", latest.ID)

	require.NoError(t, driver.DestroyInstance(ctx, vm))
	assert.Equal(t, StateTerminated, vm.State)
}

func TestBlueBoxDriverErrorState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/blocks.json", func(w http.ResponseWriter, r *http.Request) {
		rawJSON(w, http.StatusOK, `{"id":"b2","hostname":"host-2","status":"queued"}`)
	})
	mux.HandleFunc("GET /api/blocks/b2.json", func(w http.ResponseWriter, r *http.Request) {
		rawJSON(w, http.StatusOK, `{"id":"b2","hostname":"host-2","status":"error"}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	driver, err := NewBlueBoxDriver(config.ProvisionerConfig{
		Namespace: "travis",
		Timeouts:  fastTimeouts(),
		BlueBox:   &config.BlueBoxConfig{CustomerID: "c", APIKey: "k", APIURL: ts.URL},
	}, reachable)
	require.NoError(t, err)

	vm, err := driver.CreateInstance(context.Background(), InstanceSpec{Hostname: "host-2", Credentials: testCredentials()})
	assert.ErrorIs(t, err, ErrInfrastructureUnavailable)
	require.NotNil(t, vm)
	assert.Equal(t, "b2", vm.ID)
}

func TestBlueBoxDriverUnreachable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/blocks.json", func(w http.ResponseWriter, r *http.Request) {
		rawJSON(w, http.StatusOK, `{"id":"b3","status":"running","ips":[{"address":"192.0.2.11"}]}`)
	})
	mux.HandleFunc("GET /api/blocks/b3.json", func(w http.ResponseWriter, r *http.Request) {
		rawJSON(w, http.StatusOK, `{"id":"b3","status":"running","ips":[{"address":"192.0.2.11"}]}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	var checks atomic.Int32
	driver, err := NewBlueBoxDriver(config.ProvisionerConfig{
		Namespace: "travis",
		Timeouts:  fastTimeouts(),
		BlueBox:   &config.BlueBoxConfig{CustomerID: "c", APIKey: "k", APIURL: ts.URL},
	}, func(ctx context.Context, address string, creds control.Credentials) error {
		checks.Add(1)
		return errors.New("connection refused")
	})
	require.NoError(t, err)

	vm, err := driver.CreateInstance(context.Background(), InstanceSpec{Hostname: "h", Credentials: testCredentials()})
	assert.ErrorIs(t, err, ErrUnreachableAfterBoot)
	require.NotNil(t, vm)
	assert.Equal(t, int32(fastTimeouts().ReachabilityAttempts), checks.Load())
}

func TestSauceLabsDriver(t *testing.T) {
	var infoCalls atomic.Int32
	var allowed atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("POST /instances", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, defaultSauceLabsImage, r.URL.Query().Get("image"))
		var startup map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&startup))
		assert.Equal(t, "mac-1", startup["hostname"])
		jsonResponse(w, http.StatusOK, map[string]string{"instance_id": "i-1"})
	})
	mux.HandleFunc("POST /instances/i-1/allow_outgoing", func(w http.ResponseWriter, r *http.Request) {
		allowed.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /instances/i-1", func(w http.ResponseWriter, r *http.Request) {
		if infoCalls.Add(1) < 2 {
			rawJSON(w, http.StatusOK, `{"instance_id":"i-1","State":"Starting"}`)
			return
		}
		rawJSON(w, http.StatusOK, `{"instance_id":"i-1","State":"Running","public_ip":"198.51.100.7","extra_info":{"hostname":"mac-1.local"}}`)
	})
	mux.HandleFunc("DELETE /instances/i-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	driver, err := NewSauceLabsDriver(config.ProvisionerConfig{
		Namespace: "travis",
		Timeouts:  fastTimeouts(),
		SauceLabs: &config.SauceLabsConfig{APIEndpoint: ts.URL},
	}, reachable)
	require.NoError(t, err)
	ctx := context.Background()

	latest, found, err := driver.LatestTemplate(ctx, "anything")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, defaultSauceLabsImage, latest.ID)

	vm, err := driver.CreateInstance(ctx, InstanceSpec{Hostname: "mac-1", ImageID: latest.ID, Credentials: testCredentials()})
	require.NoError(t, err)
	assert.True(t, allowed.Load())
	assert.Equal(t, "198.51.100.7", vm.Address)
	assert.Equal(t, "mac-1.local", vm.Hostname)

	require.NoError(t, driver.DestroyInstance(ctx, vm))
	assert.Equal(t, StateTerminated, vm.State)
	// destroying twice is a no-op
	require.NoError(t, driver.DestroyInstance(ctx, vm))
}

func TestDODriverDestroyNotFound(t *testing.T) {
	var deletes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v2/droplets/42", func(w http.ResponseWriter, r *http.Request) {
		deletes.Add(1)
		rawJSON(w, http.StatusNotFound, `{"id":"not_found","message":"The resource you were accessing could not be found."}`)
	})
	mux.HandleFunc("DELETE /v2/droplets/43", func(w http.ResponseWriter, r *http.Request) {
		rawJSON(w, http.StatusForbidden, `{"id":"forbidden","message":"nope"}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	driver, err := NewDODriver(config.ProvisionerConfig{
		Namespace:    "travis",
		Timeouts:     fastTimeouts(),
		DigitalOcean: &config.DigitalOceanConfig{Token: "t", APIURL: ts.URL + "/"},
	}, reachable)
	require.NoError(t, err)

	vm := &VirtualMachine{ID: "42", State: StateRunning}
	require.NoError(t, driver.DestroyInstance(context.Background(), vm))
	assert.Equal(t, StateTerminated, vm.State)
	require.NoError(t, driver.DestroyInstance(context.Background(), vm))
	assert.Equal(t, int32(1), deletes.Load())

	err = driver.DestroyInstance(context.Background(), &VirtualMachine{ID: "43", State: StateRunning})
	assert.Error(t, err)
}

func TestHCloudDriver(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /images", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "snapshot", r.URL.Query().Get("type"))
		assert.Equal(t, "cloudimages-namespace=travis", r.URL.Query().Get("label_selector"))
		rawJSON(w, http.StatusOK, `{
			"images": [
				{"id": 1, "type": "snapshot", "status": "available", "description": "travis-trusty-ruby-a", "created": "2016-01-01T00:00:00+00:00"},
				{"id": 2, "type": "snapshot", "status": "available", "description": "travis-trusty-ruby-b", "created": "2016-02-01T00:00:00+00:00"},
				{"id": 3, "type": "snapshot", "status": "creating", "description": "travis-trusty-ruby-c", "created": "2016-03-01T00:00:00+00:00"}
			],
			"meta": {"pagination": {"page": 1, "per_page": 50, "previous_page": null, "next_page": null, "last_page": 1, "total_entries": 3}}
		}`)
	})
	mux.HandleFunc("DELETE /servers/7", func(w http.ResponseWriter, r *http.Request) {
		rawJSON(w, http.StatusNotFound, `{"error": {"code": "not_found", "message": "server not found"}}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	driver, err := NewHCloudDriver(config.ProvisionerConfig{
		Namespace: "travis",
		Timeouts:  fastTimeouts(),
		HCloud:    &config.HCloudConfig{Token: "test-token", Endpoint: ts.URL},
	}, reachable)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	latest, found, err := driver.LatestTemplate(ctx, "ruby")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", latest.ID)

	vm := &VirtualMachine{ID: "7", State: StateRunning}
	require.NoError(t, driver.DestroyInstance(ctx, vm))
	assert.Equal(t, StateTerminated, vm.State)
}
