package provisioning

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"cloudimages/internal/config"
	"cloudimages/internal/control"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEC2 answers the EC2 query actions used for one instance and one
// Elastic IP.
type fakeEC2 struct {
	*httptest.Server

	mu      sync.Mutex
	actions []string
	// ReleaseAddress answers with a 500 while positive
	releaseFailures atomic.Int32
}

func (f *fakeEC2) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.actions {
		if a == action {
			n++
		}
	}
	return n
}

func xmlResponse(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/xml;charset=UTF-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(body))
}

func newFakeEC2(t *testing.T) *fakeEC2 {
	f := &fakeEC2{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		action := r.Form.Get("Action")
		f.mu.Lock()
		f.actions = append(f.actions, action)
		f.mu.Unlock()

		switch action {
		case "RunInstances":
			xmlResponse(w, http.StatusOK, `<RunInstancesResponse><requestId>r</requestId><reservationId>r-1</reservationId>
				<instancesSet><item><instanceId>i-1</instanceId><instanceState><code>0</code><name>pending</name></instanceState></item></instancesSet>
				</RunInstancesResponse>`)
		case "DescribeInstances":
			xmlResponse(w, http.StatusOK, `<DescribeInstancesResponse><requestId>r</requestId><reservationSet><item><reservationId>r-1</reservationId>
				<instancesSet><item><instanceId>i-1</instanceId><instanceState><code>16</code><name>running</name></instanceState></item></instancesSet>
				</item></reservationSet></DescribeInstancesResponse>`)
		case "AllocateAddress":
			xmlResponse(w, http.StatusOK, `<AllocateAddressResponse><requestId>r</requestId><publicIp>203.0.113.9</publicIp><domain>vpc</domain><allocationId>eipalloc-1</allocationId></AllocateAddressResponse>`)
		case "AssociateAddress":
			xmlResponse(w, http.StatusOK, `<AssociateAddressResponse><requestId>r</requestId><return>true</return><associationId>eipassoc-1</associationId></AssociateAddressResponse>`)
		case "DisassociateAddress":
			xmlResponse(w, http.StatusOK, `<DisassociateAddressResponse><requestId>r</requestId><return>true</return></DisassociateAddressResponse>`)
		case "ReleaseAddress":
			assert.Equal(t, "eipalloc-1", r.Form.Get("AllocationId"))
			if f.releaseFailures.Add(-1) >= 0 {
				xmlResponse(w, http.StatusInternalServerError, `<Response><Errors><Error><Code>InternalError</Code><Message>try again</Message></Error></Errors><RequestID>r</RequestID></Response>`)
				return
			}
			xmlResponse(w, http.StatusOK, `<ReleaseAddressResponse><requestId>r</requestId><return>true</return></ReleaseAddressResponse>`)
		case "TerminateInstances":
			xmlResponse(w, http.StatusOK, `<TerminateInstancesResponse><requestId>r</requestId><instancesSet><item><instanceId>i-1</instanceId></item></instancesSet></TerminateInstancesResponse>`)
		default:
			t.Errorf("unexpected EC2 action %q", action)
			xmlResponse(w, http.StatusBadRequest, `<Response><Errors><Error><Code>InvalidAction</Code><Message>unexpected</Message></Error></Errors><RequestID>r</RequestID></Response>`)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func newTestAWSDriver(f *fakeEC2, check ReachabilityCheck) *AWSDriver {
	return &AWSDriver{
		driverBase: newDriverBase(config.ProvisionerConfig{Namespace: "travis", Timeouts: fastTimeouts()}, check),
		cfg:        &config.AWSConfig{Region: "us-east-1", DefaultImage: "ami-base"},
		client: ec2.New(ec2.Options{
			Region:           "us-east-1",
			BaseEndpoint:     aws.String(f.URL),
			Credentials:      credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
			RetryMaxAttempts: 1,
		}),
	}
}

func TestAWSDriverUnreachableReleasesElasticIP(t *testing.T) {
	f := newFakeEC2(t)
	driver := newTestAWSDriver(f, func(ctx context.Context, address string, creds control.Credentials) error {
		assert.Equal(t, "203.0.113.9", address)
		return errors.New("connection refused")
	})
	ctx := context.Background()

	vm, err := driver.CreateInstance(ctx, InstanceSpec{Hostname: "host-1", Credentials: testCredentials()})
	assert.ErrorIs(t, err, ErrUnreachableAfterBoot)
	require.NotNil(t, vm)
	assert.Equal(t, "i-1", vm.ID)
	assert.Equal(t, 1, f.count("DisassociateAddress"))
	assert.Equal(t, 1, f.count("ReleaseAddress"))

	require.NoError(t, driver.DestroyInstance(ctx, vm))
	require.NoError(t, driver.DestroyInstance(ctx, vm))
	assert.Equal(t, 1, f.count("ReleaseAddress"))
	assert.Equal(t, 1, f.count("TerminateInstances"))
}

func TestAWSDriverDestroyKeepsInstanceWhenReleaseFails(t *testing.T) {
	f := newFakeEC2(t)
	driver := newTestAWSDriver(f, reachable)
	ctx := context.Background()

	vm, err := driver.CreateInstance(ctx, InstanceSpec{Hostname: "host-1", Credentials: testCredentials()})
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", vm.Address)

	f.releaseFailures.Store(1)
	err = driver.DestroyInstance(ctx, vm)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eipalloc-1")
	assert.NotEqual(t, StateTerminated, vm.State)
	assert.Equal(t, 0, f.count("TerminateInstances"))

	require.NoError(t, driver.DestroyInstance(ctx, vm))
	assert.Equal(t, StateTerminated, vm.State)
	assert.Equal(t, 2, f.count("ReleaseAddress"))
	assert.Equal(t, 1, f.count("TerminateInstances"))
}
