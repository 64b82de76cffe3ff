package utils_test

import (
	"os"
	"testing"
	"time"

	"github.com/infobloxopen/opa-client/pkg/opa_client"
	"github.com/ory/dockertest/v3"
)

const (
	// EnvDockerTests enables tests against a real OPA container
	EnvDockerTests = "OPA_DOCKER_TESTS"

	OpaImage = "openpolicyagent/opa"
	OpaTag   = "0.40.0-rootless"
)

// StartOpaContainer runs OPA in docker and returns a client for it. The
// test is skipped unless OPA_DOCKER_TESTS is set. The container is purged
// when the test finishes.
func StartOpaContainer(t *testing.T, opaArgs ...string) *opa_client.Client {
	t.Helper()

	if os.Getenv(EnvDockerTests) == "" {
		t.Skipf("set %s=1 to run against a dockerised OPA", EnvDockerTests)
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("could not connect to docker: %s", err)
	}

	cmd := append([]string{"run", "--server", "--addr=0.0.0.0:8181"}, opaArgs...)
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository:   OpaImage,
		Tag:          OpaTag,
		Cmd:          cmd,
		ExposedPorts: []string{"8181/tcp"},
	})
	if err != nil {
		t.Fatalf("could not start opa container: %s", err)
	}
	t.Cleanup(func() {
		if err := pool.Purge(resource); err != nil {
			t.Logf("could not purge opa container: %s", err)
		}
	})

	address := "http://" + resource.GetHostPort("8181/tcp")

	var cli *opa_client.Client
	pool.MaxWait = 30 * time.Second
	if err := pool.Retry(func() error {
		cli = opa_client.New(address).(*opa_client.Client)
		return cli.Health()
	}); err != nil {
		t.Fatalf("opa container never became healthy: %s", err)
	}

	return cli
}
