package cmd

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/googlecloudplatform/gcsfuse-gateway/cfg"
	"github.com/googlecloudplatform/gcsfuse-gateway/internal/backend"
)

func TestResolveOwnerUsesSentinelOnly(t *testing.T) {
	uid, gid := resolveOwner(1000, 2000)
	assert.Equal(t, uint32(1000), uid)
	assert.Equal(t, uint32(2000), gid)
}

func TestResolveOwnerFallsBackToProcessIdsOnNegativeOne(t *testing.T) {
	uid, gid := resolveOwner(-1, -1)
	assert.Equal(t, uint32(os.Getuid()), uid)
	assert.Equal(t, uint32(os.Getgid()), gid)
}

func TestNewBackendClientFakeEndpointSkipsCloudAuth(t *testing.T) {
	c := &cfg.Config{}
	c.Backend.CustomEndpoint = "fake"
	c.Backend.Bucket = "a-bucket"

	client, err := newBackendClient(context.Background(), c)
	require.NoError(t, err)

	_, ok := client.(*backend.Fake)
	assert.True(t, ok)
}

func TestPopulateArgsCanonicalizesMountPoint(t *testing.T) {
	bucketName, mountPoint, err := populateArgs([]string{"my-bucket", "relative/mount"})
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucketName)
	assert.True(t, len(mountPoint) > 0 && mountPoint[0] == '/')
}
