package ostree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hashA = "6a7b66b86f0a6e67dbf9a467d7e51cc8bbc1b9f7d47757db45d5ac5dcbcec2c6"
	hashB = "9e4b84f14b2a79241bd7e2face6316ec5724e2d45ad6d83a2f41a01b47e38b5e"
)

func TestParseAdminStatus(t *testing.T) {
	out := strings.Join([]string{
		"  treeline " + hashB + ".0",
		"    origin refspec: treeline:" + hashB,
		"* treeline " + hashA + ".1",
		"    Version: 4.0.2",
		"    origin refspec: treeline:" + hashA,
		"",
	}, "\n")

	deployments := parseAdminStatus(out)
	require.Len(t, deployments, 2)

	assert.Equal(t, hashB, deployments[0].hash)
	assert.Equal(t, "0", deployments[0].serial)
	assert.True(t, deployments[0].pending, "an unbooted first deployment is pending")
	assert.False(t, deployments[0].booted)

	assert.Equal(t, hashA, deployments[1].hash)
	assert.True(t, deployments[1].booted)
	assert.False(t, deployments[1].pending)
}

func TestParseAdminStatusBootedFirst(t *testing.T) {
	out := strings.Join([]string{
		"* treeline " + hashA + ".0",
		"  treeline " + hashB + ".1",
	}, "\n")

	deployments := parseAdminStatus(out)
	require.Len(t, deployments, 2)
	assert.True(t, deployments[0].booted)
	assert.False(t, deployments[0].pending)
	assert.False(t, deployments[1].pending, "only a leading unbooted deployment is pending")
}

func TestDeploymentSlots(t *testing.T) {
	s := &CLISysroot{path: "/sysroot", osName: "treeline"}
	s.deployments = []deployment{
		{hash: hashB, serial: "0", pending: true},
		{hash: hashA, serial: "1", booted: true},
	}

	assert.Equal(t, hashA, s.DeploymentHash(Current))
	assert.Equal(t, hashB, s.DeploymentHash(Pending))
	assert.Equal(t, "", s.DeploymentHash(Rollback))
	assert.Equal(t, "/sysroot/ostree/deploy/treeline/deploy/"+hashA+".1", s.DeploymentDir(hashA))
	assert.Equal(t, "", s.DeploymentDir("nosuch"))
}

func TestRollbackSlot(t *testing.T) {
	s := &CLISysroot{path: "/sysroot", osName: "treeline"}
	s.deployments = []deployment{
		{hash: hashA, serial: "0", booted: true},
		{hash: hashB, serial: "1"},
	}

	assert.Equal(t, hashA, s.DeploymentHash(Current))
	assert.Equal(t, "", s.DeploymentHash(Pending))
	assert.Equal(t, hashB, s.DeploymentHash(Rollback))
}
