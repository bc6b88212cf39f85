package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetworkAlias(t *testing.T) {
	tests := []struct {
		raw      string
		expected NetworkSpec
	}{
		{raw: "hq", expected: NetworkSpec{Alias: "hq"}},
		{raw: "trunk.25", expected: NetworkSpec{Alias: "trunk", VLAN: 25}},
		{raw: "**vmbr47**", expected: NetworkSpec{Alias: "vmbr47", Reserved: true}},
		{raw: "vmbr0", expected: NetworkSpec{Alias: "vmbr0"}},
		// A non-numeric suffix is part of the alias, not a VLAN tag.
		{raw: "office.lan", expected: NetworkSpec{Alias: "office.lan"}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseNetworkAlias(tt.raw))
		})
	}
}

func TestReplicaKeyRoundTrip(t *testing.T) {
	key := ReplicaKey{TemplateID: 100, Node: "n2"}
	assert.Equal(t, "100:n2", key.String())

	parsed, err := ParseReplicaKey("100:n2")
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestParseReplicaKeyRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "100", "x:n2"} {
		_, err := ParseReplicaKey(raw)
		assert.Error(t, err, "raw %q", raw)
	}
}

func TestBridgeKeyString(t *testing.T) {
	key := BridgeKey{Node: "n1", Pool: "alice", Alias: "hq"}
	assert.Equal(t, "n1:alice:hq", key.String())

	alloc := &BridgeAllocation{Node: "n1", Pool: "alice", Alias: "hq", Bridge: "vmbr1000"}
	assert.Equal(t, key, alloc.Key())
}

func TestPoolName(t *testing.T) {
	assert.Equal(t, "student7", PoolName("student7@pve"))
	assert.Equal(t, "root", PoolName("root@pam"))
	assert.Equal(t, "plain", PoolName("plain"))
}
