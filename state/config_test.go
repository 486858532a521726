package state

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPrefix(s string) netip.Prefix {
	return netip.MustParsePrefix(s)
}

func TestRouterIDText(t *testing.T) {
	var id RouterID
	require.NoError(t, id.UnmarshalText([]byte("10.0.0.255")))
	assert.Equal(t, RouterID(0x0a0000ff), id)
	assert.Equal(t, "10.0.0.255", id.String())

	assert.Error(t, id.UnmarshalText([]byte("not-an-id")))
	assert.Error(t, id.UnmarshalText([]byte("::1")))
}

func TestLoadFabricCfg(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes:
  - id: r1
    interfaces:
      - id: 1
        prefix: 10.0.0.1/30
    ospf:
      enabled: true
      router_id: 1.1.1.1
      areas:
        - id: 0.0.0.0
          interfaces: [1]
  - id: r2
    interfaces:
      - id: 1
        prefix: 10.0.0.2/30
        cost: 4
    static:
      - prefix: 192.168.0.0/16
        next_hop: 10.0.0.1
        iface: 1
links:
  - a: r1
    a_iface: 1
    b: r2
    b_iface: 1
`), 0644))

	cfg, err := LoadFabricCfg(path)
	require.NoError(t, err)
	require.Len(t, cfg.Nodes, 2)
	require.Len(t, cfg.Links, 1)

	r1 := cfg.Nodes[0]
	assert.True(t, r1.Ospf.Enabled)
	assert.Equal(t, RouterID(0x01010101), r1.Ospf.RouterId)
	require.Len(t, r1.Ospf.Areas, 1)
	assert.Equal(t, []IfaceID{1}, r1.Ospf.Areas[0].Interfaces)

	r2 := cfg.Nodes[1]
	assert.Equal(t, uint16(4), r2.Interfaces[0].Cost)
	require.Len(t, r2.Static, 1)
	assert.Equal(t, IfaceID(1), r2.Static[0].Iface)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	valid := func() NodeCfg {
		return NodeCfg{
			Id: "r1",
			Interfaces: []IfaceCfg{
				{Id: 1, Prefix: mustPrefix("10.0.0.1/30")},
			},
		}
	}

	tests := []struct {
		name   string
		mangle func(*NodeCfg)
	}{
		{"empty id", func(c *NodeCfg) { c.Id = "" }},
		{"duplicate interface", func(c *NodeCfg) {
			c.Interfaces = append(c.Interfaces, IfaceCfg{Id: 1, Prefix: mustPrefix("10.0.1.1/30")})
		}},
		{"ipv6 interface", func(c *NodeCfg) {
			c.Interfaces[0].Prefix = mustPrefix("fd00::1/64")
		}},
		{"static via unknown interface", func(c *NodeCfg) {
			c.Static = []StaticRouteCfg{{Prefix: mustPrefix("192.168.0.0/16"), Iface: 9}}
		}},
		{"rip on unknown interface", func(c *NodeCfg) {
			c.Rip = RipCfg{Enabled: true, Interfaces: []IfaceID{9}}
		}},
		{"ospf area on unknown interface", func(c *NodeCfg) {
			c.Ospf = OspfCfg{Enabled: true, Areas: []AreaCfg{{Interfaces: []IfaceID{9}}}}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			require.NoError(t, cfg.Validate())
			tc.mangle(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFabricValidateChecksLinks(t *testing.T) {
	cfg := FabricCfg{
		Nodes: []NodeCfg{
			{Id: "a", Interfaces: []IfaceCfg{{Id: 1, Prefix: mustPrefix("10.0.0.1/30")}}},
			{Id: "b", Interfaces: []IfaceCfg{{Id: 1, Prefix: mustPrefix("10.0.0.2/30")}}},
		},
		Links: []LinkCfg{{A: "a", AIface: 1, B: "b", BIface: 1}},
	}
	require.NoError(t, cfg.Validate())

	cfg.Links[0].B = "c"
	assert.Error(t, cfg.Validate())

	cfg.Links[0].B = "b"
	cfg.Links[0].BIface = 9
	assert.Error(t, cfg.Validate())

	cfg.Links[0].BIface = 1
	cfg.Nodes = append(cfg.Nodes, cfg.Nodes[0])
	assert.Error(t, cfg.Validate(), "duplicate node id")
}
