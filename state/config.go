package state

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/goccy/go-yaml"
)

// RouterID is an OSPF router identifier, rendered dotted-quad like an IPv4
// address.
type RouterID uint32

func (r RouterID) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(r>>24), byte(r>>16), byte(r>>8), byte(r))
}

func (r RouterID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RouterID) UnmarshalText(text []byte) error {
	addr, err := netip.ParseAddr(string(text))
	if err != nil || !addr.Is4() {
		return fmt.Errorf("router id must be a dotted quad: %q", text)
	}
	b := addr.As4()
	*r = RouterID(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
	return nil
}

type IfaceCfg struct {
	Id     IfaceID      `yaml:"id"`
	Prefix netip.Prefix `yaml:"prefix"`
	// Cost is the link-state metric of this interface. Zero means default.
	Cost uint16 `yaml:"cost,omitempty"`
}

type StaticRouteCfg struct {
	Prefix  netip.Prefix `yaml:"prefix"`
	NextHop netip.Addr   `yaml:"next_hop,omitempty"`
	Iface   IfaceID      `yaml:"iface"`
	Metric  uint32       `yaml:"metric,omitempty"`
}

type RipCfg struct {
	Enabled    bool           `yaml:"enabled,omitempty"`
	Interfaces []IfaceID      `yaml:"interfaces,omitempty"`
	Networks   []netip.Prefix `yaml:"networks,omitempty"`
	// Timer overrides in time units. Zero means protocol default.
	UpdateInterval uint32 `yaml:"update_interval,omitempty"`
	RouteTimeout   uint32 `yaml:"route_timeout,omitempty"`
	GarbageTimeout uint32 `yaml:"garbage_timeout,omitempty"`
}

type AreaCfg struct {
	Id         RouterID  `yaml:"id"`
	Stub       bool      `yaml:"stub,omitempty"`
	Interfaces []IfaceID `yaml:"interfaces"`
}

type OspfCfg struct {
	Enabled  bool      `yaml:"enabled,omitempty"`
	RouterId RouterID  `yaml:"router_id,omitempty"`
	Areas    []AreaCfg `yaml:"areas,omitempty"`
	// Timer overrides in time units. Zero means protocol default.
	HelloInterval uint16 `yaml:"hello_interval,omitempty"`
	DeadInterval  uint32 `yaml:"dead_interval,omitempty"`
	RxmtInterval  uint32 `yaml:"rxmt_interval,omitempty"`
}

// NodeCfg configures a single simulated switch node.
type NodeCfg struct {
	Id            string           `yaml:"id"`
	Interfaces    []IfaceCfg       `yaml:"interfaces"`
	Static        []StaticRouteCfg `yaml:"static,omitempty"`
	Rip           RipCfg           `yaml:"rip,omitempty"`
	Ospf          OspfCfg          `yaml:"ospf,omitempty"`
	TableCapacity int              `yaml:"table_capacity,omitempty"`
	LogPath       string           `yaml:"log_path,omitempty"`
}

type LinkCfg struct {
	A      string  `yaml:"a"`
	AIface IfaceID `yaml:"a_iface"`
	B      string  `yaml:"b"`
	BIface IfaceID `yaml:"b_iface"`
}

// FabricCfg describes a whole simulated topology for the CLI runner.
type FabricCfg struct {
	Nodes []NodeCfg `yaml:"nodes"`
	Links []LinkCfg `yaml:"links"`
}

func (c *NodeCfg) Iface(id IfaceID) *IfaceCfg {
	for i := range c.Interfaces {
		if c.Interfaces[i].Id == id {
			return &c.Interfaces[i]
		}
	}
	return nil
}

func (c *NodeCfg) Validate() error {
	if c.Id == "" {
		return fmt.Errorf("node id must not be empty")
	}
	seen := make(map[IfaceID]struct{})
	for _, ifc := range c.Interfaces {
		if _, dup := seen[ifc.Id]; dup {
			return fmt.Errorf("node %s: duplicate interface %d", c.Id, ifc.Id)
		}
		seen[ifc.Id] = struct{}{}
		if !ifc.Prefix.IsValid() || !ifc.Prefix.Addr().Is4() {
			return fmt.Errorf("node %s: interface %d needs an IPv4 prefix", c.Id, ifc.Id)
		}
	}
	for _, st := range c.Static {
		if c.Iface(st.Iface) == nil {
			return fmt.Errorf("node %s: static route %s references unknown interface %d", c.Id, st.Prefix, st.Iface)
		}
	}
	for _, rid := range c.Rip.Interfaces {
		if c.Iface(rid) == nil {
			return fmt.Errorf("node %s: rip references unknown interface %d", c.Id, rid)
		}
	}
	for _, area := range c.Ospf.Areas {
		for _, aid := range area.Interfaces {
			if c.Iface(aid) == nil {
				return fmt.Errorf("node %s: ospf area %s references unknown interface %d", c.Id, area.Id, aid)
			}
		}
	}
	return nil
}

func (c *FabricCfg) Validate() error {
	nodes := make(map[string]*NodeCfg)
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if err := n.Validate(); err != nil {
			return err
		}
		if _, dup := nodes[n.Id]; dup {
			return fmt.Errorf("duplicate node id %s", n.Id)
		}
		nodes[n.Id] = n
	}
	for _, l := range c.Links {
		a, ok := nodes[l.A]
		if !ok {
			return fmt.Errorf("link references unknown node %s", l.A)
		}
		b, ok := nodes[l.B]
		if !ok {
			return fmt.Errorf("link references unknown node %s", l.B)
		}
		if a.Iface(l.AIface) == nil || b.Iface(l.BIface) == nil {
			return fmt.Errorf("link %s/%d <-> %s/%d references unknown interface", l.A, l.AIface, l.B, l.BIface)
		}
	}
	return nil
}

func LoadFabricCfg(path string) (FabricCfg, error) {
	var cfg FabricCfg
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
