package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FakeGateway is an in-memory Gateway used by tests across the packages that
// consume the interface. State mutators keep the fake's inventory coherent
// (a clone shows up in the VM list, a migrate moves it) so tests can assert
// on end state instead of call order. Individual operations can be overridden
// or made to fail through the hook maps.
type FakeGateway struct {
	mu sync.Mutex

	NodeNames []string
	// StorageMap maps node name to its storages.
	StorageMap map[string][]StorageInfo
	// VMs maps vmid to its inventory row.
	VMs map[int]*FakeVM
	// BridgeMap maps node name to its bridge list.
	BridgeMap map[string][]string
	// VLANFlags records the vlan-aware flag of created bridges as "node/name".
	VLANFlags map[string]bool
	// Pools maps pool name to member vmids.
	Pools map[string][]int
	// Users maps userid to password.
	Users map[string]string
	// ACL records grants as "pool/user/role".
	ACL []string

	nextID int

	// FailOn makes the named operation return an error. Keys are method
	// names ("CloneVM", "MigrateVM", ...).
	FailOn map[string]error

	// FailOnce makes the named operation fail on its next invocation only.
	FailOnce map[string]error

	// Calls counts invocations per method name.
	Calls map[string]int
}

// FakeVM is one guest in the fake inventory.
type FakeVM struct {
	VMID       int
	Name       string
	Node       string
	IsTemplate bool
	Networks   map[string]string
}

// NewFakeGateway returns an empty fake with vmid allocation starting at 100.
func NewFakeGateway(nodes ...string) *FakeGateway {
	f := &FakeGateway{
		NodeNames:  nodes,
		StorageMap: map[string][]StorageInfo{},
		VMs:        map[int]*FakeVM{},
		BridgeMap:  map[string][]string{},
		VLANFlags:  map[string]bool{},
		Pools:      map[string][]int{},
		Users:      map[string]string{},
		FailOn:     map[string]error{},
		FailOnce:   map[string]error{},
		Calls:      map[string]int{},
		nextID:     100,
	}
	for _, node := range nodes {
		f.BridgeMap[node] = []string{"vmbr0"}
	}
	return f
}

// AddVM seeds a guest into the inventory.
func (f *FakeGateway) AddVM(vmid int, name, node string, template bool) *FakeVM {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm := &FakeVM{VMID: vmid, Name: name, Node: node, IsTemplate: template, Networks: map[string]string{}}
	f.VMs[vmid] = vm
	if vmid >= f.nextID {
		f.nextID = vmid + 1
	}
	return vm
}

func (f *FakeGateway) hook(method string) error {
	f.Calls[method]++
	if err, ok := f.FailOnce[method]; ok {
		delete(f.FailOnce, method)
		return err
	}
	if err, ok := f.FailOn[method]; ok {
		return err
	}
	return nil
}

func (f *FakeGateway) Nodes(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("Nodes"); err != nil {
		return nil, err
	}
	return append([]string{}, f.NodeNames...), nil
}

func (f *FakeGateway) Storages(ctx context.Context, node string) ([]StorageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("Storages"); err != nil {
		return nil, err
	}
	return append([]StorageInfo{}, f.StorageMap[node]...), nil
}

func (f *FakeGateway) NextFreeVMID(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("NextFreeVMID"); err != nil {
		return 0, err
	}
	return f.nextID, nil
}

func (f *FakeGateway) VMIDUnique(ctx context.Context, vmid int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("VMIDUnique"); err != nil {
		return false, err
	}
	_, taken := f.VMs[vmid]
	return !taken, nil
}

func (f *FakeGateway) ListVMs(ctx context.Context, node string) ([]VMInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("ListVMs"); err != nil {
		return nil, err
	}
	var vms []VMInfo
	for _, vm := range f.VMs {
		if node != "" && vm.Node != node {
			continue
		}
		vms = append(vms, VMInfo{VMID: vm.VMID, Name: vm.Name, Node: vm.Node})
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].VMID < vms[j].VMID })
	return vms, nil
}

func (f *FakeGateway) VMConfig(ctx context.Context, node string, vmid int) (*VMConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("VMConfig"); err != nil {
		return nil, err
	}
	vm, ok := f.VMs[vmid]
	if !ok || vm.Node != node {
		return nil, ErrNotFound
	}
	networks := map[string]string{}
	for k, v := range vm.Networks {
		networks[k] = v
	}
	return &VMConfig{Name: vm.Name, IsTemplate: vm.IsTemplate, Networks: networks}, nil
}

func (f *FakeGateway) CloneVM(ctx context.Context, req CloneRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("CloneVM"); err != nil {
		return err
	}
	src, ok := f.VMs[req.SourceID]
	if !ok {
		return fmt.Errorf("clone source %d: %w", req.SourceID, ErrNotFound)
	}
	if src.Node != req.SourceNode {
		return fmt.Errorf("clone source %d is on %s, not %s", req.SourceID, src.Node, req.SourceNode)
	}
	if _, taken := f.VMs[req.NewID]; taken {
		return fmt.Errorf("vmid %d already in use", req.NewID)
	}
	node := req.TargetNode
	if node == "" {
		node = req.SourceNode
	}
	f.VMs[req.NewID] = &FakeVM{VMID: req.NewID, Name: req.Name, Node: node, Networks: map[string]string{}}
	if req.NewID >= f.nextID {
		f.nextID = req.NewID + 1
	}
	if req.Pool != "" {
		f.Pools[req.Pool] = append(f.Pools[req.Pool], req.NewID)
	}
	return nil
}

func (f *FakeGateway) ConvertToTemplate(ctx context.Context, node string, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("ConvertToTemplate"); err != nil {
		return err
	}
	vm, ok := f.VMs[vmid]
	if !ok || vm.Node != node {
		return ErrNotFound
	}
	vm.IsTemplate = true
	return nil
}

func (f *FakeGateway) MigrateVM(ctx context.Context, node string, vmid int, targetNode string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("MigrateVM"); err != nil {
		return err
	}
	vm, ok := f.VMs[vmid]
	if !ok || vm.Node != node {
		return ErrNotFound
	}
	vm.Node = targetNode
	return nil
}

func (f *FakeGateway) DeleteVM(ctx context.Context, node string, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("DeleteVM"); err != nil {
		return err
	}
	vm, ok := f.VMs[vmid]
	if !ok || vm.Node != node {
		return ErrNotFound
	}
	delete(f.VMs, vmid)
	for pool, members := range f.Pools {
		var kept []int
		for _, id := range members {
			if id != vmid {
				kept = append(kept, id)
			}
		}
		f.Pools[pool] = kept
	}
	return nil
}

func (f *FakeGateway) SetVMNetwork(ctx context.Context, node string, vmid int, iface, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("SetVMNetwork"); err != nil {
		return err
	}
	vm, ok := f.VMs[vmid]
	if !ok || vm.Node != node {
		return ErrNotFound
	}
	vm.Networks[iface] = value
	return nil
}

func (f *FakeGateway) Bridges(ctx context.Context, node string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("Bridges"); err != nil {
		return nil, err
	}
	return append([]string{}, f.BridgeMap[node]...), nil
}

func (f *FakeGateway) CreateBridge(ctx context.Context, node, name string, vlanAware bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("CreateBridge"); err != nil {
		return err
	}
	for _, existing := range f.BridgeMap[node] {
		if existing == name {
			return fmt.Errorf("bridge %s already exists on %s", name, node)
		}
	}
	f.BridgeMap[node] = append(f.BridgeMap[node], name)
	f.VLANFlags[node+"/"+name] = vlanAware
	return nil
}

func (f *FakeGateway) DeleteBridge(ctx context.Context, node, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("DeleteBridge"); err != nil {
		return err
	}
	var kept []string
	for _, existing := range f.BridgeMap[node] {
		if existing != name {
			kept = append(kept, existing)
		}
	}
	f.BridgeMap[node] = kept
	delete(f.VLANFlags, node+"/"+name)
	return nil
}

func (f *FakeGateway) ReloadNetwork(ctx context.Context, node string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hook("ReloadNetwork")
}

func (f *FakeGateway) CreatePool(ctx context.Context, pool string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("CreatePool"); err != nil {
		return err
	}
	if _, exists := f.Pools[pool]; exists {
		return fmt.Errorf("pool %s already exists", pool)
	}
	f.Pools[pool] = nil
	return nil
}

func (f *FakeGateway) DeletePool(ctx context.Context, pool string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("DeletePool"); err != nil {
		return err
	}
	delete(f.Pools, pool)
	return nil
}

func (f *FakeGateway) PoolMembers(ctx context.Context, pool string) ([]PoolMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("PoolMembers"); err != nil {
		return nil, err
	}
	members, ok := f.Pools[pool]
	if !ok {
		return nil, ErrNotFound
	}
	var out []PoolMember
	for _, vmid := range members {
		member := PoolMember{VMID: vmid}
		if vm, ok := f.VMs[vmid]; ok {
			member.Name = vm.Name
		}
		out = append(out, member)
	}
	return out, nil
}

func (f *FakeGateway) AddVMToPool(ctx context.Context, pool string, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("AddVMToPool"); err != nil {
		return err
	}
	if _, ok := f.Pools[pool]; !ok {
		return ErrNotFound
	}
	f.Pools[pool] = append(f.Pools[pool], vmid)
	return nil
}

func (f *FakeGateway) UserExists(ctx context.Context, userid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("UserExists"); err != nil {
		return false, err
	}
	_, ok := f.Users[userid]
	return ok, nil
}

func (f *FakeGateway) CreateUser(ctx context.Context, userid, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("CreateUser"); err != nil {
		return err
	}
	if _, ok := f.Users[userid]; ok {
		return fmt.Errorf("user %s already exists", userid)
	}
	f.Users[userid] = password
	return nil
}

func (f *FakeGateway) DeleteUser(ctx context.Context, userid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("DeleteUser"); err != nil {
		return err
	}
	delete(f.Users, userid)
	return nil
}

func (f *FakeGateway) GrantPoolAccess(ctx context.Context, pool, userid, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hook("GrantPoolAccess"); err != nil {
		return err
	}
	f.ACL = append(f.ACL, fmt.Sprintf("%s/%s/%s", pool, userid, role))
	return nil
}

var _ Gateway = (*FakeGateway)(nil)
