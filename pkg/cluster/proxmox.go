package cluster

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Telmate/proxmox-api-go/proxmox"
	"github.com/rs/zerolog"

	"github.com/standforge/standforge/pkg/log"
)

// ProxmoxConfig carries everything needed to open an API session.
type ProxmoxConfig struct {
	// APIURL is the full API endpoint, e.g. "https://pve.example.com:8006/api2/json".
	APIURL string

	// User and Password authenticate a ticket session. They are ignored when
	// TokenID is set.
	User     string
	Password string

	// TokenID/TokenSecret authenticate an API token ("user@realm!name").
	TokenID     string
	TokenSecret string

	InsecureTLS bool

	// TaskTimeout bounds how long a single cluster-side task may run before
	// the operation that started it fails. Zero means 5 minutes.
	TaskTimeout time.Duration
}

// ProxmoxGateway implements Gateway over the Proxmox VE HTTP API.
type ProxmoxGateway struct {
	pve    *proxmox.Client
	logger zerolog.Logger
}

var _ Gateway = (*ProxmoxGateway)(nil)

// NewProxmoxGateway opens a session against the cluster. With token
// credentials no request is made until the first call; ticket sessions log in
// eagerly so bad credentials fail here and not mid-deployment.
func NewProxmoxGateway(ctx context.Context, cfg ProxmoxConfig) (*ProxmoxGateway, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("proxmox: api url is required")
	}
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	tlsConf := &tls.Config{InsecureSkipVerify: cfg.InsecureTLS}
	client, err := proxmox.NewClient(cfg.APIURL, nil, "", tlsConf, "", int(timeout.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("proxmox: creating client: %w", err)
	}

	if cfg.TokenID != "" {
		client.SetAPIToken(cfg.TokenID, cfg.TokenSecret)
	} else {
		if err := client.Login(ctx, cfg.User, cfg.Password, ""); err != nil {
			return nil, fmt.Errorf("proxmox: login as %s: %w", cfg.User, err)
		}
	}

	return &ProxmoxGateway{
		pve:    client,
		logger: log.WithComponent("proxmox"),
	}, nil
}

func (g *ProxmoxGateway) Nodes(ctx context.Context) ([]string, error) {
	list, err := g.pve.GetNodeList(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	data, _ := list["data"].([]interface{})
	nodes := make([]string, 0, len(data))
	for _, item := range data {
		row, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if name, ok := row["node"].(string); ok {
			nodes = append(nodes, name)
		}
	}
	return nodes, nil
}

func (g *ProxmoxGateway) Storages(ctx context.Context, node string) ([]StorageInfo, error) {
	var resp map[string]interface{}
	url := fmt.Sprintf("/nodes/%s/storage", node)
	if err := g.pve.GetJsonRetryable(ctx, url, &resp, 3); err != nil {
		return nil, fmt.Errorf("listing storages on %s: %w", node, err)
	}
	data, _ := resp["data"].([]interface{})
	storages := make([]StorageInfo, 0, len(data))
	for _, item := range data {
		row, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		info := StorageInfo{
			Shared:  asBool(row["shared"]),
			Enabled: true,
		}
		if name, ok := row["storage"].(string); ok {
			info.Name = name
		}
		if enabled, present := row["enabled"]; present {
			info.Enabled = asBool(enabled)
		}
		if content, ok := row["content"].(string); ok && content != "" {
			info.Content = strings.Split(content, ",")
		}
		storages = append(storages, info)
	}
	return storages, nil
}

func (g *ProxmoxGateway) NextFreeVMID(ctx context.Context) (int, error) {
	id, err := g.pve.GetNextID(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("allocating vmid: %w", err)
	}
	return int(id), nil
}

func (g *ProxmoxGateway) VMIDUnique(ctx context.Context, vmid int) (bool, error) {
	list, err := g.pve.GetVmList(ctx)
	if err != nil {
		return false, fmt.Errorf("listing guests: %w", err)
	}
	data, _ := list["data"].([]interface{})
	for _, item := range data {
		row, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if id, ok := row["vmid"].(float64); ok && int(id) == vmid {
			return false, nil
		}
	}
	return true, nil
}

func (g *ProxmoxGateway) ListVMs(ctx context.Context, node string) ([]VMInfo, error) {
	list, err := g.pve.GetVmList(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing guests: %w", err)
	}
	data, _ := list["data"].([]interface{})
	vms := make([]VMInfo, 0, len(data))
	for _, item := range data {
		row, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		onNode, _ := row["node"].(string)
		if node != "" && onNode != node {
			continue
		}
		vm := VMInfo{Node: onNode}
		if id, ok := row["vmid"].(float64); ok {
			vm.VMID = int(id)
		}
		if name, ok := row["name"].(string); ok {
			vm.Name = name
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

func (g *ProxmoxGateway) VMConfig(ctx context.Context, node string, vmid int) (*VMConfig, error) {
	vmr := g.vmRef(node, vmid)
	raw, err := g.pve.GetVmConfig(ctx, vmr)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "not found") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading config of %d on %s: %w", vmid, node, err)
	}
	cfg := &VMConfig{Networks: map[string]string{}}
	if name, ok := raw["name"].(string); ok {
		cfg.Name = name
	}
	cfg.IsTemplate = asBool(raw["template"])
	for key, value := range raw {
		if !strings.HasPrefix(key, "net") {
			continue
		}
		if _, err := strconv.Atoi(key[len("net"):]); err != nil {
			continue
		}
		if s, ok := value.(string); ok {
			cfg.Networks[key] = s
		}
	}
	return cfg, nil
}

func (g *ProxmoxGateway) CloneVM(ctx context.Context, req CloneRequest) error {
	params := map[string]interface{}{
		"newid": req.NewID,
		"name":  req.Name,
	}
	if req.TargetNode != "" && req.TargetNode != req.SourceNode {
		params["target"] = req.TargetNode
	}
	if req.Full {
		params["full"] = 1
		if req.Storage != "" {
			params["storage"] = req.Storage
		}
	}
	if req.Pool != "" {
		params["pool"] = req.Pool
	}
	g.logger.Debug().
		Int("source", req.SourceID).
		Int("newid", req.NewID).
		Str("node", req.SourceNode).
		Bool("full", req.Full).
		Msg("Cloning guest")
	url := fmt.Sprintf("/nodes/%s/qemu/%d/clone", req.SourceNode, req.SourceID)
	if _, err := g.pve.PostWithTask(ctx, params, url); err != nil {
		return fmt.Errorf("cloning %d to %d: %w", req.SourceID, req.NewID, err)
	}
	return nil
}

func (g *ProxmoxGateway) ConvertToTemplate(ctx context.Context, node string, vmid int) error {
	url := fmt.Sprintf("/nodes/%s/qemu/%d/template", node, vmid)
	if _, err := g.pve.PostWithTask(ctx, map[string]interface{}{}, url); err != nil {
		return fmt.Errorf("converting %d on %s to template: %w", vmid, node, err)
	}
	return nil
}

func (g *ProxmoxGateway) MigrateVM(ctx context.Context, node string, vmid int, targetNode string, online bool) error {
	params := map[string]interface{}{"target": targetNode}
	if online {
		params["online"] = 1
	}
	g.logger.Debug().
		Int("vmid", vmid).
		Str("from", node).
		Str("to", targetNode).
		Msg("Migrating guest")
	url := fmt.Sprintf("/nodes/%s/qemu/%d/migrate", node, vmid)
	if _, err := g.pve.PostWithTask(ctx, params, url); err != nil {
		return fmt.Errorf("migrating %d from %s to %s: %w", vmid, node, targetNode, err)
	}
	return nil
}

func (g *ProxmoxGateway) DeleteVM(ctx context.Context, node string, vmid int) error {
	vmr := g.vmRef(node, vmid)
	// Best effort stop first; deleting a stopped guest is a no-op stop.
	if _, err := g.pve.StopVm(ctx, vmr); err != nil {
		g.logger.Debug().Int("vmid", vmid).Err(err).Msg("Stop before delete failed")
	}
	if _, err := g.pve.DeleteVm(ctx, vmr); err != nil {
		return fmt.Errorf("deleting %d on %s: %w", vmid, node, err)
	}
	return nil
}

func (g *ProxmoxGateway) SetVMNetwork(ctx context.Context, node string, vmid int, iface, value string) error {
	params := map[string]interface{}{iface: value}
	url := fmt.Sprintf("/nodes/%s/qemu/%d/config", node, vmid)
	if _, err := g.pve.PostWithTask(ctx, params, url); err != nil {
		return fmt.Errorf("setting %s on %d: %w", iface, vmid, err)
	}
	return nil
}

func (g *ProxmoxGateway) Bridges(ctx context.Context, node string) ([]string, error) {
	var resp map[string]interface{}
	url := fmt.Sprintf("/nodes/%s/network", node)
	if err := g.pve.GetJsonRetryable(ctx, url, &resp, 3); err != nil {
		return nil, fmt.Errorf("listing interfaces on %s: %w", node, err)
	}
	data, _ := resp["data"].([]interface{})
	var bridges []string
	for _, item := range data {
		row, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if kind, _ := row["type"].(string); kind != "bridge" {
			continue
		}
		if name, ok := row["iface"].(string); ok {
			bridges = append(bridges, name)
		}
	}
	return bridges, nil
}

func (g *ProxmoxGateway) CreateBridge(ctx context.Context, node, name string, vlanAware bool) error {
	params := map[string]interface{}{
		"iface":     name,
		"type":      "bridge",
		"autostart": 1,
	}
	if vlanAware {
		params["bridge_vlan_aware"] = 1
	}
	g.logger.Debug().Str("node", node).Str("bridge", name).Bool("vlan_aware", vlanAware).Msg("Creating bridge")
	url := fmt.Sprintf("/nodes/%s/network", node)
	if err := g.pve.CreateItem(ctx, params, url); err != nil {
		return fmt.Errorf("creating bridge %s on %s: %w", name, node, err)
	}
	return nil
}

func (g *ProxmoxGateway) DeleteBridge(ctx context.Context, node, name string) error {
	url := fmt.Sprintf("/nodes/%s/network/%s", node, name)
	if err := g.pve.Delete(ctx, url); err != nil {
		return fmt.Errorf("deleting bridge %s on %s: %w", name, node, err)
	}
	return nil
}

func (g *ProxmoxGateway) ReloadNetwork(ctx context.Context, node string) error {
	url := fmt.Sprintf("/nodes/%s/network", node)
	if _, err := g.pve.PutWithTask(ctx, map[string]interface{}{}, url); err != nil {
		return fmt.Errorf("reloading network on %s: %w", node, err)
	}
	return nil
}

func (g *ProxmoxGateway) CreatePool(ctx context.Context, pool string) error {
	params := map[string]interface{}{"poolid": pool}
	if err := g.pve.CreateItem(ctx, params, "/pools"); err != nil {
		return fmt.Errorf("creating pool %s: %w", pool, err)
	}
	return nil
}

func (g *ProxmoxGateway) DeletePool(ctx context.Context, pool string) error {
	if err := g.pve.Delete(ctx, "/pools/"+pool); err != nil {
		return fmt.Errorf("deleting pool %s: %w", pool, err)
	}
	return nil
}

func (g *ProxmoxGateway) PoolMembers(ctx context.Context, pool string) ([]PoolMember, error) {
	var resp map[string]interface{}
	if err := g.pve.GetJsonRetryable(ctx, "/pools/"+pool, &resp, 3); err != nil {
		if poolMissing(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading pool %s: %w", pool, err)
	}
	data, _ := resp["data"].(map[string]interface{})
	rows, _ := data["members"].([]interface{})
	members := make([]PoolMember, 0, len(rows))
	for _, item := range rows {
		row, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		member := PoolMember{}
		if id, ok := row["vmid"].(float64); ok {
			member.VMID = int(id)
		}
		if name, ok := row["name"].(string); ok {
			member.Name = name
		}
		members = append(members, member)
	}
	return members, nil
}

// poolMissing reports whether err is the API's answer for a pool that does
// not exist. The status line alone cannot tell: a missing pool and a genuine
// server failure both come back as HTTP 500, only the body differs.
func poolMissing(err error) bool {
	return strings.Contains(err.Error(), "does not exist")
}

func (g *ProxmoxGateway) AddVMToPool(ctx context.Context, pool string, vmid int) error {
	params := map[string]interface{}{"vms": strconv.Itoa(vmid)}
	if err := g.pve.UpdateItem(ctx, params, "/pools/"+pool); err != nil {
		return fmt.Errorf("adding %d to pool %s: %w", vmid, pool, err)
	}
	return nil
}

func (g *ProxmoxGateway) UserExists(ctx context.Context, userid string) (bool, error) {
	var resp map[string]interface{}
	if err := g.pve.GetJsonRetryable(ctx, "/access/users/"+userid, &resp, 1); err != nil {
		// The API answers a lookup of an unknown user with an error body.
		return false, nil
	}
	return resp["data"] != nil, nil
}

func (g *ProxmoxGateway) CreateUser(ctx context.Context, userid, password string) error {
	params := map[string]interface{}{
		"userid":   userid,
		"password": password,
		"enable":   1,
	}
	if err := g.pve.CreateItem(ctx, params, "/access/users"); err != nil {
		return fmt.Errorf("creating user %s: %w", userid, err)
	}
	return nil
}

func (g *ProxmoxGateway) DeleteUser(ctx context.Context, userid string) error {
	if err := g.pve.Delete(ctx, "/access/users/"+userid); err != nil {
		return fmt.Errorf("deleting user %s: %w", userid, err)
	}
	return nil
}

func (g *ProxmoxGateway) GrantPoolAccess(ctx context.Context, pool, userid, role string) error {
	params := map[string]interface{}{
		"path":  "/pool/" + pool,
		"users": userid,
		"roles": role,
	}
	if err := g.pve.UpdateItem(ctx, params, "/access/acl"); err != nil {
		return fmt.Errorf("granting %s on pool %s to %s: %w", role, pool, userid, err)
	}
	return nil
}

func (g *ProxmoxGateway) vmRef(node string, vmid int) *proxmox.VmRef {
	vmr := proxmox.NewVmRef(proxmox.GuestID(vmid))
	vmr.SetNode(node)
	vmr.SetVmType("qemu")
	return vmr
}

// The API reports booleans inconsistently: 0/1 numbers, "0"/"1" strings,
// occasionally real booleans.
func asBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t == "1" || t == "true"
	default:
		return false
	}
}
