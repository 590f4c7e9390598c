package digitalocean

import (
	"strconv"

	"github.com/loykin/craftd/internal/provider"
)

type createDropletRequest struct {
	Name       string   `json:"name"`
	Region     string   `json:"region"`
	Size       string   `json:"size"`
	Image      string   `json:"image"`
	SSHKeys    []string `json:"ssh_keys"`
	Volumes    []string `json:"volumes,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Monitoring bool     `json:"monitoring"`
	Backups    bool     `json:"backups"`
}

type dropletNetwork struct {
	IPAddress string `json:"ip_address"`
	Netmask   string `json:"netmask"`
	Gateway   string `json:"gateway"`
	Type      string `json:"type"`
}

// droplet status is one of new, active, off, archive.
type droplet struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Networks struct {
		V4 []dropletNetwork `json:"v4"`
		V6 []dropletNetwork `json:"v6"`
	} `json:"networks"`
}

type dropletResponse struct {
	Droplet droplet `json:"droplet"`
}

type errorResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (d droplet) toInstance() provider.Instance {
	inst := provider.Instance{
		ID:   strconv.FormatInt(d.ID, 10),
		Name: d.Name,
	}
	if d.Status == "active" {
		inst.Status = provider.StatusActive
	} else {
		inst.Status = provider.StatusInactive
	}
	for _, n := range d.Networks.V4 {
		scope := provider.ScopePrivate
		if n.Type == "public" {
			scope = provider.ScopePublic
		}
		inst.Networks = append(inst.Networks, provider.Network{Address: n.IPAddress, Scope: scope})
	}
	return inst
}
