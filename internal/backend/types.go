package backend

// Transport is an entry of nvmf_get_transports.
type Transport struct {
	Trtype string `json:"trtype"`
}

// Host is a host NQN allowed to connect to a subsystem.
type Host struct {
	NQN string `json:"nqn"`
}

// Namespace is a bdev published inside a subsystem.
type Namespace struct {
	NSID     int    `json:"nsid"`
	BdevName string `json:"bdev_name"`
	Name     string `json:"name,omitempty"`
	UUID     string `json:"uuid,omitempty"`
}

// Bdev returns the name of the bdev backing the namespace. Older backends
// only report it as name.
func (n Namespace) Bdev() string {
	if n.BdevName != "" {
		return n.BdevName
	}
	return n.Name
}

// Subsystem is an entry of nvmf_get_subsystems.
type Subsystem struct {
	NQN             string      `json:"nqn"`
	Subtype         string      `json:"subtype,omitempty"`
	ListenAddresses []Address   `json:"listen_addresses"`
	AllowAnyHost    bool        `json:"allow_any_host"`
	Hosts           []Host      `json:"hosts"`
	Namespaces      []Namespace `json:"namespaces"`
}

// HasHost reports whether nqn is in the subsystem's host list.
func (s *Subsystem) HasHost(nqn string) bool {
	for _, h := range s.Hosts {
		if h.NQN == nqn {
			return true
		}
	}
	return false
}

// NamespaceForBdev returns the namespace backed by bdev, if any.
func (s *Subsystem) NamespaceForBdev(bdev string) (Namespace, bool) {
	for _, ns := range s.Namespaces {
		if ns.Bdev() == bdev {
			return ns, true
		}
	}
	return Namespace{}, false
}

// BdevNVMe is one NVMe path of a bdev exposed by an NVMe controller.
type BdevNVMe struct {
	Trid Address `json:"trid"`
}

// BdevDriverSpecific holds the driver specific section of a bdev.
type BdevDriverSpecific struct {
	NVMe []BdevNVMe `json:"nvme,omitempty"`
}

// Bdev is an entry of bdev_get_bdevs.
type Bdev struct {
	Name           string              `json:"name"`
	UUID           string              `json:"uuid"`
	ProductName    string              `json:"product_name,omitempty"`
	DriverSpecific *BdevDriverSpecific `json:"driver_specific,omitempty"`
}

// NVMePaths returns the transport addresses the bdev is reached through.
func (b *Bdev) NVMePaths() []Address {
	if b.DriverSpecific == nil {
		return nil
	}
	out := make([]Address, 0, len(b.DriverSpecific.NVMe))
	for _, p := range b.DriverSpecific.NVMe {
		out = append(out, p.Trid)
	}
	return out
}

// ControllerPath is one path of an NVMe bdev controller.
type ControllerPath struct {
	Trid Address `json:"trid"`
}

// Controller is an entry of bdev_nvme_get_controllers.
type Controller struct {
	Name   string           `json:"name"`
	Ctrlrs []ControllerPath `json:"ctrlrs"`
}

// Paths returns the transport addresses of every path of the controller.
func (c *Controller) Paths() []Address {
	out := make([]Address, 0, len(c.Ctrlrs))
	for _, p := range c.Ctrlrs {
		out = append(out, p.Trid)
	}
	return out
}
