// Package schema holds the device description registry: devices, their
// component trees, and the dataitems hanging off them. The registry is
// loaded once at startup from pre-parsed device JSON and is read-only
// afterwards; queries resolve an XPath-like dialect against it.
package schema

import (
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DataItem categories.
const (
	CategorySample    = "SAMPLE"
	CategoryEvent     = "EVENT"
	CategoryCondition = "CONDITION"
)

// DataItem representations.
const (
	RepresentationValue      = "VALUE"
	RepresentationTimeSeries = "TIME_SERIES"
)

// Synthetic dataitem id suffixes. Every device gets one of each at insert;
// they carry the ASSET_CHANGED / ASSET_REMOVED event stream and are never
// resolvable from SHDR wire names.
const (
	AssetChangedSuffix = "_asset_chg"
	AssetRemovedSuffix = "_asset_rem"
)

// DataItem is a single observable channel on a device. Created at schema
// insert and never mutated.
type DataItem struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	Category       string `json:"category"`
	SubType        string `json:"subType,omitempty"`
	Representation string `json:"representation,omitempty"`

	// Set for the synthetic asset-change channels so SHDR name resolution
	// can refuse them.
	synthetic bool

	deviceUUID  string
	componentID string
}

// IsTimeSeries reports whether the dataitem carries TIME_SERIES samples.
func (d *DataItem) IsTimeSeries() bool {
	return d.Representation == RepresentationTimeSeries
}

// IsCondition reports whether the dataitem is category CONDITION.
func (d *DataItem) IsCondition() bool {
	return d.Category == CategoryCondition
}

// DeviceUUID returns the uuid of the device this dataitem belongs to.
func (d *DataItem) DeviceUUID() string { return d.deviceUUID }

// ComponentID returns the id of the component this dataitem hangs off.
func (d *DataItem) ComponentID() string { return d.componentID }

// Component is a node in a device's component tree.
type Component struct {
	ID         string       `json:"id"`
	Name       string       `json:"name,omitempty"`
	Type       string       `json:"type"`
	Components []*Component `json:"components,omitempty"`
	DataItems  []*DataItem  `json:"dataitems,omitempty"`
}

// Device is a machine described by one MTConnect device element.
type Device struct {
	UUID       string       `json:"uuid"`
	Name       string       `json:"name"`
	Components []*Component `json:"components,omitempty"`
	DataItems  []*DataItem  `json:"dataitems,omitempty"`
}

// deviceDoc is the wire shape accepted by InsertSchema.
type deviceDoc struct {
	Devices []*Device `json:"devices"`
}

// Registry indexes devices by uuid and dataitems by id and by wire name.
// Writes happen only through InsertSchema and InsertDevice; reads are
// concurrent.
type Registry struct {
	mu sync.RWMutex

	devices     map[string]*Device // uuid -> device
	deviceUUIDs []string           // insertion order
	byID        map[string]*DataItem
	byName      map[string]map[string]*DataItem // uuid -> wire name -> dataitem
	components  map[string]*Component
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices:    make(map[string]*Device),
		byID:       make(map[string]*DataItem),
		byName:     make(map[string]map[string]*DataItem),
		components: make(map[string]*Component),
	}
}

// InsertSchema loads a pre-parsed device description. Idempotent by device
// uuid: re-inserting a uuid replaces its previous description.
func (r *Registry) InsertSchema(data []byte) error {
	var doc deviceDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing device schema: %w", err)
	}
	if len(doc.Devices) == 0 {
		return fmt.Errorf("device schema contains no devices")
	}
	for _, dev := range doc.Devices {
		if dev.UUID == "" {
			return fmt.Errorf("device %q has no uuid", dev.Name)
		}
		if err := r.insertDevice(dev); err != nil {
			return err
		}
	}
	return nil
}

// InsertDevice indexes a single already-built device tree. Used by tests
// and by config loaders that assemble devices programmatically.
func (r *Registry) InsertDevice(dev *Device) error {
	return r.insertDevice(dev)
}

func (r *Registry) insertDevice(dev *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, replacing := r.devices[dev.UUID]; replacing {
		r.dropDeviceLocked(dev.UUID)
	} else {
		r.deviceUUIDs = append(r.deviceUUIDs, dev.UUID)
	}
	r.devices[dev.UUID] = dev
	r.byName[dev.UUID] = make(map[string]*DataItem)

	index := func(items []*DataItem, componentID string) error {
		for _, di := range items {
			if di.ID == "" {
				return fmt.Errorf("device %s: dataitem with empty id", dev.UUID)
			}
			di.deviceUUID = dev.UUID
			di.componentID = componentID
			r.byID[di.ID] = di
			if di.Name != "" && !di.synthetic {
				r.byName[dev.UUID][di.Name] = di
			}
		}
		return nil
	}

	if err := index(dev.DataItems, ""); err != nil {
		return err
	}
	var walk func(comps []*Component) error
	walk = func(comps []*Component) error {
		for _, c := range comps {
			r.components[c.ID] = c
			if err := index(c.DataItems, c.ID); err != nil {
				return err
			}
			if err := walk(c.Components); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(dev.Components); err != nil {
		return err
	}

	r.ensureSyntheticLocked(dev)
	return nil
}

// ensureSyntheticLocked attaches the per-device asset-change event channels
// if the schema did not declare them.
func (r *Registry) ensureSyntheticLocked(dev *Device) {
	mk := func(suffix, typ string) {
		id := dev.Name + suffix
		if _, exists := r.byID[id]; exists {
			return
		}
		di := &DataItem{
			ID:         id,
			Type:       typ,
			Category:   CategoryEvent,
			synthetic:  true,
			deviceUUID: dev.UUID,
		}
		dev.DataItems = append(dev.DataItems, di)
		r.byID[id] = di
	}
	mk(AssetChangedSuffix, "ASSET_CHANGED")
	mk(AssetRemovedSuffix, "ASSET_REMOVED")
}

func (r *Registry) dropDeviceLocked(uuid string) {
	old := r.devices[uuid]
	if old == nil {
		return
	}
	var drop func(items []*DataItem)
	drop = func(items []*DataItem) {
		for _, di := range items {
			delete(r.byID, di.ID)
		}
	}
	drop(old.DataItems)
	var walk func(comps []*Component)
	walk = func(comps []*Component) {
		for _, c := range comps {
			delete(r.components, c.ID)
			drop(c.DataItems)
			walk(c.Components)
		}
	}
	walk(old.Components)
	delete(r.byName, uuid)
}

// Device returns the device for a uuid, or nil.
func (r *Registry) Device(uuid string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[uuid]
}

// DeviceUUID resolves a device name to its uuid. Returns "" when unknown.
func (r *Registry) DeviceUUID(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, uuid := range r.deviceUUIDs {
		if r.devices[uuid].Name == name {
			return uuid
		}
	}
	return ""
}

// AllDeviceUUIDs returns every registered device uuid in insertion order.
func (r *Registry) AllDeviceUUIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.deviceUUIDs))
	copy(out, r.deviceUUIDs)
	return out
}

// ComponentByID returns the component with the given id, or nil.
func (r *Registry) ComponentByID(id string) *Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.components[id]
}

// DataItemByID returns the dataitem with the given id, or nil.
func (r *Registry) DataItemByID(id string) *DataItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// DataItemForName resolves a SHDR wire name scoped to one device. The match
// is case-sensitive. Synthetic dataitems never resolve. Returns nil when
// unknown.
func (r *Registry) DataItemForName(uuid, name string) *DataItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName := r.byName[uuid]
	if byName == nil {
		return nil
	}
	return byName[name]
}

// SyntheticAssetChanged returns the ASSET_CHANGED dataitem for a device.
func (r *Registry) SyntheticAssetChanged(uuid string) *DataItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev := r.devices[uuid]
	if dev == nil {
		return nil
	}
	return r.byID[dev.Name+AssetChangedSuffix]
}

// SyntheticAssetRemoved returns the ASSET_REMOVED dataitem for a device.
func (r *Registry) SyntheticAssetRemoved(uuid string) *DataItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev := r.devices[uuid]
	if dev == nil {
		return nil
	}
	return r.byID[dev.Name+AssetRemovedSuffix]
}
