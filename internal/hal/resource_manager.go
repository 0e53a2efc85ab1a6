package hal

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tvcard/internal/logging"
	"tvcard/pkg/types"
)

// ErrDeviceInUse is returned when a device is already claimed by another session.
var ErrDeviceInUse = errors.New("device in use")

// ResourceManager is the exclusive-claim registry for physical tuners. One
// instance is constructed per process and handed to every card session.
type ResourceManager struct {
	resources     map[types.DeviceID]*Resource
	resourcesLock sync.Mutex
	logger        *logging.Logger
}

// Resource is the claim record of one device.
type Resource struct {
	ID          types.DeviceID
	Allocated   bool
	AllocatedTo string
	AllocatedAt time.Time
	LastUsed    time.Time
}

func NewResourceManager() *ResourceManager {
	return &ResourceManager{
		resources: make(map[types.DeviceID]*Resource),
		logger:    logging.GetLogger("resource_manager"),
	}
}

// Register makes a device known without claiming it.
func (rm *ResourceManager) Register(id types.DeviceID) {
	rm.resourcesLock.Lock()
	defer rm.resourcesLock.Unlock()

	if _, exists := rm.resources[id]; !exists {
		rm.resources[id] = &Resource{ID: id, LastUsed: time.Now()}
	}
}

// Claim marks id as in use by owner. It returns false if another owner holds it.
// Claiming a device already held by the same owner succeeds.
func (rm *ResourceManager) Claim(id types.DeviceID, owner string) bool {
	rm.resourcesLock.Lock()
	defer rm.resourcesLock.Unlock()

	r, exists := rm.resources[id]
	if !exists {
		r = &Resource{ID: id}
		rm.resources[id] = r
	}
	if r.Allocated {
		if r.AllocatedTo == owner {
			return true
		}
		rm.logger.Warn("Device claim refused", "device", id, "owner", owner, "held_by", r.AllocatedTo)
		return false
	}

	now := time.Now()
	r.Allocated = true
	r.AllocatedTo = owner
	r.AllocatedAt = now
	r.LastUsed = now

	rm.logger.Info("Device claimed", "device", id, "owner", owner)
	return true
}

// Release frees id. Releasing an unclaimed device is a no-op.
func (rm *ResourceManager) Release(id types.DeviceID) {
	rm.resourcesLock.Lock()
	defer rm.resourcesLock.Unlock()

	r, exists := rm.resources[id]
	if !exists || !r.Allocated {
		return
	}

	owner := r.AllocatedTo
	r.Allocated = false
	r.AllocatedTo = ""
	r.LastUsed = time.Now()

	rm.logger.Info("Device released", "device", id, "was_allocated_to", owner)
}

// InUse reports whether id is currently claimed.
func (rm *ResourceManager) InUse(id types.DeviceID) bool {
	rm.resourcesLock.Lock()
	defer rm.resourcesLock.Unlock()

	r, exists := rm.resources[id]
	return exists && r.Allocated
}

// Holder returns the owner of id, if any.
func (rm *ResourceManager) Holder(id types.DeviceID) (string, bool) {
	rm.resourcesLock.Lock()
	defer rm.resourcesLock.Unlock()

	r, exists := rm.resources[id]
	if !exists || !r.Allocated {
		return "", false
	}
	return r.AllocatedTo, true
}

// ClaimErr is Claim returning ErrDeviceInUse instead of false.
func (rm *ResourceManager) ClaimErr(id types.DeviceID, owner string) error {
	if !rm.Claim(id, owner) {
		holder, _ := rm.Holder(id)
		return fmt.Errorf("%w: %s held by %s", ErrDeviceInUse, id, holder)
	}
	return nil
}

// Resources returns a copy of every claim record, sorted by device.
func (rm *ResourceManager) Resources() []Resource {
	rm.resourcesLock.Lock()
	defer rm.resourcesLock.Unlock()

	out := make([]Resource, 0, len(rm.resources))
	for _, r := range rm.resources {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stop force-releases every claim.
func (rm *ResourceManager) Stop() error {
	rm.resourcesLock.Lock()
	defer rm.resourcesLock.Unlock()

	for id, r := range rm.resources {
		if r.Allocated {
			rm.logger.Warn("Force releasing claimed device during shutdown", "device", id, "allocated_to", r.AllocatedTo)
			r.Allocated = false
			r.AllocatedTo = ""
		}
	}
	return nil
}
