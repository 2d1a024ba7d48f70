package guestres

import "github.com/google/uuid"

type CreateResourceCallback func(
	cache *Cache,
	id uuid.UUID,
	desc *Descriptor,
	userData interface{},
)

type DestroyResourceCallback func(
	cache *Cache,
	id uuid.UUID,
	desc *Descriptor,
	userData interface{},
)

// CallbackOptions are informed of resources being created and destroyed. Host-only resources are
// reported with a nil descriptor.
type CallbackOptions struct {
	Create   CreateResourceCallback
	Destroy  DestroyResourceCallback
	UserData interface{}
}

type resourceCallbacks struct {
	Callbacks *CallbackOptions
	Cache     *Cache
}

func (c *resourceCallbacks) Create(r *Resource) {
	if c.Callbacks != nil && c.Callbacks.Create != nil {
		c.Callbacks.Create(c.Cache, r.id, r.guest, c.Callbacks.UserData)
	}
}

func (c *resourceCallbacks) Destroy(r *Resource) {
	if c.Callbacks != nil && c.Callbacks.Destroy != nil {
		c.Callbacks.Destroy(c.Cache, r.id, r.guest, c.Callbacks.UserData)
	}
}
