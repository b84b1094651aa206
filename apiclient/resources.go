package apiclient

import (
	"context"
	"net/url"
)

// Resource is a REST collection such as /campaigns.
type Resource struct {
	c    *Client
	path string
}

// Resource returns the collection at path.
func (c *Client) Resource(path string) *Resource {
	if len(path) == 0 || path[0] != '/' {
		path = "/" + path
	}
	return &Resource{c: c, path: path}
}

func (c *Client) Campaigns() *Resource { return c.Resource("/campaigns") }
func (c *Client) Partners() *Resource  { return c.Resource("/partners") }
func (c *Client) Events() *Resource    { return c.Resource("/events") }
func (c *Client) Users() *Resource     { return c.Resource("/users") }
func (c *Client) Donations() *Resource { return c.Resource("/donations") }

// Path returns the collection path.
func (r *Resource) Path() string { return r.path }

func (r *Resource) item(id string) string { return r.path + "/" + url.PathEscape(id) }

// List fetches the collection.
func (r *Resource) List(ctx context.Context, out any) error { return r.c.Get(ctx, r.path, out) }

// Get fetches one record.
func (r *Resource) Get(ctx context.Context, id string, out any) error {
	return r.c.Get(ctx, r.item(id), out)
}

// Create posts a new record.
func (r *Resource) Create(ctx context.Context, body, out any) error {
	return r.c.Post(ctx, r.path, body, out)
}

// Update replaces a record.
func (r *Resource) Update(ctx context.Context, id string, body, out any) error {
	return r.c.Put(ctx, r.item(id), body, out)
}

// Patch updates part of a record.
func (r *Resource) Patch(ctx context.Context, id string, body, out any) error {
	return r.c.Patch(ctx, r.item(id), body, out)
}

// Delete removes a record.
func (r *Resource) Delete(ctx context.Context, id string) error {
	return r.c.Delete(ctx, r.item(id), nil)
}
