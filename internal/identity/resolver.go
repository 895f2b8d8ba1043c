// Package identity resolves numeric user and group ids to names.
package identity

import (
	"fmt"
	"os/user"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	jsoniter "github.com/json-iterator/go"
)

// DefaultCacheSize bounds each of the user and group caches.
const DefaultCacheSize = 512

// Name is a resolved id. Name is empty when the id has no entry or lookup
// is disabled; the id is then rendered as a number.
type Name struct {
	ID   uint32
	Name string
}

// Numeric reports whether n renders as its id.
func (n Name) Numeric() bool {
	return n.Name == ""
}

func (n Name) String() string {
	if n.Numeric() {
		return strconv.FormatUint(uint64(n.ID), 10)
	}
	return n.Name
}

// MarshalJSON encodes a resolved name as a string and an unresolved one as a number.
func (n Name) MarshalJSON() ([]byte, error) {
	if n.Numeric() {
		return strconv.AppendUint(nil, uint64(n.ID), 10), nil
	}
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(n.Name)
}

// Resolver maps ids to names.
type Resolver interface {
	User(uid uint32) Name
	Group(gid uint32) Name
}

// NumericResolver never looks anything up.
type NumericResolver struct{}

// User implements Resolver.
func (NumericResolver) User(uid uint32) Name { return Name{ID: uid} }

// Group implements Resolver.
func (NumericResolver) Group(gid uint32) Name { return Name{ID: gid} }

// SystemResolver consults the account database (os/user) and caches every
// answer, including misses.
type SystemResolver struct {
	users  *lru.Cache[uint32, string]
	groups *lru.Cache[uint32, string]

	lookupUser  func(uid string) (*user.User, error)
	lookupGroup func(gid string) (*user.Group, error)
}

// NewSystemResolver creates a resolver whose caches hold up to size entries each.
func NewSystemResolver(size int) (*SystemResolver, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}

	users, err := lru.New[uint32, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create user cache: %w", err)
	}
	groups, err := lru.New[uint32, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create group cache: %w", err)
	}

	return &SystemResolver{
		users:       users,
		groups:      groups,
		lookupUser:  user.LookupId,
		lookupGroup: user.LookupGroupId,
	}, nil
}

// User implements Resolver.
func (r *SystemResolver) User(uid uint32) Name {
	if name, ok := r.users.Get(uid); ok {
		return Name{ID: uid, Name: name}
	}

	var name string
	if u, err := r.lookupUser(strconv.FormatUint(uint64(uid), 10)); err == nil {
		name = u.Username
	}
	r.users.Add(uid, name)
	return Name{ID: uid, Name: name}
}

// Group implements Resolver.
func (r *SystemResolver) Group(gid uint32) Name {
	if name, ok := r.groups.Get(gid); ok {
		return Name{ID: gid, Name: name}
	}

	var name string
	if g, err := r.lookupGroup(strconv.FormatUint(uint64(gid), 10)); err == nil {
		name = g.Name
	}
	r.groups.Add(gid, name)
	return Name{ID: gid, Name: name}
}
