package identity

import (
	"errors"
	"os/user"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) (*SystemResolver, *int, *int) {
	t.Helper()

	r, err := NewSystemResolver(4)
	require.NoError(t, err)

	userCalls, groupCalls := 0, 0
	r.lookupUser = func(uid string) (*user.User, error) {
		userCalls++
		if uid == "1000" {
			return &user.User{Uid: uid, Username: "alice"}, nil
		}
		return nil, user.UnknownUserIdError(0)
	}
	r.lookupGroup = func(gid string) (*user.Group, error) {
		groupCalls++
		if gid == "100" {
			return &user.Group{Gid: gid, Name: "users"}, nil
		}
		return nil, errors.New("no such group")
	}
	return r, &userCalls, &groupCalls
}

func TestSystemResolver_ResolvesAndCaches(t *testing.T) {
	r, userCalls, groupCalls := newTestResolver(t)

	assert.Equal(t, Name{ID: 1000, Name: "alice"}, r.User(1000))
	assert.Equal(t, Name{ID: 1000, Name: "alice"}, r.User(1000))
	assert.Equal(t, 1, *userCalls)

	assert.Equal(t, "users", r.Group(100).String())
	assert.Equal(t, "users", r.Group(100).String())
	assert.Equal(t, 1, *groupCalls)
}

func TestSystemResolver_FallsBackToNumber(t *testing.T) {
	r, userCalls, groupCalls := newTestResolver(t)

	u := r.User(4242)
	assert.True(t, u.Numeric())
	assert.Equal(t, "4242", u.String())

	// Misses are cached too.
	r.User(4242)
	assert.Equal(t, 1, *userCalls)

	g := r.Group(7)
	assert.Equal(t, "7", g.String())
	r.Group(7)
	assert.Equal(t, 1, *groupCalls)
}

func TestSystemResolver_Eviction(t *testing.T) {
	r, userCalls, _ := newTestResolver(t)

	for uid := uint32(0); uid < 5; uid++ {
		r.User(uid)
	}
	require.Equal(t, 5, *userCalls)

	// Cache holds 4 entries, uid 0 was evicted.
	r.User(0)
	assert.Equal(t, 6, *userCalls)
}

func TestNumericResolver(t *testing.T) {
	var r Resolver = NumericResolver{}

	assert.Equal(t, "0", r.User(0).String())
	assert.Equal(t, "1000", r.User(1000).String())
	assert.Equal(t, "100", r.Group(100).String())
}

func TestName_MarshalJSON(t *testing.T) {
	out, err := jsoniter.Marshal(struct {
		UID Name `json:"uid"`
		GID Name `json:"gid"`
	}{
		UID: Name{ID: 0, Name: "root"},
		GID: Name{ID: 4242},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"uid":"root","gid":4242}`, string(out))
}
