package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewLeaderStoresOwnerAndTTL(t *testing.T) {
	l := NewLeader(nil, "instance-a", 30*time.Second)
	assert.Equal(t, "instance-a", l.ownerID)
	assert.Equal(t, 30*time.Second, l.ttl)
}
