package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var issued = time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)

func TestCreateIsDeterministic(t *testing.T) {
	a := Create("exec-1", issued, "s3cret")
	b := Create("exec-1", issued, "s3cret")
	assert.Equal(t, a, b)
	assert.Equal(t, "exec-1", a.ClientID())
	assert.Len(t, string(a), len("exec-1-")+64)
}

func TestCreateDependsOnEveryInput(t *testing.T) {
	base := Create("exec-1", issued, "s3cret")
	assert.NotEqual(t, base, Create("exec-1", issued, "other"))
	assert.NotEqual(t, base, Create("exec-2", issued, "s3cret"))
	assert.NotEqual(t, base, Create("exec-1", issued.Add(time.Nanosecond), "s3cret"))
}

func TestCreateNormalizesZone(t *testing.T) {
	local := issued.In(time.FixedZone("UTC+8", 8*3600))
	assert.Equal(t, Create("exec-1", issued, "k"), Create("exec-1", local, "k"))
}

func TestVerify(t *testing.T) {
	id := Create("risk", issued, "k")
	assert.True(t, Verify(id, "risk", issued, "k"))
	assert.False(t, Verify(id, "risk", issued, "wrong"))
	assert.False(t, Verify(None(), "risk", issued, "k"))
}

func TestNone(t *testing.T) {
	assert.True(t, None().IsNone())
	assert.Equal(t, "<none>", None().String())
	assert.False(t, Create("a", issued, "").IsNone())
}
