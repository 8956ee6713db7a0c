package ir

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorPredicatesSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("set child: %w", NewNameConflict("/", "child"))

	assert.True(t, IsNameConflict(err))
	assert.False(t, IsReadOnly(err))
	assert.False(t, IsUnknownType(err))
	assert.False(t, IsNotConnected(err))
	assert.False(t, IsNameConflict(fmt.Errorf("plain")))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t,
		`NAME_CONFLICT: child "a" already exists; set it to null first (node=/p/, key=a)`,
		NewNameConflict("/p/", "a").Error())
	assert.Equal(t, `UNKNOWN_TYPE: type "Nope" is not registered (key=type)`, NewUnknownType("Nope").Error())
	assert.Equal(t, "NOT_CONNECTED: leave requires a connected session (node=/)", NewNotConnected("/", "leave").Error())
	assert.True(t, IsReadOnly(NewReadOnly("/", "children", "children")))
}
