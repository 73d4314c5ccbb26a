package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	Name string `json:"name" validate:"required,max=3"`
}

type payload struct {
	Items []item `json:"items" validate:"required,min=1,dive"`
	Count int    `json:"count" validate:"gte=1"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(payload{Items: []item{{Name: "abc"}}, Count: 1}))

	err := Struct(payload{Items: []item{{Name: "abcd"}}, Count: 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))

	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.ElementsMatch(t, []string{"items[0].name", "count"}, verr.Fields)
}

func TestStructCountsRunes(t *testing.T) {
	require.NoError(t, Struct(payload{Items: []item{{Name: "жжж"}}, Count: 1}))
}
