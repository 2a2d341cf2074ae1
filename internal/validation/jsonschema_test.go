package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const personSchema = `{
	"type": "object",
	"properties": { "name": {"type": "string"}, "age": {"type": "integer", "minimum": 0} },
	"required": ["name"]
}`

func TestCompileEmptySchema(t *testing.T) {
	sch, err := Compile("  ")
	require.NoError(t, err)
	assert.Nil(t, sch)
	assert.NoError(t, sch.Validate(map[string]any{"anything": true}))
	assert.Equal(t, "", sch.Source())
}

func TestCompileInvalidSchema(t *testing.T) {
	_, err := Compile(`{"type": "object", "properties": {"name": {"type": "str"}}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile JSON schema")

	_, err = Compile(`{not json`)
	assert.Error(t, err)
}

func TestValidateAcceptsGoValues(t *testing.T) {
	sch, err := Compile(personSchema)
	require.NoError(t, err)
	assert.Equal(t, personSchema, sch.Source())

	assert.NoError(t, sch.Validate(map[string]any{"name": "Ada", "age": 36}))
	assert.NoError(t, sch.Validate(map[string]any{"name": "Ada", "age": float64(36)}))
	assert.NoError(t, sch.Validate(map[string]any{"name": "Ada"}))
}

func TestValidateRejectsBadInput(t *testing.T) {
	sch, err := Compile(personSchema)
	require.NoError(t, err)

	err = sch.Validate(map[string]any{"age": 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.Contains(t, err.Error(), "missing properties: 'name'")

	err = sch.Validate(map[string]any{"name": "Ada", "age": "thirty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected integer, but got string")

	err = sch.Validate(map[string]any{"name": "Ada", "age": -5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be >= 0 but found -5")
}

func TestValidateNilInputIsEmptyObject(t *testing.T) {
	sch, err := Compile(personSchema)
	require.NoError(t, err)

	err = sch.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing properties: 'name'")

	open, err := Compile(`{"type": "object"}`)
	require.NoError(t, err)
	assert.NoError(t, open.Validate(nil))
}

func TestValidateUnencodableInput(t *testing.T) {
	sch, err := Compile(`{"type": "object"}`)
	require.NoError(t, err)

	err = sch.Validate(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestValidateJSON(t *testing.T) {
	assert.NoError(t, ValidateJSON("", `{"name": "x"}`))
	assert.NoError(t, ValidateJSON(personSchema, `{"name": "x"}`))

	err := ValidateJSON(personSchema, `{}`)
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = ValidateJSON(personSchema, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal JSON data")
}
