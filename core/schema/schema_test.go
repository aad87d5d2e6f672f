package schema_test

import (
	"embed"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/dmpatterns/core/schema"
)

//go:embed testdata
var testdata embed.FS

const (
	uriRef = `{ "$id" : "http://some_host.com/uri.json",
		      "type" : "string", "pattern": "^https://" }`

	payloadSchema = `
	{ "$id" : "http://some_host.com/payload.json",
	  "type": "object",
	  "required": ["fwPackageUri"],
	  "properties": {
		"fwPackageUri": { "$ref" : "http://some_host.com/uri.json" }
	  }
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{payloadSchema}, []string{uriRef})
	require.NoError(t, err)

	schemaID := "http://some_host.com/payload.json"
	assert.NoError(t, v.ValidateString(`{"fwPackageUri":"https://pkg/fw.bin"}`, schemaID))
	assert.Error(t, v.ValidateString(`{"fwPackageUri":"http://pkg/fw.bin"}`, schemaID))
	assert.Error(t, v.ValidateString(`{}`, schemaID))
	assert.Error(t, v.ValidateString(`null`, schemaID))
	assert.Error(t, v.ValidateString(`{"fwPackageUri":`, schemaID))
	assert.Error(t, v.ValidateString(`{}`, "http://some_host.com/unknown.json"))
}

func TestNewValidatorErrors(t *testing.T) {
	_, err := schema.NewValidator([]string{`{"type":"object"}`}, nil)
	assert.Error(t, err, "schema without $id")
	_, err = schema.NewValidator([]string{`not json`}, nil)
	assert.Error(t, err)
}

func TestNewValidatorFromFS(t *testing.T) {
	v, err := schema.NewValidatorFromFS(testdata, "testdata")
	require.NoError(t, err)

	schemaID := "https://relabs.tech/schemas/test/reboot.json"
	assert.True(t, v.HasSchema(schemaID))
	assert.False(t, v.HasSchema("https://relabs.tech/schemas/test/seconds.json"))
	assert.NoError(t, v.ValidateString(`{"delay": 10}`, schemaID))
	assert.Error(t, v.ValidateString(`{"delay": -1}`, schemaID))

	_, err = schema.NewValidatorFromFS(testdata, "missing")
	assert.Error(t, err)
}
