package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache holds compiled capability schemas keyed by their source.
var schemaCache = cmap.New[*jsonschema.Schema]()

func compileSchema(src string) (*jsonschema.Schema, error) {
	if sch, ok := schemaCache.Get(src); ok {
		return sch, nil
	}

	const schemaFile = "schema.json"
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	if err := c.AddResource(schemaFile, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema: %w", err)
	}
	sch, err := c.Compile(schemaFile)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	schemaCache.Set(src, sch)
	return sch, nil
}

// schemaInstance converts an argument bag into the JSON value a schema is
// checked against. An attachment is described by its file name and size.
func schemaInstance(args Args) (any, error) {
	bag := make(map[string]any, len(args))
	for k, v := range args {
		if att, ok := v.(*Attachment); ok && att != nil {
			v = map[string]any{"filename": att.Filename, "size": len(att.Content)}
		}
		bag[k] = v
	}
	raw, err := json.Marshal(bag)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// checkSchema validates args against src. It returns a description of the
// first violation, or an error when the schema itself is unusable.
func checkSchema(src string, args Args) (string, error) {
	sch, err := compileSchema(src)
	if err != nil {
		return "", err
	}
	inst, err := schemaInstance(args)
	if err != nil {
		return "", err
	}
	if err := sch.Validate(inst); err != nil {
		return err.Error(), nil
	}
	return "", nil
}
