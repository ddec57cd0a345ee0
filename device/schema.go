package device

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/qtoggle/qtoggleserver/errors"
)

// Schema derives the JSON-Schema describing the modifiable attributes.
// String min/max become minLength/maxLength, number min/max become
// minimum/maximum, choices become an enum. When loose is set, unknown
// properties are accepted.
func (c *Catalog) Schema(loose bool) map[string]any {
	properties := map[string]any{}

	for _, def := range c.defs {
		if !def.Modifiable {
			continue
		}

		prop := map[string]any{}
		switch def.Type {
		case TypeBoolean:
			prop["type"] = "boolean"
		case TypeNumber:
			prop["type"] = "number"
			if def.Min != nil {
				prop["minimum"] = *def.Min
			}
			if def.Max != nil {
				prop["maximum"] = *def.Max
			}
		case TypeList:
			prop["type"] = "array"
		default:
			prop["type"] = "string"
			if def.Min != nil {
				prop["minLength"] = int(*def.Min)
			}
			if def.Max != nil {
				prop["maxLength"] = int(*def.Max)
			}
			if def.Pattern != "" {
				prop["pattern"] = def.Pattern
			}
		}
		if len(def.Choices) > 0 {
			prop["enum"] = def.Choices
		}
		properties[def.Name] = prop
	}

	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": loose,
	}
}

// Validate checks an attribute map against the derived schema and
// returns an invalid-field API error for the first violation.
func (c *Catalog) Validate(attrs map[string]any, loose bool) error {
	schema := gojsonschema.NewGoLoader(c.Schema(loose))
	document := gojsonschema.NewGoLoader(attrs)

	result, err := gojsonschema.Validate(schema, document)
	if err != nil {
		return errors.Wrap(err, "device", "validate", "run schema validation")
	}
	if result.Valid() {
		return nil
	}

	violation := result.Errors()[0]
	field := violation.Field()
	if field == "(root)" {
		if property, ok := violation.Details()["property"].(string); ok {
			field = property
		}
	}
	return errors.InvalidField(field, violation.Description())
}

func (c *Catalog) validateValue(def *Attrdef, value any) error {
	return c.Validate(map[string]any{def.Name: value}, true)
}
