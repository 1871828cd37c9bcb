package dispatch

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/senser-io/senser/broker/message"
)

// Scalars may arrive as JSON numbers or as strings, e.g. when the payload was
// built from a query string; the accessors coerce them.
const (
	defID     = `{"type": ["integer", "string"], "pattern": "^[0-9]+$"}`
	defNumber = `{"type": ["number", "string"]}`
	defCount  = `{"type": ["integer", "string", "null"], "pattern": "^[0-9]+$"}`
	defTime   = `{"type": ["string", "null"]}`
	defText   = `{"type": ["string", "null"]}`
)

var schemas = map[message.RequestType]string{
	message.RequestTypeSearch: `{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": ["object", "string"]},
			"size": ` + defCount + `,
			"search_type": {"enum": ["match", "similar", null]}
		}
	}`,

	message.RequestTypeNear: `{
		"type": "object",
		"required": ["latitude", "longitude", "radius"],
		"properties": {
			"latitude": ` + defNumber + `,
			"longitude": ` + defNumber + `,
			"radius": ` + defNumber + `
		}
	}`,

	message.RequestTypeTemperatureValues: `{"type": "object"}`,
	message.RequestTypeQuantityByType:    `{"type": "object"}`,
	message.RequestTypeLowBattery:        `{"type": "object"}`,

	message.RequestTypeGetSensors: `{
		"type": "object",
		"properties": {
			"skip": ` + defCount + `,
			"limit": ` + defCount + `
		}
	}`,

	message.RequestTypeCreateSensor: `{
		"type": "object",
		"required": ["sensor"],
		"properties": {
			"sensor": {
				"type": "object",
				"required": ["name", "latitude", "longitude"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"latitude": ` + defNumber + `,
					"longitude": ` + defNumber + `,
					"type": ` + defText + `,
					"mac_address": ` + defText + `,
					"manufacturer": ` + defText + `,
					"model": ` + defText + `,
					"serie_number": ` + defText + `,
					"firmware_version": ` + defText + `,
					"description": ` + defText + `
				}
			}
		}
	}`,

	message.RequestTypeGetSensorByID: `{
		"type": "object",
		"required": ["sensor_id"],
		"properties": {"sensor_id": ` + defID + `}
	}`,

	message.RequestTypeDeleteSensorByID: `{
		"type": "object",
		"required": ["sensor_id"],
		"properties": {"sensor_id": ` + defID + `}
	}`,

	// The reading is either nested under "data" or sent flat next to the
	// sensor id.
	message.RequestTypePostSensorByIDData: `{
		"type": "object",
		"required": ["sensor_id"],
		"definitions": {
			"reading": {
				"type": "object",
				"required": ["battery_level", "last_seen"],
				"properties": {
					"velocity": {"type": ["number", "string", "null"]},
					"temperature": {"type": ["number", "string", "null"]},
					"humidity": {"type": ["number", "string", "null"]},
					"battery_level": ` + defNumber + `,
					"last_seen": {"type": "string"}
				}
			}
		},
		"properties": {"sensor_id": ` + defID + `},
		"if": {"required": ["data"]},
		"then": {"properties": {"data": {"$ref": "#/definitions/reading"}}},
		"else": {"$ref": "#/definitions/reading"}
	}`,

	message.RequestTypeGetSensorByIDData: `{
		"type": "object",
		"required": ["sensor_id"],
		"properties": {
			"sensor_id": ` + defID + `,
			"from_date": ` + defTime + `,
			"to_date": ` + defTime + `,
			"bucket": {"enum": ["hour", "day", "week", "month", "", null]}
		}
	}`,
}

// loadSchema compiles the schema of t.
func loadSchema(t message.RequestType) (*gojsonschema.Schema, error) {
	def, ok := schemas[t]
	if !ok {
		return nil, errNoSchema(t)
	}
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(def))
}
