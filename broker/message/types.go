package message

// RequestType is the tag that selects the operation run by a worker.
type RequestType string

const (
	RequestTypeSearch             RequestType = "search"
	RequestTypeNear               RequestType = "near"
	RequestTypeTemperatureValues  RequestType = "temperature/values"
	RequestTypeQuantityByType     RequestType = "quantity_by_type"
	RequestTypeLowBattery         RequestType = "low_battery"
	RequestTypeGetSensors         RequestType = "get_sensors"
	RequestTypeCreateSensor       RequestType = "create_sensor"
	RequestTypeGetSensorByID      RequestType = "get_sensor_by_id"
	RequestTypeDeleteSensorByID   RequestType = "delete_sensor_by_id"
	RequestTypePostSensorByIDData RequestType = "post_sensor_by_id_data"
	RequestTypeGetSensorByIDData  RequestType = "get_sensor_by_id_data"
)

// requestTypes is the closed set recognized on the wire.
var requestTypes = []RequestType{
	RequestTypeSearch,
	RequestTypeNear,
	RequestTypeTemperatureValues,
	RequestTypeQuantityByType,
	RequestTypeLowBattery,
	RequestTypeGetSensors,
	RequestTypeCreateSensor,
	RequestTypeGetSensorByID,
	RequestTypeDeleteSensorByID,
	RequestTypePostSensorByIDData,
	RequestTypeGetSensorByIDData,
}

// RequestTypes returns a copy of every known request type.
func RequestTypes() []RequestType {
	ret := make([]RequestType, len(requestTypes))
	copy(ret, requestTypes)
	return ret
}

// Valid reports whether t belongs to the known set.
func (t RequestType) Valid() bool {
	for _, item := range requestTypes {
		if item == t {
			return true
		}
	}
	return false
}

func (t RequestType) String() string {
	return string(t)
}
