package validate

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gorm.io/datatypes"

	"sensor-monitor/internal/store"
)

// Reject reasons. Malformed and identity failures drop the whole message;
// out-of-range failures drop individual fields first and only reject when no
// field survives.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingIdentity  = errors.New("missing device identity")
	ErrOutOfRange       = errors.New("all sensor values out of range")
)

// payloadSchema accepts both the flat payload shape and the device-cloud
// "services" envelope the field firmware publishes. It only pins JSON types;
// plausibility ranges are enforced separately so individual fields can be
// dropped instead of failing the whole document.
const payloadSchema = `{
  "type": "object",
  "properties": {
    "device_id": {"type": "string"},
    "temperature": {"type": "number"},
    "humidity": {"type": "number"},
    "pm25": {"type": "integer"},
    "light_lux": {"type": "integer"},
    "timestamp": {"type": ["string", "number"]},
    "services": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "properties": {"type": "object"}
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("payload.json", payloadSchema)

// Ranges holds the plausible bounds for each sensor field. Values outside a
// bound are dropped, not rejected.
type Ranges struct {
	TemperatureMin, TemperatureMax float64
	HumidityMin, HumidityMax       float64
	PM25Max                        int
	LightLuxMax                    int
}

func DefaultRanges() Ranges {
	return Ranges{
		TemperatureMin: -40,
		TemperatureMax: 85,
		HumidityMin:    0,
		HumidityMax:    100,
		PM25Max:        1000,
		LightLuxMax:    200000,
	}
}

type payload struct {
	DeviceID    string          `json:"device_id"`
	Temperature *float64        `json:"temperature"`
	Humidity    *float64        `json:"humidity"`
	PM25        *int            `json:"pm25"`
	LightLux    *int            `json:"light_lux"`
	Timestamp   json.RawMessage `json:"timestamp"`
	Services    []struct {
		Properties struct {
			Temperature *float64 `json:"temperature"`
			Humidity    *float64 `json:"humidity"`
			PM25        *int     `json:"PM25"`
			Light       *int     `json:"light"`
		} `json:"properties"`
	} `json:"services"`
}

// Validate parses and sanity-checks one raw payload into a Reading. Pure
// function, safe for concurrent use. topicDeviceID supplies the identity when
// the payload carries none; receivedAt supplies the sample time when the
// payload's timestamp is absent or unparsable.
func Validate(raw []byte, topicDeviceID string, receivedAt time.Time, ranges Ranges) (*store.Reading, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, ErrMalformedPayload
	}
	if err := schema.Validate(doc); err != nil {
		return nil, ErrMalformedPayload
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrMalformedPayload
	}

	deviceID := strings.TrimSpace(p.DeviceID)
	if deviceID == "" {
		deviceID = strings.TrimSpace(topicDeviceID)
	}
	if deviceID == "" {
		return nil, ErrMissingIdentity
	}

	temperature, humidity, pm25, light := p.Temperature, p.Humidity, p.PM25, p.LightLux
	if len(p.Services) > 0 {
		props := p.Services[0].Properties
		if temperature == nil {
			temperature = props.Temperature
		}
		if humidity == nil {
			humidity = props.Humidity
		}
		if pm25 == nil {
			pm25 = props.PM25
		}
		if light == nil {
			light = props.Light
		}
	}

	present := 0
	kept := 0
	if temperature != nil {
		present++
		if *temperature < ranges.TemperatureMin || *temperature > ranges.TemperatureMax {
			temperature = nil
		} else {
			kept++
		}
	}
	if humidity != nil {
		present++
		if *humidity < ranges.HumidityMin || *humidity > ranges.HumidityMax {
			humidity = nil
		} else {
			kept++
		}
	}
	if pm25 != nil {
		present++
		if *pm25 < 0 || *pm25 > ranges.PM25Max {
			pm25 = nil
		} else {
			kept++
		}
	}
	if light != nil {
		present++
		if *light < 0 || *light > ranges.LightLuxMax {
			light = nil
		} else {
			kept++
		}
	}
	if present > 0 && kept == 0 {
		return nil, ErrOutOfRange
	}

	ts := parseTimestamp(p.Timestamp)
	if ts.IsZero() {
		ts = receivedAt
	}

	return &store.Reading{
		DeviceID:    deviceID,
		Timestamp:   ts.UTC(),
		ReceivedAt:  receivedAt.UTC(),
		Temperature: temperature,
		Humidity:    humidity,
		PM25:        pm25,
		LightLux:    light,
		Raw:         datatypes.JSON(append([]byte(nil), raw...)),
	}, nil
}

// parseTimestamp accepts RFC3339 strings or unix seconds. Anything else is
// dropped; the receipt time stands in.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		return time.Time{}
	}
	var unix float64
	if err := json.Unmarshal(raw, &unix); err == nil && unix > 0 {
		sec := int64(unix)
		nsec := int64((unix - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec)
	}
	return time.Time{}
}
