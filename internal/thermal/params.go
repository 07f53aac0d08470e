package thermal

import (
	"fmt"
	"strconv"

	"codeberg.org/mutker/thermalctl/internal/errors"
)

// Params are the extra fields of a policy entry, as decoded from JSON.
// Numbers may be given as JSON numbers or numeric strings.
type Params map[string]any

// Int returns the integer at key, or def when the key is absent
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}

	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, invalidParam(key, v)
		}
		return int(n), nil
	case int:
		return n, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, invalidParam(key, v)
		}
		return i, nil
	default:
		return 0, invalidParam(key, v)
	}
}

// Float returns the number at key, or def when the key is absent
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}

	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, invalidParam(key, v)
		}
		return f, nil
	default:
		return 0, invalidParam(key, v)
	}
}

// String returns the string at key, or def when the key is absent
func (p Params) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}

	s, ok := v.(string)
	if !ok {
		return "", invalidParam(key, v)
	}
	return s, nil
}

// Speed returns a fan duty in percent, validated to 0-100
func (p Params) Speed(key string, def int) (int, error) {
	speed, err := p.Int(key, def)
	if err != nil {
		return 0, err
	}
	if speed < 0 || speed > 100 {
		return 0, invalidParam(key, speed)
	}
	return speed, nil
}

func invalidParam(key string, v any) error {
	return errors.New().WithData(ErrInvalidParams, fmt.Sprintf("%s=%v", key, v))
}
