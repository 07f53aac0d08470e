package hw

import "go.uber.org/multierr"

type composite struct {
	parts []Chassis
}

// Compose merges several backends into one Chassis. Fans, thermals and
// PSUs keep the order of the parts they come from. Alarms and restores are
// forwarded to every part that supports them.
func Compose(parts ...Chassis) Chassis {
	if len(parts) == 1 {
		return parts[0]
	}

	return &composite{parts: parts}
}

func (c *composite) Fans() []Fan {
	var fans []Fan
	for _, p := range c.parts {
		fans = append(fans, p.Fans()...)
	}

	return fans
}

func (c *composite) Thermals() []Thermal {
	var thermals []Thermal
	for _, p := range c.parts {
		thermals = append(thermals, p.Thermals()...)
	}

	return thermals
}

func (c *composite) Psus() []Psu {
	var psus []Psu
	for _, p := range c.parts {
		psus = append(psus, p.Psus()...)
	}

	return psus
}

func (c *composite) RaiseAlarm(reason string) error {
	var err error
	for _, p := range c.parts {
		if a, ok := p.(Alarmer); ok {
			err = multierr.Append(err, a.RaiseAlarm(reason))
		}
	}

	return err
}

func (c *composite) RestoreDefaults() error {
	var err error
	for _, p := range c.parts {
		if r, ok := p.(Restorer); ok {
			err = multierr.Append(err, r.RestoreDefaults())
		}
	}

	return err
}
