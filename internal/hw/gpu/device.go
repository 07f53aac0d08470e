package gpu

import "github.com/NVIDIA/go-nvml/pkg/nvml"

// device is the subset of an NVML device handle the backend needs
type device interface {
	GetName() (string, nvml.Return)
	GetNumFans() (int, nvml.Return)
	GetFanSpeed_v2(fan int) (uint32, nvml.Return)
	GetMinMaxFanSpeed() (int, int, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
	GetTemperatureThreshold(threshold nvml.TemperatureThresholds) (uint32, nvml.Return)
	SetFanSpeed(fan, speed int) nvml.Return
	SetDefaultFanSpeed(fan int) nvml.Return
}

// nvmlDevice adapts a real handle to device
type nvmlDevice struct {
	nvml.Device
}

func (d nvmlDevice) SetFanSpeed(fan, speed int) nvml.Return {
	return nvml.DeviceSetFanSpeed_v2(d.Device, fan, speed)
}

func (d nvmlDevice) SetDefaultFanSpeed(fan int) nvml.Return {
	return nvml.DeviceSetDefaultFanSpeed_v2(d.Device, fan)
}

// library abstracts process-wide NVML calls for testing
type library interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(index int) (device, nvml.Return)
}

type nvmlLibrary struct{}

func (nvmlLibrary) Init() nvml.Return     { return nvml.Init() }
func (nvmlLibrary) Shutdown() nvml.Return { return nvml.Shutdown() }

func (nvmlLibrary) DeviceGetCount() (int, nvml.Return) {
	return nvml.DeviceGetCount()
}

func (nvmlLibrary) DeviceGetHandleByIndex(index int) (device, nvml.Return) {
	d, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return nil, ret
	}
	return nvmlDevice{d}, ret
}
