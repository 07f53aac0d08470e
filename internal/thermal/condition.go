package thermal

// Condition is a predicate over the current InfoSet. Conditions keep no
// state of their own and must not modify the set. A condition whose Info
// is not part of the set does not match.
type Condition interface {
	IsMatch(infos *InfoSet) bool
}

// ConditionFunc adapts a function to Condition
type ConditionFunc func(infos *InfoSet) bool

func (f ConditionFunc) IsMatch(infos *InfoSet) bool { return f(infos) }

// Condition keys
const (
	CondFanAnyAbsence   = "fan.any.absence"
	CondFanAllAbsence   = "fan.all.absence"
	CondFanAllPresence  = "fan.all.presence"
	CondFanAnyPresence  = "fan.any.presence"
	CondFanAnyFault     = "fan.any.fault"
	CondFanAllGood      = "fan.all.good"
	CondPsuAnyAbsence   = "psu.any.absence"
	CondPsuAllAbsence   = "psu.all.absence"
	CondPsuAllPresence  = "psu.all.presence"
	CondPsuAnyPresence  = "psu.any.presence"
	CondOverHighCrit    = "thermal.over.high_critical_threshold"
	CondOverHigh        = "thermal.over.high_threshold"
	CondBelowLow        = "thermal.below.low_threshold"
	CondThermalWarmUp   = "thermal.warm_up"
	CondThermalCoolDown = "thermal.cool_down"
)

func fanCondition(match func(*FanInfo) bool) ConditionFunc {
	return func(infos *InfoSet) bool {
		return infos.Fan != nil && match(infos.Fan)
	}
}

func psuCondition(match func(*PsuInfo) bool) ConditionFunc {
	return func(infos *InfoSet) bool {
		return infos.Psu != nil && match(infos.Psu)
	}
}

func thermalCondition(match func(*ThermalInfo) bool) ConditionFunc {
	return func(infos *InfoSet) bool {
		return infos.Thermal != nil && match(infos.Thermal)
	}
}

// builtinConditions take no params
var builtinConditions = []struct {
	key  string
	cond ConditionFunc
}{
	{CondFanAnyAbsence, fanCondition(func(i *FanInfo) bool { return len(i.absence) > 0 })},
	{CondFanAllAbsence, fanCondition(func(i *FanInfo) bool { return len(i.presence) == 0 })},
	{CondFanAllPresence, fanCondition(func(i *FanInfo) bool { return len(i.absence) == 0 })},
	{CondFanAnyPresence, fanCondition(func(i *FanInfo) bool { return len(i.presence) > 0 })},
	{CondFanAnyFault, fanCondition(func(i *FanInfo) bool { return len(i.fault) > 0 })},
	{CondFanAllGood, fanCondition(func(i *FanInfo) bool { return len(i.fault) == 0 })},
	{CondPsuAnyAbsence, psuCondition(func(i *PsuInfo) bool { return len(i.absence) > 0 })},
	{CondPsuAllAbsence, psuCondition(func(i *PsuInfo) bool { return len(i.presence) == 0 })},
	{CondPsuAllPresence, psuCondition(func(i *PsuInfo) bool { return len(i.absence) == 0 })},
	{CondPsuAnyPresence, psuCondition(func(i *PsuInfo) bool { return len(i.presence) > 0 })},
	{CondOverHighCrit, thermalCondition((*ThermalInfo).IsOverHighCriticalThreshold)},
	{CondOverHigh, thermalCondition((*ThermalInfo).IsOverHighThreshold)},
	{CondBelowLow, thermalCondition((*ThermalInfo).IsBelowLowThreshold)},
	{CondThermalWarmUp, thermalCondition((*ThermalInfo).IsWarmUp)},
	{CondThermalCoolDown, thermalCondition((*ThermalInfo).IsCoolDown)},
}
