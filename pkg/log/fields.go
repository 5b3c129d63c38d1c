package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameSensor    = "sensor"
	FieldNameSeq       = "seq"
	FieldNameMode      = "mode"
	FieldNameScenario  = "scenario"
	FieldNameTable     = "table"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldSensor 返回传感器标识字段。
func FieldSensor(id string) zap.Field {
	return zap.String(FieldNameSensor, id)
}

func FieldSeq(seq uint16) zap.Field {
	return zap.Uint16(FieldNameSeq, seq)
}

// FieldMode 记录加密模式，参数通常是实现了 fmt.Stringer 的模式枚举。
func FieldMode(mode interface{ String() string }) zap.Field {
	return zap.Stringer(FieldNameMode, mode)
}

func FieldScenario(id int) zap.Field {
	return zap.Int(FieldNameScenario, id)
}

func FieldTable(table interface{ String() string }) zap.Field {
	return zap.Stringer(FieldNameTable, table)
}
