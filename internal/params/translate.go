package params

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	TrafoIDName      = "trafo[0].id"
	trafoParamPrefix = "trafo[0].param["

	// TrafoScaleFactor converts OPC UA/Virtuos trafo units into TwinCAT integers.
	TrafoScaleFactor = 10000

	VirtuosKinID      = "KinID"
	virtuosParamStart = "par_"
)

// AxisPrefixNames are the synonymous axis naming conventions.
var AxisPrefixNames = []string{"Axis", "Achse", "Ext"}

var axisNamePattern = regexp.MustCompile(`^(Axis_|Achse_|Ext_)\d+`)

// TrafoParamName renders trafo[0].param[i].
func TrafoParamName(i int) string {
	return trafoParamPrefix + strconv.Itoa(i) + "]"
}

// TrafoParamIndex parses the index out of trafo[0].param[i].
func TrafoParamIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, trafoParamPrefix) || !strings.HasSuffix(name, "]") {
		return 0, false
	}
	i, err := strconv.Atoi(name[len(trafoParamPrefix) : len(name)-1])
	if err != nil {
		return 0, false
	}
	return i, true
}

// VirtuosName converts a logical parameter name to its Virtuos block name:
// trafo[0].id becomes KinID, trafo[0].param[i] becomes par_i and everything
// else passes through.
func VirtuosName(logical string) string {
	if logical == TrafoIDName {
		return VirtuosKinID
	}
	if strings.HasPrefix(logical, trafoParamPrefix) {
		return virtuosParamStart + strings.TrimSuffix(logical[len(trafoParamPrefix):], "]")
	}
	return logical
}

// LogicalName is the inverse of VirtuosName.
func LogicalName(virtuos string) string {
	if virtuos == VirtuosKinID {
		return TrafoIDName
	}
	if rest, ok := strings.CutPrefix(virtuos, virtuosParamStart); ok {
		if _, err := strconv.Atoi(rest); err == nil {
			return trafoParamPrefix + rest + "]"
		}
	}
	return virtuos
}

// VirtuosPath joins a block path and a parameter name: base.[name].
func VirtuosPath(base, name string) string {
	return fmt.Sprintf("%s.[%s]", base, name)
}

// ScaleTrafo multiplies every param[...] entry by factor and floors it to an
// integer string. Other entries, and values that do not parse, are returned
// unchanged.
func ScaleTrafo(names, values []string, factor float64) []string {
	return convertTrafo(names, values, func(v string) (string, error) { return ScaleInt(v, factor) })
}

// DescaleTrafo is the inverse of ScaleTrafo. It divides without rounding.
func DescaleTrafo(names, values []string, factor float64) []string {
	return convertTrafo(names, values, func(v string) (string, error) { return Divide(v, factor) })
}

func convertTrafo(names, values []string, conv func(string) (string, error)) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v
		if i >= len(names) || !strings.Contains(names[i], "param[") {
			continue
		}
		if c, err := conv(v); err == nil {
			out[i] = c
		}
	}
	return out
}

// KanalName renders Kanal_<n>.
func KanalName(n int) string { return "Kanal_" + strconv.Itoa(n) }

// AxisName renders the display name for a 0-based TwinCAT axis index.
func AxisName(defaultIndex int) string { return "Axis_" + strconv.Itoa(defaultIndex+1) }

// AxisPrefixes returns the three synonymous prefixes for a 0-based axis index.
func AxisPrefixes(defaultIndex int) []string {
	n := strconv.Itoa(defaultIndex + 1)
	out := make([]string, len(AxisPrefixNames))
	for i, p := range AxisPrefixNames {
		out[i] = p + "_" + n
	}
	return out
}

// HasAxisPrefix reports whether name starts with "<prefix>." for any prefix.
func HasAxisPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p+".") {
			return true
		}
	}
	return false
}

// IsAxisName matches names like Axis_3, Achse_11 or Ext_2.
func IsAxisName(name string) bool { return axisNamePattern.MatchString(name) }

// SplitAxisParam splits "Axis_1.v_max" into scope and field.
func SplitAxisParam(name string) (scope, field string, ok bool) {
	return strings.Cut(name, ".")
}
