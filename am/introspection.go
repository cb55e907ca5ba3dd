package am

import (
	"fmt"
	"sort"

	"github.com/spf13/viper"
)

// SettingInfo is one effective configuration value
type SettingInfo struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// Settings flattens the effective configuration into sorted dotted keys.
func Settings(v *viper.Viper) []SettingInfo {
	var out []SettingInfo
	flattenSettings(v.AllSettings(), "", &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func flattenSettings(settings map[string]interface{}, prefix string, out *[]SettingInfo) {
	for k, v := range settings {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenSettings(nested, key, out)
			continue
		}
		*out = append(*out, SettingInfo{Key: key, Value: v})
	}
}

// String renders a setting as key = value
func (s SettingInfo) String() string {
	return fmt.Sprintf("%s = %v", s.Key, s.Value)
}
