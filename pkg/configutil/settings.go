package configutil

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings decodes a free-form vendor settings map into a typed
// struct. Keys match loosely: case, underscores, and hyphens are ignored,
// and scalar values are coerced, so "sample-rate: \"16000\"" still lands in
// an int field tagged sample_rate.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return foldKey(mapKey) == foldKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// RequireString rejects a blank value for a required config field, naming
// the field's config path in the error.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	return nil
}

func foldKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}
