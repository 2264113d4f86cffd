// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// ParseContextSettings from settings -- typically the contents of a flag set
// by the user. The settings are a list separated by ";":
// "param1=value1;param2=value2;...".
//
// All the parameters must already be set with default values in the context
// ctx; the default value also sets the type the string is parsed to. A scope
// can be given for a parameter: "hidden_0/l2_regularization=0.1" works, as
// long as a default "l2_regularization" is defined in ctx.
//
// For integer types "_" is removed, so large numbers can use it as a
// separator like in Go: 1_000_000 = 1000000.
func ParseContextSettings(ctx *context.Context, settings string) error {
	for _, setting := range strings.Split(settings, ";") {
		if setting == "" {
			continue
		}
		paramPath, valueStr, found := strings.Cut(setting, "=")
		if !found {
			return errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\", got %q",
				settings, setting)
		}
		scopeParts := strings.Split(paramPath, context.ScopeSeparator)
		key := scopeParts[len(scopeParts)-1]
		defaultValue, found := ctx.GetParam(key)
		if !found {
			return errors.Errorf("can't set parameter %q because the param %q is not known in the root context",
				paramPath, key)
		}

		ctxInScope := ctx
		for _, part := range scopeParts[:len(scopeParts)-1] {
			if part != "" {
				ctxInScope = ctxInScope.In(part)
			}
		}

		value, err := parseParamValue(defaultValue, valueStr)
		if err != nil {
			return errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
				valueStr, paramPath, defaultValue)
		}
		ctxInScope.SetParam(key, value)
	}
	return nil
}

// parseParamValue parses valueStr into the type of the parameter's default
// value.
func parseParamValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case string:
		return valueStr, nil
	case int, int32, int64, uint, uint32, uint64:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	case float32, float64, bool:
		// json handles these directly.
	default:
		return nil, errors.Errorf("don't know how to parse type %T", defaultValue)
	}
	return unmarshalAs(defaultValue, valueStr)
}

func unmarshalAs(defaultValue any, valueStr string) (any, error) {
	switch v := defaultValue.(type) {
	case int:
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, err
	case int32:
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, err
	case int64:
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, err
	case uint:
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, err
	case uint32:
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, err
	case uint64:
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, err
	case float32:
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, err
	case float64:
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, err
	case bool:
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, err
	}
	return nil, errors.Errorf("unsupported type %T", defaultValue)
}

// CreateContextSettingsFlag creates a string flag with the given flagName
// (if empty it is named "set") and with a description of the parameters
// currently defined in ctx. The flag must be created before flag.Parse().
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts, fmt.Sprintf(
		`Set context parameters defining the model. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Scoped settings are allowed, by using %q to separate scopes. `+
			`Current available parameters that can be set:`,
		context.ScopeSeparator))
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	usage := strings.Join(parts, "\n")
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintContextSettings pretty-prints the current hyperparameter settings.
func SprintContextSettings(ctx *context.Context) string {
	parts := []string{"Context hyperparameters:"}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			parts = append(parts, fmt.Sprintf("%q: (%T) %v", key, value, value))
		} else {
			parts = append(parts, fmt.Sprintf("%q / %q: (%T) %v", scope, key, value, value))
		}
	})
	return strings.Join(parts, "\n\t")
}
